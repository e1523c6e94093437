package session

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

// fakeHandler records the last delivered message and can be told to
// fail, mirroring the "Handler-raised" error path.
type fakeHandler struct {
	from   string
	to     []string
	data   []byte
	status string
	err    error

	exceptions []error
}

func (h *fakeHandler) HandleMessage(ctx context.Context, peer net.Addr, from string, to []string, data []byte, opts MessageOptions) (string, error) {
	h.from = from
	h.to = append([]string(nil), to...)
	h.data = append([]byte(nil), data...)
	return h.status, h.err
}

func (h *fakeHandler) HandleException(ctx context.Context, err error) {
	h.exceptions = append(h.exceptions, err)
}

// testSession wires a Session to one end of a net.Pipe, runs Serve in the
// background, and exposes a textproto.Reader/net.Conn pair to drive it like
// a real client dialog.
type testSession struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Reader
	done chan error
}

func newTestSession(t *testing.T, cfg Config, h Handler) *testSession {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	s := NewSession(serverConn, cfg, h)
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background())
	}()

	return &testSession{
		t:    t,
		conn: clientConn,
		tp:   textproto.NewReader(bufio.NewReader(clientConn)),
		done: done,
	}
}

func (ts *testSession) close() {
	ts.conn.Close()
}

func (ts *testSession) send(line string) {
	ts.t.Helper()
	if _, err := ts.conn.Write([]byte(line + "\r\n")); err != nil {
		ts.t.Fatalf("write %q: %v", line, err)
	}
}

func (ts *testSession) expect(wantCode int, wantMsg string) {
	ts.t.Helper()
	code, msg, err := ts.tp.ReadResponse(wantCode)
	if err != nil {
		ts.t.Fatalf("ReadResponse: %v (got code %d, msg %q)", err, code, msg)
	}
	if code != wantCode {
		ts.t.Fatalf("got code %d, want %d (msg %q)", code, wantCode, msg)
	}
	if wantMsg != "" && msg != wantMsg {
		ts.t.Fatalf("got message %q, want %q", msg, wantMsg)
	}
}

func baseConfig() Config {
	return Config{
		Hostname:       "example.org",
		DataSizeLimit:  DefaultDataSizeLimit,
		EnableSMTPUTF8: false,
	}
}

func TestHappyEHLOPath(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")

	ts.send("EHLO client.test")
	ts.expect(250, "example.org\nSIZE 33554432\n8BITMIME\nHELP")

	ts.send("MAIL FROM:<a@b>")
	ts.expect(250, "OK")

	ts.send("RCPT TO:<c@d>")
	ts.expect(250, "OK")

	ts.send("DATA")
	ts.expect(354, "End data with <CR><LF>.<CR><LF>")

	ts.send("hello\r\n.")
	ts.expect(250, "OK")

	if h.from != "a@b" {
		t.Errorf("from = %q, want a@b", h.from)
	}
	if len(h.to) != 1 || h.to[0] != "c@d" {
		t.Errorf("to = %v, want [c@d]", h.to)
	}
	if string(h.data) != "hello" {
		t.Errorf("data = %q, want %q", h.data, "hello")
	}
}

func TestDuplicateGreeting(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("EHLO client.test")
	ts.expect(250, "")

	ts.send("HELO foo")
	ts.expect(503, "Duplicate HELO/EHLO")
}

func TestNestedMAIL(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("EHLO client.test")
	ts.expect(250, "")

	ts.send("MAIL FROM:<a@b>")
	ts.expect(250, "OK")

	ts.send("MAIL FROM:<x@y>")
	ts.expect(503, "Error: nested MAIL command")
}

func TestSizeEnforcedAtMAIL(t *testing.T) {
	h := &fakeHandler{}
	cfg := baseConfig()
	cfg.DataSizeLimit = 100
	ts := newTestSession(t, cfg, h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("EHLO client.test")
	ts.expect(250, "")

	ts.send("MAIL FROM:<a@b> SIZE=200")
	ts.expect(552, "Error: message size exceeds fixed maximum message size")
}

func TestDotStuffingRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("EHLO client.test")
	ts.expect(250, "")
	ts.send("MAIL FROM:<a@b>")
	ts.expect(250, "OK")
	ts.send("RCPT TO:<c@d>")
	ts.expect(250, "OK")
	ts.send("DATA")
	ts.expect(354, "")

	ts.conn.Write([]byte("..line1\r\n...\r\n.\r\n"))
	ts.expect(250, "OK")

	if string(h.data) != ".line1\n.." {
		t.Errorf("data = %q, want %q", h.data, ".line1\n..")
	}
}

func TestUnknownESMTPParam(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("EHLO client.test")
	ts.expect(250, "")

	ts.send("MAIL FROM:<a@b> FOO=BAR")
	ts.expect(555, "MAIL FROM parameters not recognized or not implemented")
}

func TestOverlongCommand(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")

	ts.send(strings.Repeat("A", 1024))
	ts.expect(500, "Error: line too long")

	// Session must still be usable afterwards.
	ts.send("NOOP")
	ts.expect(250, "OK")
}

func TestEXPN(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("EXPN list")
	ts.expect(502, "EXPN not implemented")
}

func TestQuit(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("QUIT")
	ts.expect(221, "Bye")

	select {
	case err := <-ts.done:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after QUIT")
	}
}

func TestRsetIdempotent(t *testing.T) {
	h := &fakeHandler{}
	ts := newTestSession(t, baseConfig(), h)
	defer ts.close()

	ts.expect(220, "")
	ts.send("EHLO client.test")
	ts.expect(250, "")
	ts.send("MAIL FROM:<a@b>")
	ts.expect(250, "OK")

	ts.send("RSET")
	ts.expect(250, "OK")
	ts.send("RSET")
	ts.expect(250, "OK")

	// mailfrom must have been cleared: RCPT should now fail as out-of-order.
	ts.send("RCPT TO:<c@d>")
	ts.expect(503, "Error: need MAIL command")
}
