// Package session implements the per-connection SMTP/ESMTP state machine:
// command dispatch, envelope bookkeeping, extension negotiation, and DATA
// phase handling.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/mailgrove/smtpd/internal/lineproto"
	"github.com/mailgrove/smtpd/internal/parser"
	"github.com/mailgrove/smtpd/internal/trace"
)

// hardLineCap bounds how much the reader will buffer for a single command
// line before giving up, independent of any per-verb command_size_limits
// accounting (which happens after the line is in hand, since the verb
// itself isn't known until the line is split). This is a safety net against
// a client that never sends CRLF, not part of the protocol's own limits.
const hardLineCap = 8192

// greetingState tracks which of HELO/EHLO (if either) has been seen.
type greetingState int

const (
	greetingNone greetingState = iota
	greetingHELO
	greetingEHLO
)

// Session is a single accepted SMTP connection's protocol state machine.
// One goroutine owns a Session for its entire lifetime; there is no
// synchronization inside it, and no state is shared across Sessions.
type Session struct {
	cfg  Config
	conn net.Conn
	peer net.Addr

	reader *bufio.Reader
	lr     *lineproto.LineReader
	dr     *lineproto.DataReader
	writer *bufio.Writer

	handler Handler
	tr      *trace.Trace

	greeting     greetingState
	ehloDomain   string
	extendedSMTP bool

	env envelope

	commandSizeLimits map[string]int
}

// NewSession constructs a Session bound to conn. cfg is copied and defaults
// are applied (Config itself is never mutated after this point).
func NewSession(conn net.Conn, cfg Config, handler Handler) *Session {
	cfg = cfg.withDefaults()
	br := bufio.NewReader(conn)

	return &Session{
		cfg:               cfg,
		conn:              conn,
		peer:              conn.RemoteAddr(),
		reader:            br,
		lr:                lineproto.NewLineReader(br),
		dr:                lineproto.NewDataReader(br),
		writer:            bufio.NewWriter(conn),
		handler:           handler,
		tr:                trace.New("SMTP.Session", conn.RemoteAddr().String()),
		commandSizeLimits: map[string]int{},
	}
}

// EHLODomain returns the hostname the client gave in HELO/EHLO, raw and
// undecoded. A Handler that needs a shell-safe or log-safe form should run
// it through SanitizeHostish itself; the core never sanitizes argument
// bytes (argument bytes are kept byte-exact until a caller asks otherwise).
func (s *Session) EHLODomain() string {
	return s.ehloDomain
}

// Serve runs the session's main loop: it writes the greeting, then reads
// and dispatches commands until QUIT, EOF, a fatal transport error, or ctx
// cancellation. Cancellation is advisory: it unblocks the next read/write
// boundary by closing the connection, rather than preempting an in-flight
// command.
func (s *Session) Serve(ctx context.Context) error {
	defer s.tr.Finish()

	activeSessions.Inc()
	defer activeSessions.Dec()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-watchDone:
		}
	}()

	if err := s.greet(); err != nil {
		return err
	}

	for {
		raw, err := s.lr.ReadLine(hardLineCap)
		if err != nil {
			if err == lineproto.ErrLineTooLong {
				if werr := s.reply(500, "Error: line too long"); werr != nil {
					return werr
				}
				continue
			}
			return s.handleReadError(ctx, err)
		}

		quit, werr := s.handleLine(ctx, raw)
		if werr != nil {
			return werr
		}
		if quit {
			return nil
		}
	}
}

// handleReadError classifies a read failure from the line reader: a clean
// EOF ends the session quietly, a partial line at EOF is reported to the
// handler as an exception but still ends the session quietly, and any
// other error is fatal and propagated to the caller.
func (s *Session) handleReadError(ctx context.Context, err error) error {
	switch err {
	case io.EOF:
		s.tr.Debugf("client closed the connection")
		return nil
	case io.ErrUnexpectedEOF:
		s.tr.Errorf("incomplete read at EOF")
		s.notifyException(ctx, err)
		return nil
	default:
		return err
	}
}

// handleLine parses one already-read command line and dispatches it. It
// returns quit=true once QUIT has been processed (the reply has already
// been written).
func (s *Session) handleLine(ctx context.Context, raw []byte) (quit bool, err error) {
	if len(raw) == 0 {
		return false, s.reply(500, "Error: bad syntax")
	}

	verb, arg, ok := parser.SplitCommand(raw)
	if !ok {
		return false, s.reply(500, fmt.Sprintf("Error: command %q not recognized", verb))
	}

	limit := s.lineLimitFor(verb)
	if s.lr.RawLen() > limit {
		return false, s.reply(500, "Error: line too long")
	}

	fn, known := verbTable[verb]
	if !known {
		return false, s.reply(500, fmt.Sprintf("Error: command %q not recognized", verb))
	}

	r := s.dispatch(ctx, fn, verb, arg)
	if r.code > 0 {
		observeReply(verb, r.code)
	}

	if r.code == 0 {
		// code 0 means the handler already wrote its own final reply (QUIT)
		// or the session should end silently without one more reply
		// (a transport failure while DATA was writing 354 or reading the
		// payload).
		return true, nil
	}

	if err := s.reply(r.code, r.msg); err != nil {
		return false, err
	}
	return false, nil
}

// dispatch calls fn, recovering a panic into a 500 reply and an
// ExceptionHandler notification instead of crashing the whole process over
// one bad command.
func (s *Session) dispatch(ctx context.Context, fn verbFunc, verb string, arg []byte) (r reply) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("%v", rec)
			s.notifyException(ctx, err)
			r = reply{500, "Error: " + err.Error()}
		}
	}()
	return fn(s, ctx, arg)
}

func (s *Session) reply(code int, msg string) error {
	if err := writeReply(s.writer, code, msg); err != nil {
		return err
	}
	s.tr.Debugf("<- %d %s", code, msg)
	return nil
}

// greet writes the 220 banner.
func (s *Session) greet() error {
	return writeReply(s.writer, 220, s.cfg.Hostname+" "+s.cfg.Ident)
}

// lineLimitFor returns the command-length limit that applies to verb: the
// fixed baseline before EHLO, the per-verb (EHLO-grown) map afterwards.
func (s *Session) lineLimitFor(verb string) int {
	if !s.extendedSMTP {
		return s.cfg.CommandSizeLimit
	}
	if limit, ok := s.commandSizeLimits[verb]; ok {
		return limit
	}
	return s.cfg.CommandSizeLimit
}

func (s *Session) resetEnvelope() {
	s.env.reset()
}
