// Command smtpd-serve runs a standalone SMTP server on top of the session
// engine, delivering accepted messages into per-recipient Maildirs.
//
// Usage is parsed with docopt so the binary's help text and its flag parsing
// can never drift apart, grounded on the way the rest of this module favors
// declarative wiring over ad-hoc option juggling.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"blitiri.com.ar/go/log"

	"github.com/mailgrove/smtpd/internal/handler/maildir"
	"github.com/mailgrove/smtpd/internal/session"
	"github.com/mailgrove/smtpd/internal/systemd"
)

const usage = `smtpd-serve: a standalone SMTP/ESMTP server.

Usage:
  smtpd-serve [--addr=<addr>] [--hostname=<name>] [--maildir=<dir>]
              [--domain=<domain>]... [--max-size=<bytes>]
              [--smtputf8] [--decode-data]
  smtpd-serve --version
  smtpd-serve --help

Options:
  --addr=<addr>        Address to listen on. Use "systemd" to take listeners
                        from systemd socket activation instead [default: :2525].
  --hostname=<name>     Hostname to use in the greeting and EHLO response
                        [default: localhost].
  --maildir=<dir>       Root directory for per-recipient Maildirs [default: ./maildir].
  --domain=<domain>     Local domain to accept mail for (repeatable). If none
                        are given, all domains are accepted.
  --max-size=<bytes>    Maximum DATA payload size, in bytes [default: 33554432].
  --smtputf8            Advertise and accept the SMTPUTF8 extension.
  --decode-data         Decode DATA payloads as text instead of passing them
                         through as raw bytes (disables 8BITMIME).
  -h --help             Show this help.
  --version             Show version and exit.
`

const version = "smtpd-serve 1.0"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.Init()

	hostname, _ := opts.String("--hostname")
	maildirRoot, _ := opts.String("--maildir")
	addr, _ := opts.String("--addr")
	maxSizeStr, _ := opts.String("--max-size")
	smtputf8, _ := opts.Bool("--smtputf8")
	decodeData, _ := opts.Bool("--decode-data")
	domains := stringList(opts, "--domain")

	maxSize, err := strconv.ParseInt(maxSizeStr, 10, 64)
	if err != nil {
		log.Fatalf("invalid --max-size %q: %v", maxSizeStr, err)
	}
	if maxSize == 0 {
		// --max-size=0 means "no cap", which session.Config spells as
		// NoDataSizeLimit (its zero value instead defaults to
		// DefaultDataSizeLimit).
		maxSize = session.NoDataSizeLimit
	}

	if err := os.MkdirAll(maildirRoot, 0775); err != nil {
		log.Fatalf("creating maildir root %q: %v", maildirRoot, err)
	}

	h := maildir.New(maildirRoot, hostname, domains...)

	cfg := session.Config{
		Hostname:       hostname,
		DataSizeLimit:  maxSize,
		EnableSMTPUTF8: smtputf8,
		DecodeData:     decodeData,
	}

	listeners, err := listenersFor(addr)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if len(listeners) == 0 {
		log.Fatalf("no listeners to serve on")
	}

	go signalHandler()

	done := make(chan error, len(listeners))
	for _, l := range listeners {
		go serve(l, cfg, h, done)
	}

	for range listeners {
		if err := <-done; err != nil {
			log.Errorf("listener exited: %v", err)
		}
	}
}

// listenersFor resolves --addr into concrete net.Listeners: either a literal
// TCP address, or "systemd" to take sockets from LISTEN_FDS (see sd_listen_fds(3)).
func listenersFor(addr string) ([]net.Listener, error) {
	if addr != "systemd" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %q: %v", addr, err)
		}
		return []net.Listener{l}, nil
	}

	byName, err := systemd.Listeners()
	if err != nil {
		return nil, fmt.Errorf("getting systemd listeners: %v", err)
	}

	var ls []net.Listener
	for _, group := range byName {
		ls = append(ls, group...)
	}
	return ls, nil
}

// serve accepts connections on l forever, running each one in its own
// session goroutine.
func serve(l net.Listener, cfg session.Config, h session.Handler, done chan<- error) {
	log.Infof("listening on %v", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			done <- fmt.Errorf("accept on %v: %v", l.Addr(), err)
			return
		}
		go func() {
			s := session.NewSession(conn, cfg, h)
			if err := s.Serve(context.Background()); err != nil {
				log.Errorf("session with %v ended: %v", conn.RemoteAddr(), err)
			}
			conn.Close()
		}()
	}
}

// signalHandler reopens the log on SIGHUP, for log rotation.
func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)
	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("error reopening log: %v", err)
			}
		default:
			log.Errorf("unexpected signal %v", sig)
		}
	}
}

func stringList(opts docopt.Opts, key string) []string {
	v, ok := opts[key]
	if !ok || v == nil {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case string:
		if vv == "" {
			return nil
		}
		return strings.Split(vv, ",")
	default:
		return nil
	}
}
