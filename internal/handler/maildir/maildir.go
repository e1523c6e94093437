// Package maildir is a reference session.Handler that delivers finished
// messages into per-recipient Maildir directories. Received-header
// synthesis and loop detection live here rather than in the protocol
// engine itself, since both require interpreting message headers, which is
// a handler-side concern, not a framing one.
package maildir

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/mail"
	"time"

	gomaildir "github.com/sloonz/go-maildir"

	"blitiri.com.ar/go/log"

	"github.com/mailgrove/smtpd/internal/envelope"
	"github.com/mailgrove/smtpd/internal/session"
	"github.com/mailgrove/smtpd/internal/set"
)

// Handler delivers messages into one Maildir per recipient, rooted under
// Base. When LocalDomains is set, only recipients whose domain is in it are
// delivered; the others are logged and skipped, and if no recipient is
// local HandleMessage returns an error instead of a status, mirroring the
// posture of an engine with no outbound relay of its own.
type Handler struct {
	// Base is the parent directory; each recipient gets Base/<user>@<domain>.
	Base string

	// LocalDomains restricts delivery to these domains. A nil set accepts
	// any domain (useful for a single-domain deployment or tests); New
	// leaves it nil when given no domains.
	LocalDomains *set.String

	// MaxReceivedHeaders bounds the accepted Received-header chain length,
	// for loop detection. 0 disables the check.
	MaxReceivedHeaders int

	hostname string
}

// New returns a Handler rooted at base, serving hostname in its Received
// headers.
func New(base, hostname string, localDomains ...string) *Handler {
	h := &Handler{
		Base:               base,
		MaxReceivedHeaders: 50,
		hostname:           hostname,
	}
	if len(localDomains) > 0 {
		h.LocalDomains = set.NewString(localDomains...)
	}
	return h
}

// HandleMessage implements session.Handler.
func (h *Handler) HandleMessage(ctx context.Context, peer net.Addr, from string, to []string, data []byte, opts session.MessageOptions) (string, error) {
	data = h.addReceivedHeader(peer, from, data)

	if err := h.checkLoop(data); err != nil {
		return "", err
	}

	var delivered int
	for _, rcpt := range to {
		if h.LocalDomains != nil && !envelope.DomainIn(rcpt, h.LocalDomains) {
			log.Infof("maildir: refusing relay for %s", rcpt)
			continue
		}
		if err := h.deliverOne(rcpt, data); err != nil {
			return "", fmt.Errorf("delivering to %s: %w", rcpt, err)
		}
		delivered++
	}

	if delivered == 0 {
		return "", fmt.Errorf("5.7.1 no local recipients among %v", to)
	}
	return "", nil
}

// HandleException implements session.ExceptionHandler by logging.
func (h *Handler) HandleException(ctx context.Context, err error) {
	log.Errorf("maildir: session exception: %v", err)
}

func (h *Handler) deliverOne(rcpt string, data []byte) error {
	m := gomaildir.Maildir(h.Base + "/" + rcpt)
	d, err := m.Create([]gomaildir.Flag{})
	if err != nil {
		return err
	}
	if _, err := d.Write(data); err != nil {
		_ = d.Abort()
		return err
	}
	_, err = d.Close()
	return err
}

// addReceivedHeader synthesizes a Received header from what this handler
// actually knows about the delivery: the peer address and the envelope
// sender. There's no TLS or authentication state to report, since the
// engine handing it messages doesn't negotiate either.
func (h *Handler) addReceivedHeader(peer net.Addr, from string, data []byte) []byte {
	v := fmt.Sprintf("from [%s]\n", peer)
	v += fmt.Sprintf("by %s (mailgrove/smtpd) with SMTP\n", h.hostname)
	v += fmt.Sprintf("(envelope from %q); %s\n", from, time.Now().Format(time.RFC1123Z))
	return envelope.AddHeader(data, "Received", v)
}

// checkLoop is a basic loop guard: the source chain can't grow forever, so
// reject messages that have already circled through too many hops.
func (h *Handler) checkLoop(data []byte) error {
	if h.MaxReceivedHeaders <= 0 {
		return nil
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("5.6.0 error parsing message: %v", err)
	}
	if len(msg.Header["Received"]) > h.MaxReceivedHeaders {
		return fmt.Errorf("5.4.6 loop detected (%d hops)", h.MaxReceivedHeaders)
	}
	return nil
}
