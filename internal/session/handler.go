package session

import (
	"context"
	"net"
)

// MessageOptions carries the ESMTP MAIL/RCPT parameters collected for a
// message, passed to Handler.HandleMessage.
type MessageOptions struct {
	MailOptions map[string]string
	RcptOptions map[string]string
}

// Handler is the external collaborator that consumes a finished message.
type Handler interface {
	// HandleMessage is invoked once a DATA phase completes successfully.
	// A non-empty status replaces the default "250 OK" reply; err causes
	// the session to treat the call as a Handler-raised error (session
	// continues, reply becomes "500 Error: <err>", and ExceptionHandler is
	// notified if implemented).
	HandleMessage(ctx context.Context, peer net.Addr, from string, to []string, data []byte, opts MessageOptions) (status string, err error)
}

// ExceptionHandler is an optional interface a Handler may additionally
// implement to be notified of errors the session recovers from on its own
// (transport errors, panics recovered from a verb handler). The session
// checks for it with a type assertion rather than requiring every Handler
// to implement a no-op method.
type ExceptionHandler interface {
	HandleException(ctx context.Context, err error)
}

func (s *Session) notifyException(ctx context.Context, err error) {
	if eh, ok := s.handler.(ExceptionHandler); ok {
		eh.HandleException(ctx, err)
	}
}
