package session

import (
	"context"
	"strconv"
	"strings"

	"github.com/mailgrove/smtpd/internal/parser"
)

// cmdDATA collects the message body and hands it to the Handler. Unlike
// the other verb handlers it writes an intermediate reply (354) itself
// before reading the payload, since the protocol requires the client to
// see that reply before it starts streaming the message.
func (s *Session) cmdDATA(ctx context.Context, arg []byte) reply {
	if s.greeting == greetingNone {
		return reply{503, "Error: send HELO first"}
	}
	if len(s.env.rcptTo) == 0 {
		return reply{503, "Error: need RCPT command"}
	}
	if len(trimmedString(arg)) > 0 {
		return reply{501, "Syntax: DATA"}
	}

	if err := s.reply(354, "End data with <CR><LF>.<CR><LF>"); err != nil {
		return reply{0, ""}
	}

	res, err := s.dr.ReadMessage(s.cfg.DataSizeLimit)
	if err != nil {
		s.notifyException(ctx, err)
		return reply{0, ""}
	}

	if res.SizeExceeded {
		sizeExceededCount.Inc()
		s.resetEnvelope()
		return reply{552, "Error: Too much mail data"}
	}

	payload := res.Payload
	opts := MessageOptions{
		MailOptions: stringParams(s.env.mailParams),
		RcptOptions: stringParams(s.env.rcptParams),
	}

	status, herr := s.handler.HandleMessage(ctx, s.peer, s.env.mailFrom, s.env.rcptTo, payload, opts)
	if herr != nil {
		s.notifyException(ctx, herr)
		s.resetEnvelope()
		return reply{500, "Error: " + herr.Error()}
	}

	s.resetEnvelope()
	if strings.TrimSpace(status) != "" {
		return parseStatus(status)
	}
	return reply{250, "OK"}
}

// parseStatus turns a Handler-returned status string ("552 5.2.3 Mailbox
// full") into a reply, falling back to treating the whole string as the
// message text of a 250 if it doesn't start with a 3-digit code.
func parseStatus(status string) reply {
	status = strings.TrimSpace(status)
	fields := strings.SplitN(status, " ", 2)
	if code, err := strconv.Atoi(fields[0]); err == nil && len(fields[0]) == 3 {
		msg := ""
		if len(fields) > 1 {
			msg = fields[1]
		}
		return reply{code, msg}
	}
	return reply{250, status}
}

// stringParams converts the parser-level params map (raw Param values) into
// the plain string map MessageOptions exposes to Handlers.
func stringParams(params map[string]parser.Param) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v.Value
	}
	return out
}
