package session

import "github.com/mailgrove/smtpd/internal/parser"

// envelope holds the in-flight message state between MAIL and the end of
// DATA (success, overflow, or RSET). It is distinct from greeting state,
// which survives RSET.
type envelope struct {
	mailFrom        string
	rcptTo          []string
	mailParams      map[string]parser.Param
	rcptParams      map[string]parser.Param
	requireSMTPUTF8 bool
}

func (e *envelope) reset() {
	e.mailFrom = ""
	e.rcptTo = nil
	e.mailParams = nil
	e.rcptParams = nil
	e.requireSMTPUTF8 = false
}
