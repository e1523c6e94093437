package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mailgrove/smtpd/internal/parser"
)

// verbFunc is a single command handler. Each supported verb gets one entry
// in verbTable instead of a growing switch statement.
type verbFunc func(s *Session, ctx context.Context, arg []byte) reply

var verbTable = map[string]verbFunc{
	"HELO": (*Session).cmdHELO,
	"EHLO": (*Session).cmdEHLO,
	"HELP": (*Session).cmdHELP,
	"NOOP": (*Session).cmdNOOP,
	"QUIT": (*Session).cmdQUIT,
	"VRFY": (*Session).cmdVRFY,
	"EXPN": (*Session).cmdEXPN,
	"MAIL": (*Session).cmdMAIL,
	"RCPT": (*Session).cmdRCPT,
	"RSET": (*Session).cmdRSET,
	"DATA": (*Session).cmdDATA,
}

func trimmedString(arg []byte) string {
	return strings.TrimSpace(string(arg))
}

// cmdHELO handles the non-extended greeting: it requires a hostname
// argument, rejects a second greeting on the same connection, and resets
// any in-progress envelope.
func (s *Session) cmdHELO(_ context.Context, arg []byte) reply {
	name := trimmedString(arg)
	if name == "" {
		return reply{501, "Syntax: HELO hostname"}
	}
	if s.greeting != greetingNone {
		return reply{503, "Duplicate HELO/EHLO"}
	}

	s.resetEnvelope()
	s.ehloDomain = name
	s.greeting = greetingHELO
	s.extendedSMTP = false
	return reply{250, s.cfg.Hostname}
}

// cmdEHLO handles the extended greeting: same preconditions as HELO, plus
// building the capability block and growing the MAIL command's line-length
// limit for each advertised parameter (SIZE and SMTPUTF8 each add their
// own allowance, independently of one another).
func (s *Session) cmdEHLO(_ context.Context, arg []byte) reply {
	name := trimmedString(arg)
	if name == "" {
		return reply{501, "Syntax: EHLO hostname"}
	}
	if s.greeting != greetingNone {
		return reply{503, "Duplicate HELO/EHLO"}
	}

	s.resetEnvelope()
	s.ehloDomain = name
	s.greeting = greetingEHLO
	s.extendedSMTP = true
	s.commandSizeLimits = map[string]int{}

	var lines []string
	lines = append(lines, s.cfg.Hostname)
	mailLimit := s.cfg.CommandSizeLimit

	if s.cfg.DataSizeLimit > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", s.cfg.DataSizeLimit))
		mailLimit += 26
	}
	if !s.cfg.DecodeData {
		lines = append(lines, "8BITMIME")
	}
	if s.cfg.EnableSMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
		mailLimit += 10
	}
	s.commandSizeLimits["MAIL"] = mailLimit
	lines = append(lines, "HELP")

	return reply{250, strings.Join(lines, "\n")}
}

// cmdNOOP accepts no arguments and does nothing else.
func (s *Session) cmdNOOP(_ context.Context, arg []byte) reply {
	if len(trimmedString(arg)) > 0 {
		return reply{501, "Syntax: NOOP"}
	}
	return reply{250, "OK"}
}

// cmdQUIT writes its own reply and signals the caller to stop the loop by
// returning code 0.
func (s *Session) cmdQUIT(_ context.Context, arg []byte) reply {
	if len(trimmedString(arg)) > 0 {
		return reply{501, "Syntax: QUIT"}
	}
	_ = s.reply(221, "Bye")
	return reply{0, ""}
}

var helpVerbs = "EHLO HELO MAIL RCPT DATA RSET NOOP QUIT VRFY"

// cmdHELP returns the supported-command list, or per-verb syntax text when
// given an argument.
func (s *Session) cmdHELP(_ context.Context, arg []byte) reply {
	a := strings.ToUpper(trimmedString(arg))
	if a == "" {
		return reply{250, "Supported commands: " + helpVerbs}
	}

	extended := ""
	if s.extendedSMTP {
		extended = " [SP <mail-parameters>]"
	}

	switch a {
	case "EHLO":
		return reply{250, "Syntax: EHLO hostname"}
	case "HELO":
		return reply{250, "Syntax: HELO hostname"}
	case "MAIL":
		return reply{250, "Syntax: MAIL FROM: <address>" + extended}
	case "RCPT":
		return reply{250, "Syntax: RCPT TO: <address>" + extended}
	case "DATA":
		return reply{250, "Syntax: DATA"}
	case "RSET":
		return reply{250, "Syntax: RSET"}
	case "NOOP":
		return reply{250, "Syntax: NOOP"}
	case "QUIT":
		return reply{250, "Syntax: QUIT"}
	case "VRFY":
		return reply{250, "Syntax: VRFY <address>"}
	default:
		return reply{501, "Supported commands: " + helpVerbs}
	}
}

// cmdVRFY validates the argument address syntax but always answers with a
// canned refusal rather than an address-book lookup.
func (s *Session) cmdVRFY(_ context.Context, arg []byte) reply {
	if len(arg) == 0 {
		return reply{501, "Syntax: VRFY <address>"}
	}

	decoded, ok := parser.DecodeArg(arg, s.cfg.Default8BitEncoding)
	if !ok {
		return reply{502, "Could not VRFY " + string(arg)}
	}

	addr, _ := parser.GetAddr([]byte(decoded))
	if len(addr) == 0 {
		return reply{502, "Could not VRFY " + decoded}
	}
	return reply{252, "Cannot VRFY user, but will accept message and attempt delivery"}
}

// cmdEXPN is unconditionally not implemented.
func (s *Session) cmdEXPN(_ context.Context, _ []byte) reply {
	return reply{502, "EXPN not implemented"}
}

// cmdRSET clears the envelope without closing the connection.
func (s *Session) cmdRSET(_ context.Context, arg []byte) reply {
	if len(trimmedString(arg)) > 0 {
		return reply{501, "Syntax: RSET"}
	}
	s.resetEnvelope()
	return reply{250, "OK"}
}

func mailSyntaxErr(extendedSMTP bool, verb, kind string) reply {
	msg := fmt.Sprintf("Syntax: %s %s: <address>", verb, kind)
	if extendedSMTP {
		msg += " [SP <mail-parameters>]"
	}
	return reply{501, msg}
}

// cmdMAIL parses the FROM address and any ESMTP parameters (BODY,
// SMTPUTF8, SIZE), validating each against the session's capabilities
// before recording the envelope sender.
func (s *Session) cmdMAIL(_ context.Context, arg []byte) reply {
	if s.greeting == greetingNone {
		return reply{503, "Error: send HELO first"}
	}

	rest, ok := stripKeyword(arg, "FROM:")
	if !ok {
		return mailSyntaxErr(s.extendedSMTP, "MAIL", "FROM")
	}

	addr, paramBytes := parser.GetAddr(rest)
	if len(addr) == 0 {
		return mailSyntaxErr(s.extendedSMTP, "MAIL", "FROM")
	}
	if !s.extendedSMTP && len(strings.TrimSpace(string(paramBytes))) > 0 {
		return mailSyntaxErr(s.extendedSMTP, "MAIL", "FROM")
	}

	if s.env.mailFrom != "" {
		return reply{503, "Error: nested MAIL command"}
	}

	params, ok := parser.GetParams(paramBytes)
	if !ok {
		return mailSyntaxErr(s.extendedSMTP, "MAIL", "FROM")
	}

	if !s.cfg.DecodeData {
		body := "7BIT"
		if p, present := params["BODY"]; present {
			body = p.Value
			delete(params, "BODY")
		}
		if body != "7BIT" && body != "8BITMIME" {
			return reply{501, "Error: BODY can only be one of 7BIT, 8BITMIME"}
		}
	}

	requireSMTPUTF8 := false
	if s.cfg.EnableSMTPUTF8 {
		if p, present := params["SMTPUTF8"]; present {
			if !p.IsFlag {
				return reply{501, "Error: SMTPUTF8 takes no arguments"}
			}
			requireSMTPUTF8 = true
			delete(params, "SMTPUTF8")
		}
	}

	if p, present := params["SIZE"]; present {
		delete(params, "SIZE")
		n, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil || p.IsFlag {
			return mailSyntaxErr(s.extendedSMTP, "MAIL", "FROM")
		}
		if s.cfg.DataSizeLimit > 0 && n > s.cfg.DataSizeLimit {
			return reply{552, "Error: message size exceeds fixed maximum message size"}
		}
	}

	if len(params) > 0 {
		return reply{555, "MAIL FROM parameters not recognized or not implemented"}
	}

	s.env.mailFrom = string(addr)
	s.env.mailParams = params
	s.env.requireSMTPUTF8 = requireSMTPUTF8
	return reply{250, "OK"}
}

// cmdRCPT parses a recipient address and appends it to the envelope,
// requiring a prior MAIL command.
func (s *Session) cmdRCPT(_ context.Context, arg []byte) reply {
	if s.greeting == greetingNone {
		return reply{503, "Error: send HELO first"}
	}
	if s.env.mailFrom == "" {
		return reply{503, "Error: need MAIL command"}
	}

	rest, ok := stripKeyword(arg, "TO:")
	if !ok {
		return mailSyntaxErr(s.extendedSMTP, "RCPT", "TO")
	}

	addr, paramBytes := parser.GetAddr(rest)
	if len(addr) == 0 {
		return mailSyntaxErr(s.extendedSMTP, "RCPT", "TO")
	}
	if !s.extendedSMTP && len(strings.TrimSpace(string(paramBytes))) > 0 {
		return mailSyntaxErr(s.extendedSMTP, "RCPT", "TO")
	}

	params, ok := parser.GetParams(paramBytes)
	if !ok {
		return mailSyntaxErr(s.extendedSMTP, "RCPT", "TO")
	}
	if len(params) > 0 {
		return reply{555, "RCPT TO parameters not recognized or not implemented"}
	}

	s.env.rcptTo = append(s.env.rcptTo, string(addr))
	s.env.rcptParams = params
	return reply{250, "OK"}
}

// stripKeyword removes a case-insensitive leading keyword (e.g. "FROM:")
// and any following spaces. ok is false if arg doesn't start with keyword.
func stripKeyword(arg []byte, keyword string) (rest []byte, ok bool) {
	if len(arg) < len(keyword) {
		return nil, false
	}
	if !strings.EqualFold(string(arg[:len(keyword)]), keyword) {
		return nil, false
	}
	return trimLeftSpace(arg[len(keyword):]), true
}

func trimLeftSpace(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == ' ' {
		i++
	}
	return b[i:]
}
