// Package parser implements the SMTP/ESMTP command-line grammar: verb
// tokenization, RFC 5321 address forms, and RFC 1869 parameter lists.
// It is pure: no I/O, no session state. Arguments are kept as raw bytes
// until a caller explicitly asks for decoding, per the engine's
// bytes-vs-text contract.
//
package parser

import (
	"bytes"
	"golang.org/x/text/encoding"
	"unicode/utf8"
)

// SplitCommand splits a command line into its verb and argument. The verb
// is the first whitespace-delimited token, uppercased; the argument is
// everything after the first space, left-trimmed but not decoded. ok is
// false if the verb bytes are not pure ASCII, in which case the caller
// should treat the command as unrecognized.
func SplitCommand(line []byte) (verb string, arg []byte, ok bool) {
	i := bytes.IndexByte(line, ' ')
	var verbBytes []byte
	if i < 0 {
		verbBytes = line
	} else {
		verbBytes = line[:i]
		arg = bytes.TrimLeft(line[i+1:], " ")
	}

	if !isASCII(verbBytes) {
		return "", nil, false
	}

	return string(bytes.ToUpper(verbBytes)), arg, true
}

// GetAddr parses the leading address out of arg, which is either an
// angle-addr ("<user@host>") or a bare addr-spec ("user@host"). It returns
// the bare address (without angle brackets) and whatever follows it
// (typically ESMTP parameters). On a malformed angle-addr (no closing '>')
// or an empty addr-spec token, addr is empty and rest is the original
// input, leaving the caller to surface a syntax error.
func GetAddr(arg []byte) (addr, rest []byte) {
	arg = bytes.TrimLeft(arg, " ")
	if len(arg) == 0 {
		return nil, nil
	}

	if arg[0] == '<' {
		end := bytes.IndexByte(arg, '>')
		if end < 0 {
			return nil, arg
		}
		addr = bytes.TrimSpace(arg[1:end])
		rest = bytes.TrimLeft(arg[end+1:], " ")
		return addr, rest
	}

	i := bytes.IndexByte(arg, ' ')
	if i < 0 {
		return arg, nil
	}
	return arg[:i], bytes.TrimLeft(arg[i+1:], " ")
}

// Param is one ESMTP MAIL/RCPT parameter: either a bare flag ("SMTPUTF8")
// or a KEY=VALUE pair.
type Param struct {
	Value  string
	IsFlag bool
}

// GetParams tokenizes the ESMTP parameter portion of a MAIL/RCPT command
// per RFC 1869: whitespace-delimited tokens of the form NAME or NAME=VALUE.
// Names are uppercased (matching the wire convention that ESMTP keywords
// are case-insensitive). ok is false if any token's name is not
// alphanumeric, or has a trailing "=" with no value.
func GetParams(rest []byte) (params map[string]Param, ok bool) {
	params = map[string]Param{}
	fields := bytes.Fields(rest)
	for _, tok := range fields {
		name, value, hasEq := bytes.Cut(tok, []byte{'='})
		name = bytes.ToUpper(name)
		if len(name) == 0 || !isAlnum(name) {
			return nil, false
		}
		if hasEq && len(value) == 0 {
			return nil, false
		}
		params[string(name)] = Param{
			Value:  string(bytes.ToUpper(value)),
			IsFlag: !hasEq,
		}
	}
	return params, true
}

// DecodeArg attempts to decode b as UTF-8, then as fallback (typically a
// single-byte encoding such as latin1). If both fail, ok is false and the
// caller must keep working with the raw bytes.
func DecodeArg(b []byte, fallback encoding.Encoding) (s string, ok bool) {
	if utf8.Valid(b) {
		return string(b), true
	}

	if fallback != nil {
		decoded, err := fallback.NewDecoder().Bytes(b)
		if err == nil {
			return string(decoded), true
		}
	}

	return "", false
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func isAlnum(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
