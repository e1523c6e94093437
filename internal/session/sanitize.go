package session

// SanitizeHostish strips s down to the characters that are always safe to
// log or pass to a subprocess: letters, digits, and "-.[]:" (enough for
// hostnames, IPv4/IPv6 literals, and the rest of RFC 5321's Domain
// grammar). The core never calls this itself — argument bytes stay
// byte-exact — but a Handler that shells out or writes an EHLODomain()
// value into a log line or header should.
func SanitizeHostish(s string) string {
	n := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9',
			c == '-', c == '.', c == '[', c == ']', c == ':':
			n = append(n, c)
		}
	}
	return string(n)
}
