package session

import (
	"bufio"
	"fmt"
	"strings"
)

// reply is what a verb handler returns: a numeric code and message text. A
// message containing '\n' becomes a multi-line SMTP reply; code <= 0 means
// "end the loop without writing anything more" (used by QUIT after writing
// its own reply, and by DATA on a transport failure).
type reply struct {
	code int
	msg  string
}

// writeReply writes a (possibly multi-line) SMTP reply and flushes. This is
// the writing counterpart of net/textproto's Reader.ReadResponse: lines
// before the last use "<code>-<text>", the last line uses "<code> <text>".
func writeReply(w *bufio.Writer, code int, msg string) error {
	lines := strings.Split(msg, "\n")

	i := 0
	for ; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[i]); err != nil {
		return err
	}
	return w.Flush()
}
