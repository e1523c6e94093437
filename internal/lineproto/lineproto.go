// Package lineproto implements the line-oriented I/O used by the SMTP
// session state machine: reading CRLF-terminated command lines with
// length limits, and reading the DATA phase payload with dot-unstuffing.
package lineproto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong is returned when a command line exceeds the limit passed
// to ReadLine. The reader has already consumed the remainder of the
// offending line so the connection stays in sync.
var ErrLineTooLong = errors.New("line too long")

// LineReader reads CRLF-terminated lines from a byte stream, one command
// at a time.
type LineReader struct {
	r      *bufio.Reader
	rawLen int
}

// NewLineReader returns a LineReader that reads from r.
func NewLineReader(r *bufio.Reader) *LineReader {
	return &LineReader{r: r}
}

// RawLen returns the length, in bytes, of the line most recently returned
// by ReadLine, including whatever line terminator it had. Commands are
// length-checked against this value rather than the stripped line (per the
// protocol's "length check uses the line length before stripping" rule),
// which a caller can't otherwise reconstruct once CRLF has been trimmed.
func (lr *LineReader) RawLen() int {
	return lr.rawLen
}

// ReadLine reads a single line, stripping its trailing CRLF (or bare LF).
// maxLen, if > 0, bounds the line length including the line terminator;
// exceeding it returns ErrLineTooLong after consuming the rest of the line
// so the next read starts at the following line.
//
// On a clean connection close with no data pending, it returns io.EOF. On
// a connection close in the middle of a line (a non-empty partial read),
// it returns io.ErrUnexpectedEOF with the partial bytes read so far, so
// the caller can report the incomplete read before closing the session.
func (lr *LineReader) ReadLine(maxLen int) ([]byte, error) {
	var buf []byte
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(buf) > 0 {
					return buf, io.ErrUnexpectedEOF
				}
				return nil, io.EOF
			}
			return nil, err
		}
		buf = append(buf, b)
		if maxLen > 0 && len(buf) > maxLen {
			if b != '\n' {
				lr.discardLine()
			}
			return nil, ErrLineTooLong
		}
		if b == '\n' {
			break
		}
	}

	lr.rawLen = len(buf)

	line := bytes.TrimSuffix(buf, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

// discardLine reads and throws away bytes up to and including the next
// newline, to resynchronize after a too-long line. EOF and read errors are
// silently swallowed; the caller's next read will see them again.
func (lr *LineReader) discardLine() {
	for {
		b, err := lr.r.ReadByte()
		if err != nil || b == '\n' {
			return
		}
	}
}
