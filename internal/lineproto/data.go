package lineproto

import (
	"bufio"
	"bytes"
	"io"
)

// dotLine is the exact end-of-data sentinel, CRLF included.
var dotLine = []byte(".\r\n")

// DataReader reads the DATA-phase payload: raw lines up to and including
// the ".\r\n" sentinel, with dot-unstuffing and size accounting.
type DataReader struct {
	r *bufio.Reader
}

// NewDataReader returns a DataReader that reads from r.
func NewDataReader(r *bufio.Reader) *DataReader {
	return &DataReader{r: r}
}

// Result is the outcome of a completed DATA read.
type Result struct {
	// Payload is the assembled, dot-unstuffed, LF-joined message body.
	// Empty (and meaningless) when SizeExceeded is true.
	Payload []byte

	// NumBytes is the running byte count of every line read, including the
	// terminating sentinel line, before stripping or unstuffing.
	NumBytes int64

	// SizeExceeded is true if NumBytes went over max while reading the lines
	// before the sentinel; the sentinel's own bytes are added to NumBytes
	// but never set SizeExceeded. Lines read after that point are still
	// consumed (to keep the dialog framed correctly) but are not
	// accumulated into Payload.
	SizeExceeded bool
}

// ReadMessage reads until the ".\r\n" sentinel or a read error. max bounds
// the payload size; 0 disables the bound. On a connection close mid-line,
// it returns io.ErrUnexpectedEOF, matching LineReader's contract.
func (dr *DataReader) ReadMessage(max int64) (Result, error) {
	var res Result
	var lines [][]byte

	for {
		raw, err := dr.readRawLine()
		if err != nil {
			return res, err
		}

		res.NumBytes += int64(len(raw))

		if bytes.Equal(raw, dotLine) {
			break
		}

		if max > 0 && res.NumBytes > max {
			res.SizeExceeded = true
		}
		if res.SizeExceeded {
			continue
		}

		line := bytes.TrimSuffix(raw, []byte("\r\n"))
		lines = append(lines, line)
	}

	if res.SizeExceeded {
		return res, nil
	}

	unstuff(lines)
	res.Payload = bytes.Join(lines, []byte("\n"))
	return res, nil
}

// unstuff removes the leading '.' from any line that starts with one, per
// RFC 5321 section 4.5.2 dot-stuffing.
func unstuff(lines [][]byte) {
	for i, l := range lines {
		if len(l) > 0 && l[0] == '.' {
			lines[i] = l[1:]
		}
	}
}

// readRawLine reads one line including its trailing CRLF. It returns
// io.ErrUnexpectedEOF on a non-empty partial line at EOF, and io.EOF on a
// clean close with nothing pending.
func (dr *DataReader) readRawLine() ([]byte, error) {
	var buf []byte
	for {
		b, err := dr.r.ReadByte()
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
		if b == '\n' {
			return buf, nil
		}
	}
}
