package proto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrBadChunk is returned when a declared-length payload is not
// followed by a proper line terminator. Framing can no longer be
// trusted after this, so the caller should close the connection.
var ErrBadChunk = errors.New("bad data chunk")

// Reader decodes command lines and declared-length payloads from a
// client byte stream.
type Reader struct {
	rd *bufio.Reader
}

// NewReader initializes a Reader with a buffered reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{rd: bufio.NewReader(r)}
}

// Buffered returns the number of bytes readable from the buffer.
func (r *Reader) Buffered() int {
	return r.rd.Buffered()
}

// ReadLine reads one command line. It accepts CRLF, LF, CR and CR NUL
// (common telnet newline).
func (r *Reader) ReadLine() (string, error) {
	var buf bytes.Buffer

	for {
		b, err := r.rd.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return buf.String(), nil
			}
			return "", err
		}

		switch b {
		case '\n':
			return buf.String(), nil
		case '\r':
			next, err := r.rd.ReadByte()
			if err == nil {
				if next != '\n' && next != 0x00 {
					if unreadErr := r.rd.UnreadByte(); unreadErr != nil {
						return "", unreadErr
					}
				}
			} else if !errors.Is(err, io.EOF) {
				return "", err
			}
			return buf.String(), nil
		default:
			buf.WriteByte(b)
		}
	}
}

// ReadPayload reads exactly n payload bytes plus the trailing line
// terminator. A short read or a missing terminator is reported as
// ErrBadChunk.
func (r *Reader) ReadPayload(n int) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(r.rd, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	if err := r.consumeTerminator(); err != nil {
		return nil, err
	}
	return data, nil
}

// Discard consumes and drops n payload bytes plus the terminator. Used
// to keep framing intact after a malformed command that still declared
// a trustworthy length.
func (r *Reader) Discard(n int) error {
	if _, err := r.rd.Discard(n); err != nil {
		return fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	return r.consumeTerminator()
}

// consumeTerminator accepts CRLF, LF, CR and CR NUL after a payload.
func (r *Reader) consumeTerminator() error {
	b, err := r.rd.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadChunk, err)
	}
	switch b {
	case '\n':
		return nil
	case '\r':
		next, err := r.rd.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrBadChunk, err)
		}
		if next == '\n' || next == 0x00 {
			return nil
		}
		return ErrBadChunk
	default:
		return ErrBadChunk
	}
}
