package proto

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Writer serializes protocol replies into an output stream.
type Writer struct {
	wr *bufio.Writer
}

// NewWriter initializes a Writer with a buffered writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{wr: bufio.NewWriter(w)}
}

// Flush sends all buffered data to the client.
func (w *Writer) Flush() error {
	return w.wr.Flush()
}

func (w *Writer) line(s string) error {
	if _, err := w.wr.WriteString(s); err != nil {
		return err
	}
	_, err := w.wr.WriteString("\r\n")
	return err
}

// Stored writes the successful write reply.
func (w *Writer) Stored() error { return w.line("STORED") }

// NotStored writes the failed conditional write reply.
func (w *Writer) NotStored() error { return w.line("NOT_STORED") }

// Deleted writes the successful delete reply.
func (w *Writer) Deleted() error { return w.line("DELETED") }

// NotFound writes the missing-key reply.
func (w *Writer) NotFound() error { return w.line("NOT_FOUND") }

// End writes the retrieval terminator.
func (w *Writer) End() error { return w.line("END") }

// Ok writes the generic success reply.
func (w *Writer) Ok() error { return w.line("OK") }

// Value writes one retrieval block: the VALUE header line and the
// payload. The reported length is always the original
// (pre-compression) size, which equals len(data) here. The caller
// terminates the reply with End after the last block.
func (w *Writer) Value(key string, flags uint32, data []byte) error {
	if _, err := fmt.Fprintf(w.wr, "VALUE %s %d %d\r\n", key, flags, len(data)); err != nil {
		return err
	}
	if _, err := w.wr.Write(data); err != nil {
		return err
	}
	_, err := w.wr.WriteString("\r\n")
	return err
}

// ValueCAS writes one retrieval block with a trailing cas unique, as
// produced by the gets command.
func (w *Writer) ValueCAS(key string, flags uint32, data []byte, cas uint64) error {
	if _, err := fmt.Fprintf(w.wr, "VALUE %s %d %d %d\r\n", key, flags, len(data), cas); err != nil {
		return err
	}
	if _, err := w.wr.Write(data); err != nil {
		return err
	}
	_, err := w.wr.WriteString("\r\n")
	return err
}

// Number writes a bare numeric reply (incr/decr result).
func (w *Writer) Number(v uint64) error {
	return w.line(strconv.FormatUint(v, 10))
}

// Stat writes one statistics line.
func (w *Writer) Stat(name, value string) error {
	_, err := fmt.Fprintf(w.wr, "STAT %s %s\r\n", name, value)
	return err
}

// Version writes the server version reply.
func (w *Writer) Version(v string) error {
	return w.line("VERSION " + v)
}

// Error writes the unknown-command reply.
func (w *Writer) Error() error { return w.line("ERROR") }

// ClientError writes a recoverable client mistake reply.
func (w *Writer) ClientError(msg string) error {
	_, err := fmt.Fprintf(w.wr, "CLIENT_ERROR %s\r\n", msg)
	return err
}

// ServerError writes a server-side failure reply.
func (w *Writer) ServerError(msg string) error {
	_, err := fmt.Fprintf(w.wr, "SERVER_ERROR %s\r\n", msg)
	return err
}

// StreamBegin writes the streaming session header.
func (w *Writer) StreamBegin(key string, totalSize, chunkCount int) error {
	_, err := fmt.Fprintf(w.wr, "STREAM_BEGIN %s %d %d\r\n", key, totalSize, chunkCount)
	return err
}

// StreamData writes one chunk: header line then the chunk bytes.
func (w *Writer) StreamData(key string, index int, data []byte) error {
	if _, err := fmt.Fprintf(w.wr, "STREAM_DATA %s %d %d\r\n", key, index, len(data)); err != nil {
		return err
	}
	if _, err := w.wr.Write(data); err != nil {
		return err
	}
	_, err := w.wr.WriteString("\r\n")
	return err
}

// StreamEnd writes the end-of-stream marker.
func (w *Writer) StreamEnd(key string) error {
	_, err := fmt.Fprintf(w.wr, "STREAM_END %s\r\n", key)
	return err
}

// StreamError writes a streaming failure reply.
func (w *Writer) StreamError(msg string) error {
	_, err := fmt.Fprintf(w.wr, "STREAM_ERROR %s\r\n", msg)
	return err
}
