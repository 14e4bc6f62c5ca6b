package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrShortRead means a header ended before all of its fields were read.
	ErrShortRead = errors.New("short read")
	// ErrTrailingBytes means bytes were left over after a header was read.
	ErrTrailingBytes = errors.New("trailing bytes")
)

// Writer appends encoded headers to a buffer on behalf of a connection that
// negotiated proto.
type Writer struct {
	proto Version
	buf   *bytes.Buffer
}

func NewWriter(buf *bytes.Buffer, proto Version) *Writer {
	return &Writer{proto: proto, buf: buf}
}

func (w *Writer) Proto() Version { return w.proto }

// Write appends b. Writes to a bytes.Buffer cannot fail.
func (w *Writer) Write(b []byte) {
	w.buf.Write(b)
}

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) Len() int { return w.buf.Len() }

// Reader consumes encoded headers received on a connection that negotiated
// proto.
type Reader struct {
	proto Version
	data  []byte
	off   int
}

func NewReader(data []byte, proto Version) *Reader {
	return &Reader{proto: proto, data: data}
}

func (r *Reader) Proto() Version { return r.proto }

// Read returns the next n bytes. The returned slice aliases the reader's
// input.
func (r *Reader) Read(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrShortRead, n, len(r.data)-r.off)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Remaining() int { return len(r.data) - r.off }

// Finish reports an error if unread bytes remain. Both ends agree on the
// version, so leftovers mean a corrupt or misframed message.
func (r *Reader) Finish() error {
	if n := r.Remaining(); n > 0 {
		return fmt.Errorf("%w: %d unread", ErrTrailingBytes, n)
	}
	return nil
}
