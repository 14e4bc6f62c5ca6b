package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame format: [4-byte big-endian length][1-byte message type][header bytes].
// The length covers the type byte plus the header bytes.
const frameLenSize = 4

// MaxFramePayload bounds a single frame (type byte + header). Control
// messages are tiny; anything larger is a misframed stream.
const MaxFramePayload = 1 << 20

// ErrFrameTooLarge is returned for a frame longer than MaxFramePayload.
var ErrFrameTooLarge = errors.New("frame too large")

// AppendFrame appends a complete frame carrying payload to dst.
func AppendFrame(dst []byte, msgType byte, payload []byte) []byte {
	var hdr [frameLenSize + 1]byte
	binary.BigEndian.PutUint32(hdr[:frameLenSize], uint32(len(payload)+1))
	hdr[frameLenSize] = msgType
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ReadFrame reads one frame from r. buf is reused when large enough; the
// returned payload aliases it.
func ReadFrame(r io.Reader, buf []byte) (msgType byte, payload []byte, err error) {
	var lenBuf [frameLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("%w: zero-length frame", ErrShortRead)
	}
	if n > MaxFramePayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}
