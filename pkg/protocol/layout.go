package protocol

import (
	"encoding/binary"
	"fmt"
)

// Field describes one fixed-width header field. Since is the protocol version
// that introduced it; on older connections the field is neither written nor
// read and decodes to the layout's sentinel value.
type Field[H any] struct {
	Name  string
	Width int
	Since Version
	Put   func(h *H, b []byte)
	Get   func(h *H, b []byte)
}

// Layout is the ordered field list of a message header. Fields must be
// declared in non-decreasing Since order so that an older version always sees
// a prefix of the newer layout.
//
// Integers are little-endian.
type Layout[H any] struct {
	name     string
	fields   []Field[H]
	sentinel func() H
}

// NewLayout builds a layout. sentinel returns a header where every field holds
// its documented "absent" value. It panics on a malformed declaration; layouts
// are package-level values, so this fires at init.
func NewLayout[H any](name string, sentinel func() H, fields ...Field[H]) *Layout[H] {
	for i, f := range fields {
		if f.Width <= 0 {
			panic(fmt.Sprintf("protocol: %s.%s: width %d", name, f.Name, f.Width))
		}
		if f.Put == nil || f.Get == nil {
			panic(fmt.Sprintf("protocol: %s.%s: missing accessor", name, f.Name))
		}
		if i > 0 && f.Since < fields[i-1].Since {
			panic(fmt.Sprintf("protocol: %s.%s introduced at %d after %s at %d",
				name, f.Name, f.Since, fields[i-1].Name, fields[i-1].Since))
		}
	}
	return &Layout[H]{name: name, fields: fields, sentinel: sentinel}
}

func (l *Layout[H]) Name() string { return l.name }

// ExpectedSize is the on-wire length of the header at version v.
func (l *Layout[H]) ExpectedSize(v Version) int {
	n := 0
	for _, f := range l.fields {
		if f.Since > v {
			break
		}
		n += f.Width
	}
	return n
}

// Present reports whether the named field is on the wire at version v.
func (l *Layout[H]) Present(name string, v Version) bool {
	for _, f := range l.fields {
		if f.Name == name {
			return f.Since <= v
		}
	}
	return false
}

// Sentinel returns a header with every field set to its absent value.
func (l *Layout[H]) Sentinel() H {
	return l.sentinel()
}

// Encode writes exactly ExpectedSize(w.Proto()) bytes of h.
func (l *Layout[H]) Encode(w *Writer, h *H) {
	v := w.Proto()
	var tmp [8]byte
	for _, f := range l.fields {
		if f.Since > v {
			break
		}
		var b []byte
		if f.Width <= len(tmp) {
			b = tmp[:f.Width]
		} else {
			b = make([]byte, f.Width)
		}
		f.Put(h, b)
		w.Write(b)
	}
}

// Decode reads ExpectedSize(r.Proto()) bytes into a sentinel-initialised
// header.
func (l *Layout[H]) Decode(r *Reader) (H, error) {
	h := l.sentinel()
	v := r.Proto()
	for _, f := range l.fields {
		if f.Since > v {
			break
		}
		b, err := r.Read(f.Width)
		if err != nil {
			return l.sentinel(), fmt.Errorf("%s.%s: %w", l.name, f.Name, err)
		}
		f.Get(&h, b)
	}
	return h, nil
}

// Uint8 declares a one-byte field.
func Uint8[H any, T ~uint8](name string, since Version, ref func(*H) *T) Field[H] {
	return Field[H]{
		Name:  name,
		Width: 1,
		Since: since,
		Put:   func(h *H, b []byte) { b[0] = byte(*ref(h)) },
		Get:   func(h *H, b []byte) { *ref(h) = T(b[0]) },
	}
}

// Uint16 declares a two-byte field.
func Uint16[H any, T ~uint16](name string, since Version, ref func(*H) *T) Field[H] {
	return Field[H]{
		Name:  name,
		Width: 2,
		Since: since,
		Put:   func(h *H, b []byte) { binary.LittleEndian.PutUint16(b, uint16(*ref(h))) },
		Get:   func(h *H, b []byte) { *ref(h) = T(binary.LittleEndian.Uint16(b)) },
	}
}

// Uint32 declares a four-byte field.
func Uint32[H any, T ~uint32](name string, since Version, ref func(*H) *T) Field[H] {
	return Field[H]{
		Name:  name,
		Width: 4,
		Since: since,
		Put:   func(h *H, b []byte) { binary.LittleEndian.PutUint32(b, uint32(*ref(h))) },
		Get:   func(h *H, b []byte) { *ref(h) = T(binary.LittleEndian.Uint32(b)) },
	}
}

// Uint64 declares an eight-byte field.
func Uint64[H any, T ~uint64](name string, since Version, ref func(*H) *T) Field[H] {
	return Field[H]{
		Name:  name,
		Width: 8,
		Since: since,
		Put:   func(h *H, b []byte) { binary.LittleEndian.PutUint64(b, uint64(*ref(h))) },
		Get:   func(h *H, b []byte) { *ref(h) = T(binary.LittleEndian.Uint64(b)) },
	}
}
