package protocol

import (
	"errors"
	"fmt"
)

// Version is the protocol version negotiated once per connection during the
// handshake. It gates which header fields are present on the wire; every
// encode and decode on a connection uses that connection's version.
//
// Each new version gets a constant here with a short description of what
// changed on the wire.
type Version uint16

const (
	// MinSupported is the first version: every message header carries only the
	// fields it was born with.
	MinSupported Version = 1

	// ShutdownInstanceID appends the originating server instance id to the
	// SHUTDOWN header.
	ShutdownInstanceID Version = 2

	// Latest is the newest version this build speaks.
	Latest = ShutdownInstanceID
)

var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// Supported reports whether v is within [MinSupported, Latest].
func (v Version) Supported() bool {
	return v >= MinSupported && v <= Latest
}

func (v Version) String() string {
	return fmt.Sprintf("v%d", uint16(v))
}

// Range is the span of versions one side of a connection accepts.
type Range struct {
	Min Version
	Max Version
}

// DefaultRange accepts every version this build knows.
func DefaultRange() Range {
	return Range{Min: MinSupported, Max: Latest}
}

// Validate checks that the range is non-empty and inside what this build
// supports.
func (r Range) Validate() error {
	if r.Min > r.Max {
		return fmt.Errorf("%w: empty range [%d, %d]", ErrUnsupportedVersion, r.Min, r.Max)
	}
	if !r.Min.Supported() || !r.Max.Supported() {
		return fmt.Errorf("%w: range [%d, %d] outside [%d, %d]",
			ErrUnsupportedVersion, r.Min, r.Max, MinSupported, Latest)
	}
	return nil
}

// Negotiate picks the highest version both ranges accept.
func Negotiate(local, remote Range) (Version, error) {
	v := min(local.Max, remote.Max)
	if v < max(local.Min, remote.Min) {
		return 0, fmt.Errorf("%w: local [%d, %d], remote [%d, %d]",
			ErrUnsupportedVersion, local.Min, local.Max, remote.Min, remote.Max)
	}
	return v, nil
}
