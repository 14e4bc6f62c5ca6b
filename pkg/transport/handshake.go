package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

// Handshake, all fields big-endian.
//
//	hello: [magic 2][minProto 2][maxProto 2][role 1][nodeIndex 2][nodeGeneration 2][serverInstanceID 8]
//	reply: [magic 2][status 1][proto 2][nodeIndex 2][nodeGeneration 2][serverInstanceID 8]
//
// The dialer writes hello and reads reply; the listener does the opposite.
// The listener picks the version. A non-OK status is followed by close.
const (
	handshakeMagic uint16 = 0x5a4c // "ZL"
	helloSize             = 2 + 2 + 2 + 1 + 2 + 2 + 8
	replySize             = 2 + 1 + 2 + 2 + 2 + 8
)

var (
	ErrBadMagic  = errors.New("bad handshake magic")
	ErrRejected  = errors.New("handshake rejected")
	ErrBadRole   = errors.New("unknown peer role")
	errBadStatus = errors.New("unknown handshake status")
)

// Role of the dialing side.
type Role uint8

const (
	RoleNode   Role = 1
	RoleClient Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleNode:
		return "node"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

type status uint8

const (
	statusOK status = iota
	statusUnsupportedProto
	statusBadRole
)

func (s status) err() error {
	switch s {
	case statusOK:
		return nil
	case statusUnsupportedProto:
		return fmt.Errorf("%w: %w", ErrRejected, protocol.ErrUnsupportedVersion)
	case statusBadRole:
		return fmt.Errorf("%w: %w", ErrRejected, ErrBadRole)
	default:
		return fmt.Errorf("%w: %d", errBadStatus, uint8(s))
	}
}

type hello struct {
	protos   protocol.Range
	role     Role
	node     message.NodeID
	instance message.ServerInstanceID
}

type reply struct {
	status   status
	proto    protocol.Version
	node     message.NodeID
	instance message.ServerInstanceID
}

func writeHello(w io.Writer, h hello) error {
	var b [helloSize]byte
	binary.BigEndian.PutUint16(b[0:], handshakeMagic)
	binary.BigEndian.PutUint16(b[2:], uint16(h.protos.Min))
	binary.BigEndian.PutUint16(b[4:], uint16(h.protos.Max))
	b[6] = byte(h.role)
	binary.BigEndian.PutUint16(b[7:], uint16(h.node.Index))
	binary.BigEndian.PutUint16(b[9:], h.node.Generation)
	binary.BigEndian.PutUint64(b[11:], uint64(h.instance))
	_, err := w.Write(b[:])
	return err
}

func readHello(r io.Reader) (hello, error) {
	var b [helloSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return hello{}, err
	}
	if m := binary.BigEndian.Uint16(b[0:]); m != handshakeMagic {
		return hello{}, fmt.Errorf("%w: %#04x", ErrBadMagic, m)
	}
	return hello{
		protos: protocol.Range{
			Min: protocol.Version(binary.BigEndian.Uint16(b[2:])),
			Max: protocol.Version(binary.BigEndian.Uint16(b[4:])),
		},
		role: Role(b[6]),
		node: message.NodeID{
			Index:      message.NodeIndex(binary.BigEndian.Uint16(b[7:])),
			Generation: binary.BigEndian.Uint16(b[9:]),
		},
		instance: message.ServerInstanceID(binary.BigEndian.Uint64(b[11:])),
	}, nil
}

func writeReply(w io.Writer, r reply) error {
	var b [replySize]byte
	binary.BigEndian.PutUint16(b[0:], handshakeMagic)
	b[2] = byte(r.status)
	binary.BigEndian.PutUint16(b[3:], uint16(r.proto))
	binary.BigEndian.PutUint16(b[5:], uint16(r.node.Index))
	binary.BigEndian.PutUint16(b[7:], r.node.Generation)
	binary.BigEndian.PutUint64(b[9:], uint64(r.instance))
	_, err := w.Write(b[:])
	return err
}

func readReply(r io.Reader) (reply, error) {
	var b [replySize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return reply{}, err
	}
	if m := binary.BigEndian.Uint16(b[0:]); m != handshakeMagic {
		return reply{}, fmt.Errorf("%w: %#04x", ErrBadMagic, m)
	}
	return reply{
		status: status(b[2]),
		proto:  protocol.Version(binary.BigEndian.Uint16(b[3:])),
		node: message.NodeID{
			Index:      message.NodeIndex(binary.BigEndian.Uint16(b[5:])),
			Generation: binary.BigEndian.Uint16(b[7:]),
		},
		instance: message.ServerInstanceID(binary.BigEndian.Uint64(b[9:])),
	}, nil
}

// accept is the listener's decision on an incoming hello.
func accept(local protocol.Range, h hello) (protocol.Version, status) {
	if h.role != RoleNode && h.role != RoleClient {
		return 0, statusBadRole
	}
	v, err := protocol.Negotiate(local, h.protos)
	if err != nil {
		return 0, statusUnsupportedProto
	}
	return v, statusOK
}

// checkReply validates the listener's answer against what the dialer offered.
func checkReply(offered protocol.Range, r reply) error {
	if err := r.status.err(); err != nil {
		return err
	}
	if r.proto < offered.Min || r.proto > offered.Max {
		return fmt.Errorf("%w: listener chose %s outside [%s, %s]",
			protocol.ErrUnsupportedVersion, r.proto, offered.Min, offered.Max)
	}
	return nil
}
