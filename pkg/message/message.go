// Package message defines the inter-node control messages, the dispatch table
// that maps an on-wire type to its decoder, and the handlers that run when a
// message is received.
//
// Decoding always uses the protocol version of the connection the bytes came
// in on. Handlers never look up ambient state: the dispatch executor hands
// them an Env with the collaborators they may touch.
package message

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

// Message is one control message. Instances are immutable after construction
// and owned by whichever layer is processing them.
type Message interface {
	Type() Type
	TrafficClass() TrafficClass

	// Serialize appends the header at the writer's negotiated version.
	Serialize(w *protocol.Writer)

	// OnReceived runs on the worker that owns the connection.
	OnReceived(env *Env, from Address) Result
}

// PeerRegistry is the per-peer connection state a handler may update.
type PeerRegistry interface {
	// SetPeerShuttingDown latches the shutdown flag for node. Idempotent.
	SetPeerShuttingDown(node NodeID)
	// Describe renders the connection to from for log lines.
	Describe(from Address) string
}

// ShutdownListener is notified when a peer node announces a graceful
// shutdown. Implementations must be idempotent and must not block.
type ShutdownListener interface {
	OnGracefulShutdown(node NodeIndex, instance ServerInstanceID)
}

// RebuildingSet is the worker-local set of running rebuilding state machines.
// Handlers iterate it but never add or remove entries.
type RebuildingSet interface {
	ForEach(fn func(ShutdownListener))
}

// Env carries the worker's collaborators into OnReceived.
type Env struct {
	Peers       PeerRegistry
	Rebuildings RebuildingSet
	Logger      *zap.Logger
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

type descriptor struct {
	name        string
	deserialize func(r *protocol.Reader) (Message, error)
	// broadcast messages must reach every worker, not only the one owning
	// the connection.
	broadcast bool
}

var descriptors = map[Type]descriptor{
	TypeShutdown: {name: "SHUTDOWN", deserialize: deserializeShutdown, broadcast: true},
}

// Known reports whether t has a dispatch table entry.
func Known(t Type) bool {
	_, ok := descriptors[t]
	return ok
}

// IsBroadcast reports whether an accepted message of type t must be handed to
// every worker.
func IsBroadcast(t Type) bool {
	return descriptors[t].broadcast
}

// Deserialize decodes a message of type t from r using r's protocol version.
// Short reads, trailing bytes and unknown types fail with ErrProtocol; a
// partially decoded message is never returned.
func Deserialize(t Type, r *protocol.Reader) (Message, error) {
	d, ok := descriptors[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, uint8(t))
	}
	msg, err := d.deserialize(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, d.name, err)
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProtocol, d.name, err)
	}
	return msg, nil
}

// Encode serializes msg for a connection at proto.
func Encode(msg Message, proto protocol.Version) []byte {
	var buf bytes.Buffer
	msg.Serialize(protocol.NewWriter(&buf, proto))
	return buf.Bytes()
}

// AppendFrame appends msg as a complete wire frame.
func AppendFrame(dst []byte, msg Message, proto protocol.Version) []byte {
	return protocol.AppendFrame(dst, byte(msg.Type()), Encode(msg, proto))
}
