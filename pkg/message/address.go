package message

import (
	"fmt"
	"math"
	"time"
)

// NodeIndex is a node's position in the cluster configuration.
type NodeIndex uint16

// NodeID names a node slot and the generation of the server occupying it.
type NodeID struct {
	Index      NodeIndex
	Generation uint16
}

func (n NodeID) String() string {
	return fmt.Sprintf("N%d:%d", n.Index, n.Generation)
}

// ClientID identifies an accepted client connection.
type ClientID uint32

// Address is the identity of the peer a message arrived from. It is either a
// client or a node, decided when the connection is accepted and never
// reclassified.
type Address struct {
	node     NodeID
	client   ClientID
	isClient bool
}

func NodeAddress(id NodeID) Address {
	return Address{node: id}
}

func ClientAddress(id ClientID) Address {
	return Address{client: id, isClient: true}
}

func (a Address) IsClientAddress() bool { return a.isClient }

// AsNodeID returns the node identity. Only meaningful when IsClientAddress is
// false.
func (a Address) AsNodeID() NodeID { return a.node }

// AsClientID returns the client identity. Only meaningful when
// IsClientAddress is true.
func (a Address) AsClientID() ClientID { return a.client }

func (a Address) String() string {
	if a.isClient {
		return fmt.Sprintf("C%d", a.client)
	}
	return a.node.String()
}

// ServerInstanceID distinguishes successive process lifetimes of one node.
// It is the process start time in milliseconds, so a restarted node always
// announces a larger value.
type ServerInstanceID uint64

// ServerInstanceIDInvalid stands in for an instance id the peer did not send,
// e.g. a SHUTDOWN received on a connection older than
// protocol.ShutdownInstanceID.
const ServerInstanceIDInvalid ServerInstanceID = math.MaxUint64

func NewServerInstanceID(start time.Time) ServerInstanceID {
	return ServerInstanceID(start.UnixMilli())
}

func (id ServerInstanceID) Valid() bool {
	return id != ServerInstanceIDInvalid
}

func (id ServerInstanceID) String() string {
	if !id.Valid() {
		return "INVALID"
	}
	return fmt.Sprintf("%d", uint64(id))
}
