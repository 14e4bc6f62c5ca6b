package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

// Conn is one handshaken connection. The protocol version is fixed for its
// lifetime and every message sent on it is serialized at that version.
type Conn struct {
	id       uint64
	nc       net.Conn
	remote   message.Address
	role     Role
	instance message.ServerInstanceID
	proto    protocol.Version
	outbound bool
	peerAddr string

	wmu      sync.Mutex
	frameBuf []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id uint64, nc net.Conn, remote message.Address, role Role,
	instance message.ServerInstanceID, proto protocol.Version, outbound bool) *Conn {
	return &Conn{
		id:       id,
		nc:       nc,
		remote:   remote,
		role:     role,
		instance: instance,
		proto:    proto,
		outbound: outbound,
		peerAddr: nc.RemoteAddr().String(),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) ID() uint64 { return c.id }

// Remote is the address messages from this connection are attributed to.
func (c *Conn) Remote() message.Address { return c.remote }

func (c *Conn) Role() Role { return c.role }

// Instance is the server instance id the peer announced in its handshake.
func (c *Conn) Instance() message.ServerInstanceID { return c.instance }

func (c *Conn) Proto() protocol.Version { return c.proto }

// Outbound reports whether this side dialed.
func (c *Conn) Outbound() bool { return c.outbound }

func (c *Conn) PeerAddr() string { return c.peerAddr }

func (c *Conn) String() string {
	dir := "in"
	if c.outbound {
		dir = "out"
	}
	return fmt.Sprintf("conn#%d(%s %s %s %s)", c.id, dir, c.remote, c.peerAddr, c.proto)
}

// Send writes msg as one frame. Safe for concurrent use.
func (c *Conn) Send(msg message.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}

	c.frameBuf = message.AppendFrame(c.frameBuf[:0], msg, c.proto)
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(c.frameBuf); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type(), c.remote, err)
	}
	telemetry.MessagesSent.WithLabelValues(msg.Type().String()).Inc()
	return nil
}

// Close shuts the connection. The reader goroutine notices and reports
// ConnClosed to the handler.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }
