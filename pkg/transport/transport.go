// Package transport carries control messages between nodes over TCP.
//
// A connection starts with a fixed-size handshake (see handshake.go) that
// settles who the peer is and which protocol version the connection speaks.
// After that both directions carry frames of
// [4-byte big-endian length][1-byte message type][header]. Each connection
// has one reader goroutine that hands frames to the Handler one at a time and
// waits for the result; a frame whose handling fails closes the connection.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

const (
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readBufferSize   = 64 << 10
	// Frames up to this size are read without allocating.
	frameBufferSize = 256
)

var ErrStopped = errors.New("transport stopped")

// Handler receives connection events. HandleFrame is called from the
// connection's reader goroutine; payload is only valid during the call.
type Handler interface {
	ConnOpened(c *Conn)
	HandleFrame(c *Conn, t message.Type, payload []byte) message.Result
	ConnClosed(c *Conn)
}

// Identity is what this side announces in handshakes.
type Identity struct {
	Role     Role
	Node     message.NodeID
	Instance message.ServerInstanceID
	Protos   protocol.Range
}

type Transport struct {
	self     Identity
	handler  Handler
	log      *zap.Logger
	listener net.Listener

	nextConnID   atomic.Uint64
	nextClientID atomic.Uint32

	mu    sync.Mutex
	conns map[uint64]*Conn

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(self Identity, h Handler, log *zap.Logger) (*Transport, error) {
	if err := self.Protos.Validate(); err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return &Transport{
		self:    self,
		handler: h,
		log:     log.Named("transport"),
		conns:   make(map[uint64]*Conn),
		done:    make(chan struct{}),
	}, nil
}

// Listen binds addr and starts accepting connections.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}
	t.listener = ln
	t.wg.Add(1)
	go t.acceptLoop()
	t.log.Info("listening", zap.String("addr", ln.Addr().String()),
		zap.Stringer("min_proto", t.self.Protos.Min), zap.Stringer("max_proto", t.self.Protos.Max))
	return nil
}

// Addr is the bound listen address, or "" before Listen.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Stop closes the listener and every connection and waits for the reader
// goroutines to exit. Idempotent.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			t.listener.Close()
		}
		t.mu.Lock()
		for _, c := range t.conns {
			c.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
	})
}

// Conns returns the open connections.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *Transport) stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// --- accept ---

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		nc, err := t.listener.Accept()
		if err != nil {
			if t.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Error("accept failed", zap.Error(err))
			continue
		}
		t.wg.Add(1)
		go t.handleInbound(nc)
	}
}

// handleInbound runs the listener half of the handshake, then serves the
// connection until it closes.
func (t *Transport) handleInbound(nc net.Conn) {
	defer t.wg.Done()
	log := t.log.With(zap.String("peer", nc.RemoteAddr().String()))

	nc.SetDeadline(time.Now().Add(handshakeTimeout))
	h, err := readHello(nc)
	if err != nil {
		log.Warn("handshake read failed", zap.Error(err))
		telemetry.ProtocolErrors.WithLabelValues("handshake").Inc()
		nc.Close()
		return
	}

	proto, st := accept(t.self.Protos, h)
	rep := reply{status: st, proto: proto, node: t.self.Node, instance: t.self.Instance}
	if err := writeReply(nc, rep); err != nil {
		log.Warn("handshake write failed", zap.Error(err))
		nc.Close()
		return
	}
	if st != statusOK {
		log.Warn("handshake refused", zap.Stringer("role", h.role),
			zap.Stringer("remote_min", h.protos.Min), zap.Stringer("remote_max", h.protos.Max),
			zap.Error(st.err()))
		telemetry.ProtocolErrors.WithLabelValues("handshake").Inc()
		nc.Close()
		return
	}
	nc.SetDeadline(time.Time{})

	var remote message.Address
	if h.role == RoleClient {
		remote = message.ClientAddress(message.ClientID(t.nextClientID.Add(1)))
	} else {
		remote = message.NodeAddress(h.node)
	}
	c := newConn(t.nextConnID.Add(1), nc, remote, h.role, h.instance, proto, false)
	if !t.register(c, false) {
		return
	}
	t.serve(c)
}

// --- dial ---

// Dial connects to addr and runs the dialer half of the handshake. The
// returned connection is already being served.
func (t *Transport) Dial(ctx context.Context, addr string) (*Conn, error) {
	if t.stopped() {
		return nil, ErrStopped
	}
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	nc.SetDeadline(deadline)

	h := hello{protos: t.self.Protos, role: t.self.Role, node: t.self.Node, instance: t.self.Instance}
	if err := writeHello(nc, h); err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	rep, err := readReply(nc)
	if err == nil {
		err = checkReply(t.self.Protos, rep)
	}
	if err != nil {
		nc.Close()
		telemetry.ProtocolErrors.WithLabelValues("handshake").Inc()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	nc.SetDeadline(time.Time{})

	c := newConn(t.nextConnID.Add(1), nc, message.NodeAddress(rep.node), RoleNode, rep.instance, rep.proto, true)
	if !t.register(c, true) {
		return nil, ErrStopped
	}
	go func() {
		defer t.wg.Done()
		t.serve(c)
	}()
	return c, nil
}

// register records c. addWorker reserves a wait group slot for a reader
// goroutine the caller is about to start; it is taken under mu so Stop cannot
// miss it.
func (t *Transport) register(c *Conn, addWorker bool) bool {
	t.mu.Lock()
	if t.stopped() {
		t.mu.Unlock()
		c.Close()
		return false
	}
	t.conns[c.id] = c
	if addWorker {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	telemetry.ConnectionsActive.WithLabelValues(c.role.String()).Inc()
	t.log.Info("connection established", zap.Stringer("conn", c),
		zap.Stringer("role", c.role), zap.Stringer("instance", c.instance))
	t.handler.ConnOpened(c)
	return true
}

func (t *Transport) unregister(c *Conn) {
	t.mu.Lock()
	delete(t.conns, c.id)
	t.mu.Unlock()
	telemetry.ConnectionsActive.WithLabelValues(c.role.String()).Dec()
	t.handler.ConnClosed(c)
}

// --- read ---

// serve reads frames until the connection fails or a frame is rejected.
func (t *Transport) serve(c *Conn) {
	defer t.unregister(c)
	defer c.Close()

	br := bufio.NewReaderSize(c.nc, readBufferSize)
	buf := make([]byte, 0, frameBufferSize)
	for {
		typ, payload, err := protocol.ReadFrame(br, buf)
		if err != nil {
			t.readFailed(c, err)
			return
		}

		res := t.handler.HandleFrame(c, message.Type(typ), payload)
		if !res.OK() {
			t.log.Error("PROTOCOL ERROR: closing connection",
				zap.Stringer("conn", c), zap.Stringer("type", message.Type(typ)), zap.Error(res.Err))
			return
		}
	}
}

func (t *Transport) readFailed(c *Conn, err error) {
	switch {
	case t.stopped(), errors.Is(err, net.ErrClosed):
	case errors.Is(err, io.EOF):
		t.log.Info("peer closed connection", zap.Stringer("conn", c))
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrShortRead):
		telemetry.ProtocolErrors.WithLabelValues("frame").Inc()
		t.log.Error("PROTOCOL ERROR: bad frame", zap.Stringer("conn", c), zap.Error(err))
	default:
		t.log.Warn("read failed", zap.Stringer("conn", c), zap.Error(err))
	}
}
