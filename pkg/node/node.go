// Package node wires one cluster member together: the ring of known nodes,
// the peer registry, the worker processor, the transport and the admin HTTP
// handlers.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/internal/config"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/rebuilding"
	"github.com/ryandielhenn/zephyrlog/pkg/ring"
	"github.com/ryandielhenn/zephyrlog/pkg/sender"
	"github.com/ryandielhenn/zephyrlog/pkg/transport"
	"github.com/ryandielhenn/zephyrlog/pkg/worker"
)

// DefaultPort is appended to peer addresses given without one.
const DefaultPort = "4440"

type Node struct {
	cfg       *config.Config
	self      message.NodeID
	instance  message.ServerInstanceID
	startedAt time.Time
	log       *zap.Logger

	ring  *ring.HashRing
	peers *sender.Registry
	proc  *worker.Processor
	tr    *transport.Transport

	mu  sync.Mutex
	out map[message.NodeIndex]*transport.Conn

	stopOnce sync.Once
}

func New(cfg *config.Config, log *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	now := time.Now()
	n := &Node{
		cfg:       cfg,
		self:      message.NodeID{Index: message.NodeIndex(cfg.NodeIndex), Generation: cfg.Generation},
		instance:  message.NewServerInstanceID(now),
		startedAt: now,
		log:       log,
		ring:      ring.New(cfg.RingReplicas, ring.FNV32a),
		out:       make(map[message.NodeIndex]*transport.Conn),
	}
	n.ring.Add(n.self.Index, NormalizeHostPort(cfg.Advertise(), DefaultPort))
	for idx, addr := range cfg.Peers {
		n.AddPeer(message.NodeIndex(idx), addr)
	}

	n.peers = sender.NewRegistry(log.Named("sender"), cfg.DepartedTTL)
	planner := rebuilding.NewPlanner(n.ring, n.peers, n.self.Index, cfg.Replication, log.Named("rebuilding"))
	n.proc = worker.NewProcessor(cfg.Workers, n.peers, planner, log)

	tr, err := transport.New(transport.Identity{
		Role:     transport.RoleNode,
		Node:     n.self,
		Instance: n.instance,
		Protos:   cfg.ProtoRange(),
	}, connHandler{n}, log)
	if err != nil {
		n.peers.Close()
		return nil, err
	}
	n.tr = tr
	return n, nil
}

// Start begins serving the transport.
func (n *Node) Start() error {
	n.proc.Start()
	if err := n.tr.Listen(n.cfg.ListenAddr); err != nil {
		n.proc.Stop()
		return err
	}
	n.log.Info("node started", zap.Stringer("node", n.self), zap.Stringer("instance", n.instance),
		zap.String("addr", n.tr.Addr()))
	return nil
}

// Stop announces the shutdown to every known peer, then tears everything
// down. Idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownWait)
		defer cancel()
		if err := n.AnnounceShutdown(ctx); err != nil {
			n.log.Warn("shutdown announcement incomplete", zap.Error(err))
		}
		n.tr.Stop()
		n.proc.Stop()
		n.peers.Close()
		n.log.Info("node stopped", zap.Stringer("node", n.self))
	})
}

func (n *Node) Self() message.NodeID { return n.self }

func (n *Node) Instance() message.ServerInstanceID { return n.instance }

// Addr is the bound transport address.
func (n *Node) Addr() string { return n.tr.Addr() }

func (n *Node) Peers() *sender.Registry { return n.peers }

func (n *Node) Processor() *worker.Processor { return n.proc }

// AddPeer places a node on the ring. The local node is never replaced.
func (n *Node) AddPeer(idx message.NodeIndex, addr string) {
	if idx == n.self.Index {
		return
	}
	n.ring.Add(idx, NormalizeHostPort(addr, DefaultPort))
}

// RemovePeer drops idx from the ring and closes our connection to it.
func (n *Node) RemovePeer(idx message.NodeIndex) {
	if idx == n.self.Index {
		return
	}
	n.ring.Remove(idx)
	n.mu.Lock()
	c := n.out[idx]
	delete(n.out, idx)
	n.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// ClearPeers removes every node except this one from the ring.
func (n *Node) ClearPeers() {
	n.ring.Clear()
	n.ring.Add(n.self.Index, NormalizeHostPort(n.cfg.Advertise(), DefaultPort))
}

// SetPeers replaces the ring membership with peers, closing connections to
// nodes that are gone.
func (n *Node) SetPeers(peers map[message.NodeIndex]string) {
	for idx := range n.ring.Nodes() {
		if _, ok := peers[idx]; !ok {
			n.RemovePeer(idx)
		}
	}
	for idx, addr := range peers {
		n.AddPeer(idx, addr)
	}
}

// conn returns the outbound connection to idx, dialing it if needed.
func (n *Node) conn(ctx context.Context, idx message.NodeIndex, addr string) (*transport.Conn, error) {
	n.mu.Lock()
	c, ok := n.out[idx]
	n.mu.Unlock()
	if ok {
		select {
		case <-c.Done():
		default:
			return c, nil
		}
	}

	c, err := n.tr.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if got := c.Remote().AsNodeID().Index; got != idx {
		c.Close()
		return nil, fmt.Errorf("dialed %s expecting node %d, got %d", addr, idx, got)
	}
	n.mu.Lock()
	if prev, ok := n.out[idx]; ok && prev != c {
		prev.Close()
	}
	n.out[idx] = c
	n.mu.Unlock()
	return c, nil
}

// AnnounceShutdown tells every other node on the ring that this instance is
// going away. Each SHUTDOWN is encoded at the version of the connection it
// travels on.
func (n *Node) AnnounceShutdown(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		sent int
	)
	msg := message.NewShutdown(n.instance)
	for idx, addr := range n.ring.Nodes() {
		if idx == n.self.Index {
			continue
		}
		wg.Add(1)
		go func(idx message.NodeIndex, addr string) {
			defer wg.Done()
			c, err := n.conn(ctx, idx, addr)
			if err == nil {
				err = c.Send(msg)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("node %d: %w", idx, err))
				return
			}
			sent++
		}(idx, addr)
	}
	wg.Wait()

	n.log.Info("announced shutdown", zap.Stringer("instance", n.instance),
		zap.Int("sent", sent), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// StartRebuilding plans a rebuilding of one shard on the owning worker.
func (n *Node) StartRebuilding(key rebuilding.ShardKey) (rebuilding.Status, error) {
	return n.proc.StartRebuilding(key)
}

// connHandler feeds transport events into the node.
type connHandler struct{ n *Node }

func (h connHandler) ConnOpened(c *transport.Conn) {
	if c.Role() != transport.RoleNode {
		return
	}
	node := c.Remote().AsNodeID()
	if !c.Outbound() {
		h.n.peers.Connect(node, c.ID(), c.PeerAddr(), c.Proto())
	}
	h.n.proc.DonorInstance(node.Index, c.Instance())
}

func (h connHandler) HandleFrame(c *transport.Conn, t message.Type, payload []byte) message.Result {
	return h.n.proc.Dispatch(worker.Inbound{
		ConnID:  c.ID(),
		From:    c.Remote(),
		Proto:   c.Proto(),
		Type:    t,
		Payload: payload,
	})
}

func (h connHandler) ConnClosed(c *transport.Conn) {
	if c.Role() != transport.RoleNode {
		return
	}
	node := c.Remote().AsNodeID()
	if !c.Outbound() {
		h.n.peers.Disconnect(node, c.ID())
		return
	}
	h.n.mu.Lock()
	if h.n.out[node.Index] == c {
		delete(h.n.out, node.Index)
	}
	h.n.mu.Unlock()
}
