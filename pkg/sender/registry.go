// Package sender tracks the state of connections to peer nodes, including the
// latch a peer sets when it announces a graceful shutdown.
package sender

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

// DefaultDepartedTTL is how long a peer that announced shutdown and then
// disconnected keeps being reported as shutting down.
const DefaultDepartedTTL = 30 * time.Second

// PeerState is a snapshot of one peer node connection.
type PeerState struct {
	Node         message.NodeID   `json:"node"`
	Addr         string           `json:"addr"`
	Proto        protocol.Version `json:"proto"`
	ShuttingDown bool             `json:"shutting_down"`
	ConnectedAt  time.Time        `json:"connected_at"`
}

type peerState struct {
	PeerState
	// conns holds the transport ids of the open connections from this node.
	conns map[uint64]struct{}
}

// Registry holds per-peer connection state. It is shared by every worker
// and by the transport, so all methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[message.NodeIndex]*peerState

	// departed remembers peers that announced shutdown and then dropped
	// their connection.
	departed *ttlcache.Cache

	log *zap.Logger
}

func NewRegistry(log *zap.Logger, departedTTL time.Duration) *Registry {
	if departedTTL <= 0 {
		departedTTL = DefaultDepartedTTL
	}
	c := ttlcache.NewCache()
	c.SetTTL(departedTTL)
	// Lookups must not keep a departed peer alive.
	c.SkipTtlExtensionOnHit(true)
	return &Registry{
		peers:    make(map[message.NodeIndex]*peerState),
		departed: c,
		log:      log,
	}
}

// Close stops the departed-peer cache.
func (r *Registry) Close() {
	r.departed.Close()
}

func departedKey(idx message.NodeIndex) string {
	return strconv.Itoa(int(idx))
}

// Connect records connection connID from node. Any new connection starts with
// a clear shutdown flag.
func (r *Registry) Connect(node message.NodeID, connID uint64, addr string, proto protocol.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := map[uint64]struct{}{}
	if old, ok := r.peers[node.Index]; ok {
		if old.ShuttingDown {
			telemetry.PeersShuttingDown.Dec()
		}
		conns = old.conns
	}
	conns[connID] = struct{}{}
	r.peers[node.Index] = &peerState{
		PeerState: PeerState{
			Node:        node,
			Addr:        addr,
			Proto:       proto,
			ConnectedAt: time.Now(),
		},
		conns: conns,
	}
	r.departed.Remove(departedKey(node.Index))
	r.log.Debug("peer connected", zap.Stringer("node", node), zap.Uint64("conn", connID),
		zap.String("addr", addr), zap.Stringer("proto", proto))
}

// Disconnect forgets connection connID from node. The peer is dropped once
// its last connection closes; if it had announced a shutdown it stays
// reported as shutting down for the departed TTL.
func (r *Registry) Disconnect(node message.NodeID, connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[node.Index]
	if !ok {
		return
	}
	if _, open := p.conns[connID]; open {
		delete(p.conns, connID)
	} else if len(p.conns) > 0 {
		// a connection this registry never saw, or one already closed
		return
	}
	if len(p.conns) > 0 {
		r.log.Debug("peer connection closed", zap.Stringer("node", node), zap.Uint64("conn", connID),
			zap.Int("remaining", len(p.conns)))
		return
	}
	if p.ShuttingDown {
		r.departed.Set(departedKey(node.Index), p.PeerState)
		telemetry.PeersShuttingDown.Dec()
	}
	delete(r.peers, node.Index)
	r.log.Debug("peer disconnected", zap.Stringer("node", node), zap.Bool("shutting_down", p.ShuttingDown))
}

// SetPeerShuttingDown latches the shutdown flag of node's connection. Setting
// it again is a no-op. Only Connect clears it.
func (r *Registry) SetPeerShuttingDown(node message.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[node.Index]
	if !ok {
		// The message arrived on a connection the transport has not
		// reported yet; track it so the latch is not lost.
		p = &peerState{
			PeerState: PeerState{Node: node, ConnectedAt: time.Now()},
			conns:     map[uint64]struct{}{},
		}
		r.peers[node.Index] = p
	}
	if p.ShuttingDown {
		return
	}
	p.ShuttingDown = true
	telemetry.PeersShuttingDown.Inc()
	r.log.Info("peer is shutting down", zap.Stringer("node", node))
}

// IsPeerShuttingDown reports whether the peer at idx announced a shutdown on
// its current connection, or did so shortly before disconnecting.
func (r *Registry) IsPeerShuttingDown(idx message.NodeIndex) bool {
	r.mu.RLock()
	p, ok := r.peers[idx]
	var shuttingDown bool
	if ok {
		shuttingDown = p.ShuttingDown
	}
	r.mu.RUnlock()
	if ok {
		return shuttingDown
	}
	_, departed := r.departed.Get(departedKey(idx))
	return departed
}

// Peer returns the state of the connection to idx.
func (r *Registry) Peer(idx message.NodeIndex) (PeerState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[idx]
	if !ok {
		return PeerState{}, false
	}
	return p.PeerState, true
}

// Snapshot returns every connected peer ordered by node index.
func (r *Registry) Snapshot() []PeerState {
	r.mu.RLock()
	out := make([]PeerState, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.PeerState)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b PeerState) int {
		return int(a.Node.Index) - int(b.Node.Index)
	})
	return out
}

// Describe renders the connection to from for log lines.
func (r *Registry) Describe(from message.Address) string {
	if from.IsClientAddress() {
		return fmt.Sprintf("client %s", from)
	}
	p, ok := r.Peer(from.AsNodeID().Index)
	if !ok {
		return fmt.Sprintf("node %s (not connected)", from)
	}
	return fmt.Sprintf("node %s at %s (%s)", from, p.Addr, p.Proto)
}
