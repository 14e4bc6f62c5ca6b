// Package ring places shards on cluster nodes with a consistent hash ring.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32                     // sorted
	owners   map[uint32]message.NodeIndex // point -> node
	nodes    map[message.NodeIndex]string // node -> addr (metadata)
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]message.NodeIndex),
		nodes:    make(map[message.NodeIndex]string),
	}
}

// Add places node on the ring. Adding a node twice only refreshes its
// address.
func (r *HashRing) Add(node message.NodeIndex, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; ok {
		r.nodes[node] = addr
		return
	}
	r.nodes[node] = addr
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(node, i))
		r.owners[pt] = node
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
}

func (r *HashRing) Remove(node message.NodeIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)
	r.rebuild()
}

// Clear drops every node.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.nodes)
	r.rebuild()
}

// rebuild recomputes points and owners from nodes. Callers hold mu.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.nodes {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

// Lookup returns the node owning key.
func (r *HashRing) Lookup(key []byte) (message.NodeIndex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return 0, false
	}
	return r.owners[r.points[r.search(key)]], true
}

// LookupN returns up to n distinct nodes for key, walking the ring clockwise
// from the owner.
func (r *HashRing) LookupN(key []byte, n int) []message.NodeIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[message.NodeIndex]struct{}, n)
	out := make([]message.NodeIndex, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// search returns the index of the first point >= hash(key), wrapping.
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Addr(node message.NodeIndex) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[node]
	return a, ok
}

// Nodes returns every node on the ring with its address.
func (r *HashRing) Nodes() map[message.NodeIndex]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[message.NodeIndex]string, len(r.nodes))
	for id, addr := range r.nodes {
		out[id] = addr
	}
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(node message.NodeIndex, i int) []byte {
	var buf [6]byte
	binary.LittleEndian.PutUint16(buf[:2], uint16(node))
	binary.LittleEndian.PutUint32(buf[2:], uint32(i))
	return buf[:]
}
