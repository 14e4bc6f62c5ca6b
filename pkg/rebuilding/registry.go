// Package rebuilding holds the per-shard recovery state machines a worker
// runs and the registry the worker keeps them in.
package rebuilding

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
)

var ErrAlreadyRunning = errors.New("rebuilding already running")

// ShardKey identifies the log and shard a rebuilding restores.
type ShardKey struct {
	Log   uint64 `json:"log"`
	Shard uint32 `json:"shard"`
}

func (k ShardKey) String() string {
	return fmt.Sprintf("log:%d/%d", k.Log, k.Shard)
}

// Bytes is the key used to place the shard on the hash ring.
func (k ShardKey) Bytes() []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], k.Log)
	binary.BigEndian.PutUint32(b[8:], k.Shard)
	return b[:]
}

func compareKeys(a, b ShardKey) int {
	switch {
	case a.Log < b.Log:
		return -1
	case a.Log > b.Log:
		return 1
	case a.Shard < b.Shard:
		return -1
	case a.Shard > b.Shard:
		return 1
	}
	return 0
}

// StateMachine is one running rebuilding.
type StateMachine interface {
	message.ShutdownListener
	Key() ShardKey
}

// Registry maps shard keys to running state machines. It belongs to a single
// worker goroutine and is not safe for concurrent use.
type Registry struct {
	machines map[ShardKey]StateMachine
}

func NewRegistry() *Registry {
	return &Registry{machines: make(map[ShardKey]StateMachine)}
}

func (r *Registry) Insert(sm StateMachine) error {
	k := sm.Key()
	if _, ok := r.machines[k]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, k)
	}
	r.machines[k] = sm
	return nil
}

// Remove drops the state machine for k, reporting whether one was running.
func (r *Registry) Remove(k ShardKey) bool {
	if _, ok := r.machines[k]; !ok {
		return false
	}
	delete(r.machines, k)
	return true
}

func (r *Registry) Get(k ShardKey) (StateMachine, bool) {
	sm, ok := r.machines[k]
	return sm, ok
}

func (r *Registry) Len() int { return len(r.machines) }

// Keys returns the running shard keys in order.
func (r *Registry) Keys() []ShardKey {
	keys := make([]ShardKey, 0, len(r.machines))
	for k := range r.machines {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// ForEach calls fn for every running state machine, in no particular order.
func (r *Registry) ForEach(fn func(message.ShutdownListener)) {
	for _, sm := range r.machines {
		fn(sm)
	}
}
