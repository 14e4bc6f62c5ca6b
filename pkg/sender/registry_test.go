package sender

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(zaptest.NewLogger(t), ttl)
	t.Cleanup(r.Close)
	return r
}

var (
	n1 = message.NodeID{Index: 1, Generation: 1}
	n2 = message.NodeID{Index: 2, Generation: 4}
)

func TestShutdownFlagLatches(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.Connect(n1, 1, "10.0.0.1:4440", protocol.Latest)

	assert.False(t, r.IsPeerShuttingDown(n1.Index))

	r.SetPeerShuttingDown(n1)
	assert.True(t, r.IsPeerShuttingDown(n1.Index))

	r.SetPeerShuttingDown(n1)
	assert.True(t, r.IsPeerShuttingDown(n1.Index))

	p, ok := r.Peer(n1.Index)
	require.True(t, ok)
	assert.True(t, p.ShuttingDown)
	assert.Equal(t, protocol.Latest, p.Proto)
}

func TestReconnectClearsFlag(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.Connect(n1, 1, "a:1", protocol.Latest)
	r.SetPeerShuttingDown(n1)

	restarted := message.NodeID{Index: n1.Index, Generation: n1.Generation + 1}
	r.Connect(restarted, 3, "a:1", protocol.Latest)

	assert.False(t, r.IsPeerShuttingDown(n1.Index))
}

func TestDepartedPeerStaysShuttingDown(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.Connect(n1, 1, "a:1", protocol.Latest)
	r.Connect(n2, 2, "a:2", protocol.MinSupported)
	r.SetPeerShuttingDown(n1)

	r.Disconnect(n1, 1)
	r.Disconnect(n2, 2)

	_, ok := r.Peer(n1.Index)
	assert.False(t, ok)
	assert.True(t, r.IsPeerShuttingDown(n1.Index), "departed peer should still be reported")
	assert.False(t, r.IsPeerShuttingDown(n2.Index))

	r.Connect(n1, 4, "a:1", protocol.Latest)
	assert.False(t, r.IsPeerShuttingDown(n1.Index), "reconnect clears the departed record")
}

func TestDepartedRecordExpires(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	r.Connect(n1, 1, "a:1", protocol.Latest)
	r.SetPeerShuttingDown(n1)
	r.Disconnect(n1, 1)

	assert.Eventually(t, func() bool {
		return !r.IsPeerShuttingDown(n1.Index)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDisconnectIgnoresUnknownConn(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.Connect(n1, 1, "a:1", protocol.Latest)

	r.Disconnect(n1, 99)

	_, ok := r.Peer(n1.Index)
	assert.True(t, ok)
}

func TestStaleDisconnectKeepsLiveConn(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	r.Connect(n1, 1, "10.0.0.4:1111", protocol.Latest)
	r.Connect(n1, 2, "10.0.0.4:2222", protocol.Latest)
	r.SetPeerShuttingDown(n1)

	// the old socket's close arrives after the reconnect
	r.Disconnect(n1, 1)

	p, ok := r.Peer(n1.Index)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.4:2222", p.Addr)
	assert.True(t, p.ShuttingDown)

	// the latch lives as long as the connection, not the departed TTL
	time.Sleep(100 * time.Millisecond)
	assert.True(t, r.IsPeerShuttingDown(n1.Index))

	r.Disconnect(n1, 2)
	_, ok = r.Peer(n1.Index)
	assert.False(t, ok)
	assert.True(t, r.IsPeerShuttingDown(n1.Index))
}

func TestConcurrentLatchAndQuery(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.Connect(n1, 1, "a:1", protocol.Latest)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.IsPeerShuttingDown(n1.Index)
		}()
		go func() {
			defer wg.Done()
			r.SetPeerShuttingDown(n1)
		}()
	}
	wg.Wait()
	assert.True(t, r.IsPeerShuttingDown(n1.Index))
}

func TestSetShuttingDownForUnknownPeer(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.SetPeerShuttingDown(n2)
	assert.True(t, r.IsPeerShuttingDown(n2.Index))
}

func TestSnapshotIsSorted(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.Connect(n2, 2, "a:2", protocol.Latest)
	r.Connect(n1, 1, "a:1", protocol.Latest)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, n1, snap[0].Node)
	assert.Equal(t, n2, snap[1].Node)
}

func TestDescribe(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	r.Connect(n1, 1, "10.0.0.1:4440", protocol.Latest)

	assert.Equal(t, "client C5", r.Describe(message.ClientAddress(5)))
	assert.Equal(t, "node N1:1 at 10.0.0.1:4440 (v2)", r.Describe(message.NodeAddress(n1)))
	assert.Equal(t, "node N2:4 (not connected)", r.Describe(message.NodeAddress(n2)))
}
