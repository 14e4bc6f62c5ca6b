package rebuilding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/ring"
)

type staticPeers map[message.NodeIndex]bool

func (p staticPeers) IsPeerShuttingDown(n message.NodeIndex) bool { return p[n] }

func TestRegistryInsertRemove(t *testing.T) {
	log := zaptest.NewLogger(t)
	r := NewRegistry()

	a := NewLogRebuilding(ShardKey{Log: 2, Shard: 0}, []message.NodeIndex{1}, log)
	b := NewLogRebuilding(ShardKey{Log: 1, Shard: 3}, []message.NodeIndex{1}, log)
	require.NoError(t, r.Insert(a))
	require.NoError(t, r.Insert(b))
	assert.ErrorIs(t, r.Insert(a), ErrAlreadyRunning)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []ShardKey{{Log: 1, Shard: 3}, {Log: 2, Shard: 0}}, r.Keys())

	got, ok := r.Get(a.Key())
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, r.Remove(a.Key()))
	assert.False(t, r.Remove(a.Key()))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryForEachVisitsAll(t *testing.T) {
	log := zaptest.NewLogger(t)
	r := NewRegistry()
	for i := uint64(0); i < 4; i++ {
		require.NoError(t, r.Insert(NewLogRebuilding(ShardKey{Log: i}, []message.NodeIndex{7}, log)))
	}

	visited := 0
	r.ForEach(func(l message.ShutdownListener) {
		l.OnGracefulShutdown(7, 100)
		visited++
	})

	assert.Equal(t, 4, visited)
	for _, k := range r.Keys() {
		sm, _ := r.Get(k)
		assert.Equal(t, StateStalled, sm.(*LogRebuilding).State())
	}
}

func TestLogRebuildingDonorShutdown(t *testing.T) {
	lr := NewLogRebuilding(ShardKey{Log: 5, Shard: 1}, []message.NodeIndex{1, 2}, zaptest.NewLogger(t))

	lr.OnGracefulShutdown(9, 100)
	assert.Equal(t, StateReading, lr.State(), "non-donor must be ignored")

	lr.OnGracefulShutdown(1, 100)
	assert.Equal(t, StateReading, lr.State())
	assert.Equal(t, DonorDraining, lr.Status().Donors[0].State)
	assert.Equal(t, message.ServerInstanceID(100), lr.Status().Donors[0].Instance)

	// idempotent
	lr.OnGracefulShutdown(1, 100)
	assert.Equal(t, StateReading, lr.State())

	lr.OnGracefulShutdown(2, message.ServerInstanceIDInvalid)
	assert.Equal(t, StateStalled, lr.State())
	assert.Equal(t, message.ServerInstanceIDInvalid, lr.Status().Donors[1].Instance)
}

func TestLogRebuildingIgnoresStaleNotice(t *testing.T) {
	lr := NewLogRebuilding(ShardKey{Log: 5}, []message.NodeIndex{1}, zaptest.NewLogger(t))
	lr.OnDonorInstance(1, 200)

	lr.OnGracefulShutdown(1, 150)
	assert.Equal(t, StateReading, lr.State())
	assert.Equal(t, DonorReading, lr.Status().Donors[0].State)

	lr.OnGracefulShutdown(1, 200)
	assert.Equal(t, StateStalled, lr.State())
}

func TestLogRebuildingDonorRestart(t *testing.T) {
	lr := NewLogRebuilding(ShardKey{Log: 5}, []message.NodeIndex{1}, zaptest.NewLogger(t))
	lr.OnGracefulShutdown(1, 200)
	require.Equal(t, StateStalled, lr.State())

	// same instance reconnecting is not a restart
	lr.OnDonorInstance(1, 200)
	assert.Equal(t, StateStalled, lr.State())

	lr.OnDonorInstance(1, 300)
	assert.Equal(t, StateReading, lr.State())
	assert.Equal(t, DonorReading, lr.Status().Donors[0].State)
}

func TestPlannerSkipsSelfAndShuttingDownPeers(t *testing.T) {
	r := ring.New(64, ring.FNV32a)
	for i := message.NodeIndex(1); i <= 5; i++ {
		r.Add(i, "")
	}
	key := ShardKey{Log: 77, Shard: 2}
	holders := r.LookupN(key.Bytes(), 3)
	require.Len(t, holders, 3)

	p := NewPlanner(r, staticPeers{holders[1]: true}, holders[0], 2, zaptest.NewLogger(t))
	donors, err := p.Donors(key)
	require.NoError(t, err)

	assert.Equal(t, []message.NodeIndex{holders[2]}, donors)
}

func TestPlannerNoDonors(t *testing.T) {
	r := ring.New(64, ring.FNV32a)
	r.Add(1, "")

	p := NewPlanner(r, staticPeers{}, 1, 2, zaptest.NewLogger(t))
	_, err := p.Plan(ShardKey{Log: 1})
	assert.ErrorIs(t, err, ErrNoDonors)
}

func TestPlannerPlan(t *testing.T) {
	r := ring.New(64, ring.FNV32a)
	r.Add(1, "")
	r.Add(2, "")
	r.Add(3, "")

	p := NewPlanner(r, staticPeers{}, 1, 2, zaptest.NewLogger(t))
	lr, err := p.Plan(ShardKey{Log: 9})
	require.NoError(t, err)

	st := lr.Status()
	assert.Equal(t, StateReading, st.State)
	assert.Len(t, st.Donors, 2)
	for _, d := range st.Donors {
		assert.NotEqual(t, message.NodeIndex(1), d.Node)
	}
}
