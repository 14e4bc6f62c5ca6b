package message

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

type fakePeers struct {
	shuttingDown map[NodeID]bool
	sets         int
}

func newFakePeers() *fakePeers {
	return &fakePeers{shuttingDown: make(map[NodeID]bool)}
}

func (p *fakePeers) SetPeerShuttingDown(node NodeID) {
	p.sets++
	p.shuttingDown[node] = true
}

func (p *fakePeers) Describe(from Address) string { return "fake:" + from.String() }

type call struct {
	node     NodeIndex
	instance ServerInstanceID
}

type recorder struct {
	calls []call
	panic bool
}

func (r *recorder) OnGracefulShutdown(node NodeIndex, instance ServerInstanceID) {
	r.calls = append(r.calls, call{node, instance})
	if r.panic {
		panic("handler exploded")
	}
}

type listenerSet []ShutdownListener

func (s listenerSet) ForEach(fn func(ShutdownListener)) {
	for _, l := range s {
		fn(l)
	}
}

func recorders(n int) ([]*recorder, listenerSet) {
	recs := make([]*recorder, n)
	set := make(listenerSet, n)
	for i := range recs {
		recs[i] = &recorder{}
		set[i] = recs[i]
	}
	return recs, set
}

var peerNode = NodeID{Index: 3, Generation: 1}

func TestShutdownWireSize(t *testing.T) {
	assert.Equal(t, 0, ShutdownExpectedSize(protocol.MinSupported))
	assert.Equal(t, 8, ShutdownExpectedSize(protocol.ShutdownInstanceID))
	assert.LessOrEqual(t, ShutdownExpectedSize(protocol.MinSupported), ShutdownExpectedSize(protocol.Latest))
}

func TestShutdownRoundTrip(t *testing.T) {
	msg := NewShutdown(1234)

	t.Run("current version keeps instance id", func(t *testing.T) {
		b := Encode(msg, protocol.ShutdownInstanceID)
		require.Len(t, b, 8)

		got, err := Deserialize(TypeShutdown, protocol.NewReader(b, protocol.ShutdownInstanceID))
		require.NoError(t, err)
		assert.Equal(t, ServerInstanceID(1234), got.(*Shutdown).Header().ServerInstanceID)
	})

	t.Run("old version reads back the sentinel", func(t *testing.T) {
		b := Encode(msg, protocol.MinSupported)
		require.Empty(t, b)

		got, err := Deserialize(TypeShutdown, protocol.NewReader(b, protocol.MinSupported))
		require.NoError(t, err)
		id := got.(*Shutdown).Header().ServerInstanceID
		assert.Equal(t, ServerInstanceIDInvalid, id)
		assert.NotZero(t, uint64(id))
		assert.False(t, id.Valid())
	})
}

func TestShutdownDeserializeShortRead(t *testing.T) {
	b := Encode(NewShutdown(99), protocol.ShutdownInstanceID)

	msg, err := Deserialize(TypeShutdown, protocol.NewReader(b[:5], protocol.ShutdownInstanceID))
	require.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, protocol.ErrShortRead)
	assert.Nil(t, msg)
}

func TestShutdownDeserializeTrailingBytes(t *testing.T) {
	b := Encode(NewShutdown(99), protocol.ShutdownInstanceID)

	_, err := Deserialize(TypeShutdown, protocol.NewReader(b, protocol.MinSupported))
	require.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, protocol.ErrTrailingBytes)
}

func TestShutdownFromClientIsRejected(t *testing.T) {
	peers := newFakePeers()
	recs, set := recorders(2)
	env := &Env{Peers: peers, Rebuildings: set, Logger: zaptest.NewLogger(t)}

	res := NewShutdown(7).OnReceived(env, ClientAddress(12))

	assert.Equal(t, DispositionError, res.Disposition)
	assert.ErrorIs(t, res.Err, ErrProtocol)
	assert.Zero(t, peers.sets, "flag must not be touched")
	for _, r := range recs {
		assert.Empty(t, r.calls)
	}
}

func TestShutdownFromClientLeavesLatchedFlag(t *testing.T) {
	peers := newFakePeers()
	peers.shuttingDown[peerNode] = true
	env := &Env{Peers: peers, Logger: zaptest.NewLogger(t)}

	res := NewShutdown(7).OnReceived(env, ClientAddress(1))

	assert.False(t, res.OK())
	assert.True(t, peers.shuttingDown[peerNode])
	assert.Zero(t, peers.sets)
}

func TestShutdownLatchIsIdempotent(t *testing.T) {
	peers := newFakePeers()
	env := &Env{Peers: peers, Logger: zaptest.NewLogger(t)}
	from := NodeAddress(peerNode)

	first := NewShutdown(5).OnReceived(env, from)
	require.Equal(t, DispositionNormal, first.Disposition)
	assert.True(t, peers.shuttingDown[peerNode])

	second := NewShutdown(5).OnReceived(env, from)
	require.Equal(t, DispositionNormal, second.Disposition)
	assert.True(t, peers.shuttingDown[peerNode])
	assert.NoError(t, second.Err)
}

func TestShutdownFansOutToEveryRebuilding(t *testing.T) {
	const n = 5
	recs, set := recorders(n)
	env := &Env{Peers: newFakePeers(), Rebuildings: set, Logger: zaptest.NewLogger(t)}

	res := NewShutdown(777).OnReceived(env, NodeAddress(peerNode))
	require.True(t, res.OK())

	total := 0
	for _, r := range recs {
		require.Len(t, r.calls, 1)
		assert.Equal(t, call{node: peerNode.Index, instance: 777}, r.calls[0])
		total += len(r.calls)
	}
	assert.Equal(t, n, total)
}

func TestShutdownSurvivesPanickingListener(t *testing.T) {
	recs, set := recorders(3)
	recs[1].panic = true
	env := &Env{Peers: newFakePeers(), Rebuildings: set, Logger: zaptest.NewLogger(t)}

	res := NewShutdown(1).OnReceived(env, NodeAddress(peerNode))

	assert.True(t, res.OK())
	for _, r := range recs {
		assert.Len(t, r.calls, 1)
	}
}

// A pre-threshold peer sends the minimal SHUTDOWN; every rebuilding hears
// about it with the invalid instance id.
func TestShutdownFromOldPeerScenario(t *testing.T) {
	proto := protocol.MinSupported
	peers := newFakePeers()
	recs, set := recorders(3)
	env := &Env{Peers: peers, Rebuildings: set, Logger: zaptest.NewLogger(t)}

	var stream bytes.Buffer
	stream.Write(AppendFrame(nil, NewShutdown(424242), proto))

	typ, payload, err := protocol.ReadFrame(&stream, nil)
	require.NoError(t, err)
	require.Equal(t, byte(TypeShutdown), typ)
	require.Len(t, payload, ShutdownExpectedSize(proto))

	msg, err := Deserialize(Type(typ), protocol.NewReader(payload, proto))
	require.NoError(t, err)
	assert.Equal(t, ServerInstanceIDInvalid, msg.(*Shutdown).Header().ServerInstanceID)

	res := msg.OnReceived(env, NodeAddress(peerNode))

	assert.Equal(t, DispositionNormal, res.Disposition)
	assert.True(t, peers.shuttingDown[peerNode])
	for _, r := range recs {
		require.Len(t, r.calls, 1)
		assert.Equal(t, call{node: peerNode.Index, instance: ServerInstanceIDInvalid}, r.calls[0])
	}
}
