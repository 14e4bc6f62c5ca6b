package discovery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
)

func putEvent(t *testing.T, key string, e Entry) *clientv3.Event {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: b}}
}

func deleteEvent(key string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestNodeKeyRoundTrip(t *testing.T) {
	assert.Equal(t, "/zephyrlog/nodes/12", NodeKey(12))
	idx, err := parseKey([]byte(NodeKey(12)))
	require.NoError(t, err)
	assert.Equal(t, message.NodeIndex(12), idx)
}

func TestParseKeyErrors(t *testing.T) {
	for _, k := range []string{"/zephyr/nodes/1", "/zephyrlog/nodes/", "/zephyrlog/nodes/abc", "/zephyrlog/nodes/70000"} {
		_, err := parseKey([]byte(k))
		assert.ErrorIs(t, err, ErrBadKey, k)
	}
}

func TestParseEntryKeyWins(t *testing.T) {
	e, err := parseEntry([]byte(NodeKey(3)), []byte(`{"index":9,"addr":"n3:4440","generation":2,"instance":1700}`))
	require.NoError(t, err)
	assert.Equal(t, Entry{Index: 3, Addr: "n3:4440", Generation: 2, Instance: 1700}, e)
	assert.Equal(t, message.NodeID{Index: 3, Generation: 2}, e.NodeID())

	_, err = parseEntry([]byte(NodeKey(3)), []byte(`not json`))
	assert.Error(t, err)
}

func TestApplyEvent(t *testing.T) {
	log := zaptest.NewLogger(t)
	peers := map[message.NodeIndex]Entry{}

	e1 := Entry{Index: 1, Addr: "n1:4440", Generation: 1, Instance: 10}
	assert.True(t, applyEvent(peers, putEvent(t, NodeKey(1), e1), log))
	assert.Equal(t, e1, peers[1])

	// identical put is not a change
	assert.False(t, applyEvent(peers, putEvent(t, NodeKey(1), e1), log))

	e1b := e1
	e1b.Instance = 20
	assert.True(t, applyEvent(peers, putEvent(t, NodeKey(1), e1b), log))
	assert.Equal(t, message.ServerInstanceID(20), peers[1].Instance)

	assert.False(t, applyEvent(peers, putEvent(t, "/elsewhere/1", e1), log))
	assert.False(t, applyEvent(peers, deleteEvent(NodeKey(2)), log))

	assert.True(t, applyEvent(peers, deleteEvent(NodeKey(1)), log))
	assert.Empty(t, peers)
}

func TestCopyPeersIsIndependent(t *testing.T) {
	in := map[message.NodeIndex]Entry{1: {Index: 1}}
	out := copyPeers(in)
	delete(in, 1)
	assert.Len(t, out, 1)
}
