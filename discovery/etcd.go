// Package discovery publishes this node in etcd and watches for the rest of
// the cluster. Each node owns one leased key, /zephyrlog/nodes/<index>, whose
// value is a JSON Entry.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
)

const Prefix = "/zephyrlog/nodes/"

var ErrBadKey = errors.New("malformed node key")

// Entry is what a node publishes about itself.
type Entry struct {
	Index      message.NodeIndex        `json:"index"`
	Addr       string                   `json:"addr"`
	Generation uint16                   `json:"generation"`
	Instance   message.ServerInstanceID `json:"instance"`
}

func (e Entry) NodeID() message.NodeID {
	return message.NodeID{Index: e.Index, Generation: e.Generation}
}

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

func NodeKey(idx message.NodeIndex) string {
	return Prefix + strconv.Itoa(int(idx))
}

func parseKey(key []byte) (message.NodeIndex, error) {
	s, ok := strings.CutPrefix(string(key), Prefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrBadKey, key, err)
	}
	return message.NodeIndex(n), nil
}

func parseEntry(key, value []byte) (Entry, error) {
	idx, err := parseKey(key)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return Entry{}, fmt.Errorf("node %d: %w", idx, err)
	}
	// The key is authoritative.
	e.Index = idx
	return e, nil
}

// RegisterNode writes e under a lease of ttl seconds and keeps the lease
// alive until the returned cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, e Entry, ttl int64, log *zap.Logger) (clientv3.LeaseID, context.CancelFunc, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return 0, nil, err
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	key := NodeKey(e.Index)
	if _, err := cli.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", key, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		if kaCtx.Err() == nil {
			log.Warn("etcd lease keepalive ended", zap.String("key", key), zap.Int64("lease", int64(lease.ID)))
		}
	}()
	log.Info("registered in etcd", zap.String("key", key), zap.String("addr", e.Addr),
		zap.Int64("lease", int64(lease.ID)), zap.Int64("ttl", ttl))
	return lease.ID, cancel, nil
}

// GetPeers lists every registered node and the revision the listing was
// taken at.
func GetPeers(ctx context.Context, cli *clientv3.Client, log *zap.Logger) (map[message.NodeIndex]Entry, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("list nodes: %w", err)
	}
	peers := make(map[message.NodeIndex]Entry, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		e, err := parseEntry(kv.Key, kv.Value)
		if err != nil {
			log.Warn("skipping node entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		peers[e.Index] = e
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers applies changes after rev to peers and calls fn with the full
// set after each watch response. It returns when ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, peers map[message.NodeIndex]Entry, rev int64,
	log *zap.Logger, fn func(map[message.NodeIndex]Entry)) {
	wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			log.Error("etcd watch failed", zap.Error(err))
			continue
		}
		changed := false
		for _, ev := range resp.Events {
			if applyEvent(peers, ev, log) {
				changed = true
			}
		}
		if changed {
			fn(copyPeers(peers))
		}
	}
}

// applyEvent updates peers with one watch event and reports whether anything
// changed.
func applyEvent(peers map[message.NodeIndex]Entry, ev *clientv3.Event, log *zap.Logger) bool {
	switch ev.Type {
	case mvccpb.PUT:
		e, err := parseEntry(ev.Kv.Key, ev.Kv.Value)
		if err != nil {
			log.Warn("skipping node entry", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
			return false
		}
		if old, ok := peers[e.Index]; ok && old == e {
			return false
		}
		peers[e.Index] = e
		log.Info("node registered", zap.Uint16("node_index", uint16(e.Index)), zap.String("addr", e.Addr))
		return true
	case mvccpb.DELETE:
		idx, err := parseKey(ev.Kv.Key)
		if err != nil {
			return false
		}
		if _, ok := peers[idx]; !ok {
			return false
		}
		delete(peers, idx)
		log.Info("node left", zap.Uint16("node_index", uint16(idx)))
		return true
	}
	return false
}

func copyPeers(in map[message.NodeIndex]Entry) map[message.NodeIndex]Entry {
	out := make(map[message.NodeIndex]Entry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
