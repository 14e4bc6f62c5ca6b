package node

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/rebuilding"
	"github.com/ryandielhenn/zephyrlog/pkg/sender"
)

// Routes returns the admin HTTP surface.
func (n *Node) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.HandleFunc("/rebuildings", func(w http.ResponseWriter, req *http.Request) {
		telemetry.Instrument(rebuildingOp(req.Method), http.HandlerFunc(n.Rebuildings)).ServeHTTP(w, req)
	})
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

func rebuildingOp(m string) string {
	switch m {
	case http.MethodGet:
		return "rebuildings_list"
	case http.MethodPost:
		return "rebuildings_start"
	case http.MethodDelete:
		return "rebuildings_stop"
	default:
		return "other"
	}
}

// healthz returns 200 OK to indicate the Node is alive.
func (s *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ringNode struct {
	Index message.NodeIndex `json:"index"`
	Addr  string            `json:"addr"`
}

type infoResp struct {
	PID         int                      `json:"pid"`
	Now         time.Time                `json:"now"`
	Node        message.NodeID           `json:"node"`
	Instance    message.ServerInstanceID `json:"instance"`
	StartedAt   time.Time                `json:"started_at"`
	Addr        string                   `json:"addr"`
	MinProto    uint16                   `json:"min_proto"`
	MaxProto    uint16                   `json:"max_proto"`
	Ring        []ringNode               `json:"ring"`
	Peers       []sender.PeerState       `json:"peers"`
	Rebuildings []rebuilding.Status      `json:"rebuildings"`
}

// info writes the node identity, connected peers with their shutdown flags
// and running rebuildings.
func (s *Node) Info(w http.ResponseWriter, _ *http.Request) {
	rbs, err := s.proc.Rebuildings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	r := s.cfg.ProtoRange()
	resp := infoResp{
		PID:         os.Getpid(),
		Now:         time.Now(),
		Node:        s.self,
		Instance:    s.instance,
		StartedAt:   s.startedAt,
		Addr:        s.tr.Addr(),
		MinProto:    uint16(r.Min),
		MaxProto:    uint16(r.Max),
		Peers:       s.peers.Snapshot(),
		Rebuildings: rbs,
	}
	for idx, addr := range s.ring.Nodes() {
		resp.Ring = append(resp.Ring, ringNode{Index: idx, Addr: addr})
	}
	sortRing(resp.Ring)
	writeJSON(w, http.StatusOK, resp)
}

// Rebuildings lists (GET), starts (POST) or stops (DELETE) shard rebuildings.
// POST and DELETE take ?log=<id>&shard=<n>.
func (n *Node) Rebuildings(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		rbs, err := n.proc.Rebuildings()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if rbs == nil {
			rbs = []rebuilding.Status{}
		}
		writeJSON(w, http.StatusOK, rbs)

	case http.MethodPost:
		key, err := shardKeyFromQuery(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		st, err := n.StartRebuilding(key)
		switch {
		case errors.Is(err, rebuilding.ErrAlreadyRunning):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, rebuilding.ErrNoDonors):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		n.log.Info("rebuilding started via admin", zap.Stringer("shard", key))
		writeJSON(w, http.StatusCreated, st)

	case http.MethodDelete:
		key, err := shardKeyFromQuery(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ok, err := n.proc.StopRebuilding(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.NotFound(w, req)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func shardKeyFromQuery(req *http.Request) (rebuilding.ShardKey, error) {
	q := req.URL.Query()
	logID, err := strconv.ParseUint(q.Get("log"), 10, 64)
	if err != nil {
		return rebuilding.ShardKey{}, errors.New("invalid log")
	}
	shard, err := strconv.ParseUint(q.Get("shard"), 10, 32)
	if err != nil {
		return rebuilding.ShardKey{}, errors.New("invalid shard")
	}
	return rebuilding.ShardKey{Log: logID, Shard: uint32(shard)}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
