package rebuilding

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
)

// State of a log rebuilding.
type State uint8

const (
	// StateReading: at least one donor is serving records.
	StateReading State = iota
	// StateStalled: every donor announced a shutdown; the rebuilding waits for
	// a donor to come back or for a new plan.
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateReading:
		return "READING"
	case StateStalled:
		return "STALLED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DonorState of one node the rebuilding copies records from.
type DonorState uint8

const (
	DonorReading DonorState = iota
	// DonorDraining: the donor announced a graceful shutdown.
	DonorDraining
)

func (s DonorState) String() string {
	if s == DonorDraining {
		return "DRAINING"
	}
	return "READING"
}

func (s DonorState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Donor is a snapshot of one donor.
type Donor struct {
	Node     message.NodeIndex        `json:"node"`
	State    DonorState               `json:"state"`
	Instance message.ServerInstanceID `json:"instance"`
}

// Status is a snapshot of a log rebuilding.
type Status struct {
	Key    ShardKey `json:"key"`
	State  State    `json:"state"`
	Donors []Donor  `json:"donors"`
}

// LogRebuilding restores one shard of one log by reading records from a set
// of donor nodes. This type only models how donors come and go; record
// copying is driven elsewhere.
type LogRebuilding struct {
	key    ShardKey
	donors map[message.NodeIndex]*Donor
	state  State
	log    *zap.Logger
}

func NewLogRebuilding(key ShardKey, donors []message.NodeIndex, log *zap.Logger) *LogRebuilding {
	lr := &LogRebuilding{
		key:    key,
		donors: make(map[message.NodeIndex]*Donor, len(donors)),
		log:    log.With(zap.Stringer("shard", key)),
	}
	for _, d := range donors {
		lr.donors[d] = &Donor{Node: d, Instance: message.ServerInstanceIDInvalid}
	}
	return lr
}

func (lr *LogRebuilding) Key() ShardKey { return lr.key }

func (lr *LogRebuilding) State() State { return lr.state }

// OnDonorInstance records the server instance a donor is running, as learned
// from its handshake. A newer instance means the donor restarted and serves
// again.
func (lr *LogRebuilding) OnDonorInstance(node message.NodeIndex, instance message.ServerInstanceID) {
	d, ok := lr.donors[node]
	if !ok || !instance.Valid() {
		return
	}
	if d.Instance.Valid() && instance <= d.Instance {
		return
	}
	d.Instance = instance
	if d.State == DonorDraining {
		d.State = DonorReading
		lr.log.Info("donor restarted", zap.Uint16("node_index", uint16(node)), zap.Stringer("instance", instance))
	}
	lr.updateState()
}

// OnGracefulShutdown marks node as draining if it is one of our donors.
// Notices from an instance older than the one we know are stale and
// ignored. An invalid instance id (peer too old to send one) is taken at face
// value. Repeated notices are no-ops.
func (lr *LogRebuilding) OnGracefulShutdown(node message.NodeIndex, instance message.ServerInstanceID) {
	d, ok := lr.donors[node]
	if !ok {
		lr.log.Debug("shutdown of non-donor ignored", zap.Uint16("node_index", uint16(node)))
		return
	}
	if instance.Valid() && d.Instance.Valid() && instance < d.Instance {
		lr.log.Debug("stale shutdown notice ignored",
			zap.Uint16("node_index", uint16(node)),
			zap.Stringer("instance", instance), zap.Stringer("known", d.Instance))
		return
	}
	if instance.Valid() {
		d.Instance = instance
	}
	if d.State == DonorDraining {
		return
	}
	d.State = DonorDraining
	lr.log.Info("donor is shutting down", zap.Uint16("node_index", uint16(node)), zap.Stringer("instance", instance))
	lr.updateState()
}

func (lr *LogRebuilding) updateState() {
	next := StateStalled
	for _, d := range lr.donors {
		if d.State == DonorReading {
			next = StateReading
			break
		}
	}
	if next == lr.state {
		return
	}
	if next == StateStalled {
		lr.log.Warn("every donor is shutting down, rebuilding stalled")
	} else {
		lr.log.Info("rebuilding resumed")
	}
	lr.state = next
}

func (lr *LogRebuilding) Status() Status {
	st := Status{Key: lr.key, State: lr.state, Donors: make([]Donor, 0, len(lr.donors))}
	for _, d := range lr.donors {
		st.Donors = append(st.Donors, *d)
	}
	slices.SortFunc(st.Donors, func(a, b Donor) int { return int(a.Node) - int(b.Node) })
	return st
}
