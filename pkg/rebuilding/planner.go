package rebuilding

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/ring"
)

var ErrNoDonors = errors.New("no donor available")

// PeerChecker reports peers known to be going away.
type PeerChecker interface {
	IsPeerShuttingDown(node message.NodeIndex) bool
}

// Planner chooses donors for new rebuildings: the nodes that hold copies of
// the shard according to the ring, minus this node and minus peers already
// shutting down.
type Planner struct {
	ring        *ring.HashRing
	peers       PeerChecker
	self        message.NodeIndex
	replication int
	log         *zap.Logger
}

func NewPlanner(r *ring.HashRing, peers PeerChecker, self message.NodeIndex, replication int, log *zap.Logger) *Planner {
	if replication <= 0 {
		replication = 1
	}
	return &Planner{ring: r, peers: peers, self: self, replication: replication, log: log}
}

// Donors returns the donor set for key.
func (p *Planner) Donors(key ShardKey) ([]message.NodeIndex, error) {
	// One extra in case this node is among the copy holders.
	candidates := p.ring.LookupN(key.Bytes(), p.replication+1)

	donors := make([]message.NodeIndex, 0, len(candidates))
	for _, n := range candidates {
		if n == p.self || p.peers.IsPeerShuttingDown(n) {
			continue
		}
		donors = append(donors, n)
		if len(donors) == p.replication {
			break
		}
	}
	if len(donors) == 0 {
		return nil, fmt.Errorf("%w for %s (%d candidates)", ErrNoDonors, key, len(candidates))
	}
	return donors, nil
}

// Plan builds a rebuilding for key.
func (p *Planner) Plan(key ShardKey) (*LogRebuilding, error) {
	donors, err := p.Donors(key)
	if err != nil {
		return nil, err
	}
	p.log.Info("planned rebuilding", zap.Stringer("shard", key), zap.Any("donors", donors))
	return NewLogRebuilding(key, donors, p.log), nil
}
