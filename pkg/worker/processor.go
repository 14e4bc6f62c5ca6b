package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/rebuilding"
	"github.com/ryandielhenn/zephyrlog/pkg/ring"
	"github.com/ryandielhenn/zephyrlog/pkg/sender"
)

// Processor owns the workers. Connections are pinned to a worker by id and
// rebuildings by shard key.
type Processor struct {
	workers []*Worker
	log     *zap.Logger
}

func NewProcessor(n int, peers *sender.Registry, planner *rebuilding.Planner, log *zap.Logger) *Processor {
	if n <= 0 {
		n = 1
	}
	log = log.Named("worker")
	p := &Processor{workers: make([]*Worker, n), log: log}
	for i := range p.workers {
		p.workers[i] = newWorker(i, peers, planner, log)
	}
	return p
}

func (p *Processor) Start() {
	for _, w := range p.workers {
		w.start()
	}
	p.log.Info("workers started", zap.Int("count", len(p.workers)))
}

func (p *Processor) Stop() {
	for _, w := range p.workers {
		w.stop()
	}
}

func (p *Processor) NumWorkers() int { return len(p.workers) }

func (p *Processor) workerForConn(connID uint64) *Worker {
	return p.workers[connID%uint64(len(p.workers))]
}

func (p *Processor) workerForShard(key rebuilding.ShardKey) *Worker {
	return p.workers[ring.FNV32a(key.Bytes())%uint32(len(p.workers))]
}

// Dispatch runs an inbound frame on the connection's worker and waits for
// the result. An accepted broadcast message (SHUTDOWN) is then handed to
// every other worker so rebuildings they own hear about it too.
func (p *Processor) Dispatch(in Inbound) message.Result {
	start := time.Now()
	owner := p.workerForConn(in.ConnID)

	var (
		msg message.Message
		res message.Result
	)
	if err := owner.do(func() { msg, res = owner.handle(in) }); err != nil {
		return message.Reject(err)
	}

	if res.OK() && message.IsBroadcast(in.Type) {
		for _, w := range p.workers {
			if w == owner {
				continue
			}
			var wres message.Result
			if err := w.do(func() { wres = w.deliver(msg, in.From) }); err != nil {
				p.log.Warn("broadcast skipped stopped worker", zap.Int("worker", w.id), zap.Stringer("type", in.Type))
				continue
			}
			if !wres.OK() {
				p.log.Error("broadcast rejected by worker", zap.Int("worker", w.id),
					zap.Stringer("type", in.Type), zap.Error(wres.Err))
			}
		}
	}

	telemetry.MessagesReceived.WithLabelValues(in.Type.String(), res.Disposition.String()).Inc()
	telemetry.DispatchDuration.WithLabelValues(in.Type.String()).Observe(time.Since(start).Seconds())
	return res
}

// StartRebuilding plans and registers a rebuilding on the worker owning key.
func (p *Processor) StartRebuilding(key rebuilding.ShardKey) (rebuilding.Status, error) {
	w := p.workerForShard(key)
	var (
		st  rebuilding.Status
		err error
	)
	if derr := w.do(func() { st, err = w.startRebuilding(key) }); derr != nil {
		return rebuilding.Status{}, derr
	}
	return st, err
}

// StopRebuilding removes the rebuilding for key, reporting whether it ran.
func (p *Processor) StopRebuilding(key rebuilding.ShardKey) (bool, error) {
	w := p.workerForShard(key)
	var ok bool
	err := w.do(func() { ok = w.stopRebuilding(key) })
	return ok, err
}

// Rebuildings returns a snapshot of every running rebuilding on every worker.
func (p *Processor) Rebuildings() ([]rebuilding.Status, error) {
	var out []rebuilding.Status
	for _, w := range p.workers {
		var st []rebuilding.Status
		if err := w.do(func() { st = w.statuses() }); err != nil {
			return nil, err
		}
		out = append(out, st...)
	}
	return out, nil
}

// DonorInstance tells every rebuilding which server instance a node is
// running, as learned from a handshake.
func (p *Processor) DonorInstance(node message.NodeIndex, instance message.ServerInstanceID) {
	for _, w := range p.workers {
		if err := w.do(func() { w.donorInstance(node, instance) }); err != nil {
			return
		}
	}
}
