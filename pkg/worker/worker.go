// Package worker runs inbound control messages on worker goroutines. Each
// worker owns a registry of running rebuildings; a connection is always
// served by the same worker, so messages on one connection are handled one at
// a time and in arrival order.
package worker

import (
	"errors"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/message"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
	"github.com/ryandielhenn/zephyrlog/pkg/rebuilding"
	"github.com/ryandielhenn/zephyrlog/pkg/sender"
)

var ErrStopped = errors.New("worker stopped")

// taskBuffer is the capacity of a worker's task queue.
const taskBuffer = 1024

// Inbound is one frame read off a connection.
type Inbound struct {
	ConnID  uint64
	From    message.Address
	Proto   protocol.Version
	Type    message.Type
	Payload []byte
}

// statusReporter and donorTracker are implemented by rebuilding.LogRebuilding.
type statusReporter interface {
	Status() rebuilding.Status
}

type donorTracker interface {
	OnDonorInstance(node message.NodeIndex, instance message.ServerInstanceID)
}

type Worker struct {
	id          int
	label       string
	rebuildings *rebuilding.Registry
	planner     *rebuilding.Planner
	env         *message.Env
	log         *zap.Logger

	tasks    chan func()
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newWorker(id int, peers *sender.Registry, planner *rebuilding.Planner, log *zap.Logger) *Worker {
	label := strconv.Itoa(id)
	log = log.With(zap.Int("worker", id))
	reg := rebuilding.NewRegistry()
	return &Worker{
		id:          id,
		label:       label,
		rebuildings: reg,
		planner:     planner,
		env:         &message.Env{Peers: peers, Rebuildings: reg, Logger: log},
		log:         log,
		tasks:       make(chan func(), taskBuffer),
		done:        make(chan struct{}),
	}
}

func (w *Worker) start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case fn := <-w.tasks:
			fn()
		case <-w.done:
			return
		}
	}
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// do runs fn on the worker goroutine and waits for it to return.
func (w *Worker) do(fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case w.tasks <- task:
	case <-w.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-w.done:
		// The loop may have exited with the task still queued.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// handle decodes in at its connection's version and runs OnReceived. Runs on
// the worker goroutine.
func (w *Worker) handle(in Inbound) (message.Message, message.Result) {
	msg, err := message.Deserialize(in.Type, protocol.NewReader(in.Payload, in.Proto))
	if err != nil {
		w.log.Error("dropping undecodable message",
			zap.Stringer("type", in.Type), zap.Stringer("from", in.From),
			zap.Stringer("proto", in.Proto), zap.Int("bytes", len(in.Payload)), zap.Error(err))
		telemetry.ProtocolErrors.WithLabelValues("decode").Inc()
		return nil, message.Reject(err)
	}
	res := msg.OnReceived(w.env, in.From)
	if !res.OK() {
		telemetry.ProtocolErrors.WithLabelValues("rejected").Inc()
	}
	return msg, res
}

// deliver hands an already accepted message to this worker's state.
func (w *Worker) deliver(msg message.Message, from message.Address) message.Result {
	return msg.OnReceived(w.env, from)
}

func (w *Worker) startRebuilding(key rebuilding.ShardKey) (rebuilding.Status, error) {
	lr, err := w.planner.Plan(key)
	if err != nil {
		return rebuilding.Status{}, err
	}
	if err := w.rebuildings.Insert(lr); err != nil {
		return rebuilding.Status{}, err
	}
	telemetry.RebuildingsActive.WithLabelValues(w.label).Set(float64(w.rebuildings.Len()))
	return lr.Status(), nil
}

func (w *Worker) stopRebuilding(key rebuilding.ShardKey) bool {
	ok := w.rebuildings.Remove(key)
	telemetry.RebuildingsActive.WithLabelValues(w.label).Set(float64(w.rebuildings.Len()))
	return ok
}

func (w *Worker) statuses() []rebuilding.Status {
	var out []rebuilding.Status
	for _, k := range w.rebuildings.Keys() {
		sm, _ := w.rebuildings.Get(k)
		if sr, ok := sm.(statusReporter); ok {
			out = append(out, sr.Status())
		}
	}
	return out
}

func (w *Worker) donorInstance(node message.NodeIndex, instance message.ServerInstanceID) {
	for _, k := range w.rebuildings.Keys() {
		sm, _ := w.rebuildings.Get(k)
		if dt, ok := sm.(donorTracker); ok {
			dt.OnDonorInstance(node, instance)
		}
	}
}
