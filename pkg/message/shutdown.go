package message

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrlog/internal/telemetry"
	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

// ShutdownHeader is the SHUTDOWN wire header.
type ShutdownHeader struct {
	// ServerInstanceID of the announcing process. Absent before
	// protocol.ShutdownInstanceID, where it decodes to
	// ServerInstanceIDInvalid.
	ServerInstanceID ServerInstanceID
}

var shutdownLayout = protocol.NewLayout("SHUTDOWN",
	func() ShutdownHeader {
		return ShutdownHeader{ServerInstanceID: ServerInstanceIDInvalid}
	},
	protocol.Uint64("server_instance_id", protocol.ShutdownInstanceID,
		func(h *ShutdownHeader) *ServerInstanceID { return &h.ServerInstanceID }),
)

// ShutdownExpectedSize is the SHUTDOWN header length at version v.
func ShutdownExpectedSize(v protocol.Version) int {
	return shutdownLayout.ExpectedSize(v)
}

// Shutdown is sent by a node to its peers when it begins a graceful shutdown.
type Shutdown struct {
	header ShutdownHeader
}

func NewShutdown(instance ServerInstanceID) *Shutdown {
	return &Shutdown{header: ShutdownHeader{ServerInstanceID: instance}}
}

func (m *Shutdown) Header() ShutdownHeader { return m.header }

func (m *Shutdown) Type() Type { return TypeShutdown }

func (m *Shutdown) TrafficClass() TrafficClass { return TrafficFailureDetector }

func (m *Shutdown) Serialize(w *protocol.Writer) {
	shutdownLayout.Encode(w, &m.header)
}

func deserializeShutdown(r *protocol.Reader) (Message, error) {
	h, err := shutdownLayout.Decode(r)
	if err != nil {
		return nil, err
	}
	return &Shutdown{header: h}, nil
}

// OnReceived marks the sending node as shutting down and tells every running
// rebuilding on this worker about it. Only node peers may announce a
// shutdown.
func (m *Shutdown) OnReceived(env *Env, from Address) Result {
	log := env.logger()
	log.Debug("received SHUTDOWN", zap.Stringer("from", from),
		zap.Stringer("server_instance_id", m.header.ServerInstanceID))

	if from.IsClientAddress() {
		log.Error("PROTOCOL ERROR: got a SHUTDOWN message from a client address, ignoring",
			zap.String("conn", env.Peers.Describe(from)))
		return Reject(fmt.Errorf("%w: SHUTDOWN from client address %s", ErrProtocol, from))
	}

	node := from.AsNodeID()
	env.Peers.SetPeerShuttingDown(node)

	if env.Rebuildings == nil {
		return Normal()
	}
	notified := 0
	env.Rebuildings.ForEach(func(l ShutdownListener) {
		if notifyShutdown(log, l, node.Index, m.header.ServerInstanceID) {
			notified++
		}
	})
	telemetry.ShutdownFanoutCalls.Add(float64(notified))
	return Normal()
}

// notifyShutdown delivers one notification. A panicking listener is logged
// and skipped so its siblings still hear about the shutdown.
func notifyShutdown(log *zap.Logger, l ShutdownListener, node NodeIndex, instance ServerInstanceID) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("rebuilding shutdown handler panicked",
				zap.Uint16("node_index", uint16(node)), zap.Any("panic", r))
			telemetry.ShutdownListenerPanics.Inc()
			ok = false
		}
	}()
	l.OnGracefulShutdown(node, instance)
	return true
}
