package message

import (
	"errors"
	"fmt"
)

// Type is the on-wire message discriminant.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeShutdown

	typeCount
)

func (t Type) String() string {
	if d, ok := descriptors[t]; ok {
		return d.name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// TrafficClass is the scheduling class a message is sent under. The core only
// carries it through.
type TrafficClass uint8

const (
	TrafficHandshake TrafficClass = iota
	TrafficFailureDetector
	TrafficReadTail
	TrafficReadBacklog
	TrafficRebuild
	TrafficRecovery
)

var trafficClassNames = [...]string{
	TrafficHandshake:       "HANDSHAKE",
	TrafficFailureDetector: "FAILURE_DETECTOR",
	TrafficReadTail:        "READ_TAIL",
	TrafficReadBacklog:     "READ_BACKLOG",
	TrafficRebuild:         "REBUILD",
	TrafficRecovery:        "RECOVERY",
}

func (c TrafficClass) String() string {
	if int(c) < len(trafficClassNames) {
		return trafficClassNames[c]
	}
	return fmt.Sprintf("TrafficClass(%d)", uint8(c))
}

// Disposition tells the connection layer what to do after a message was
// handled.
type Disposition uint8

const (
	// DispositionNormal: accepted and fully processed.
	DispositionNormal Disposition = iota
	// DispositionError: rejected; Result.Err says why. The connection layer
	// may close or penalize the connection.
	DispositionError
)

func (d Disposition) String() string {
	switch d {
	case DispositionNormal:
		return "NORMAL"
	case DispositionError:
		return "ERROR"
	default:
		return fmt.Sprintf("Disposition(%d)", uint8(d))
	}
}

// ErrProtocol marks malformed input or a conformance violation by the peer.
// It is never retried.
var ErrProtocol = errors.New("protocol error")

// Result is the outcome of handling a message: the disposition and, for
// DispositionError, the error that caused it.
type Result struct {
	Disposition Disposition
	Err         error
}

func Normal() Result {
	return Result{Disposition: DispositionNormal}
}

func Reject(err error) Result {
	return Result{Disposition: DispositionError, Err: err}
}

func (r Result) OK() bool { return r.Disposition == DispositionNormal }
