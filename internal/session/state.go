package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/brewhaven/pkg/credential"
)

var (
	// ErrAlreadyActive is returned by [Controller.Start] while an attempt is
	// connecting or a session is connected. The state is left unchanged.
	ErrAlreadyActive = errors.New("session: a session is already active")

	// ErrTransport marks failures of the real-time transport, both while
	// connecting and mid-session.
	ErrTransport = errors.New("session: transport error")

	// ErrTimeout is the failure of a connect attempt that did not resolve
	// within the connect timeout. It is a transport error:
	// errors.Is(ErrTimeout, ErrTransport) holds.
	ErrTimeout = fmt.Errorf("session: connect timed out: %w", ErrTransport)

	// ErrStopped is returned by [Controller.Start] when the attempt was
	// cancelled by [Controller.Stop] or superseded before it resolved.
	ErrStopped = errors.New("session: attempt stopped")
)

// Phase is the coarse lifecycle position of a [Controller].
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Active reports whether the phase holds or is acquiring a transport session.
func (p Phase) Active() bool {
	return p == PhaseConnecting || p == PhaseConnected
}

// Reason explains a [PhaseFailed] state.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNetwork
	ReasonServer
	ReasonParse
	ReasonTransport
	ReasonTimeout
)

// String returns the lowercase reason name, or "" for ReasonNone.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonNetwork:
		return "network"
	case ReasonServer:
		return "server"
	case ReasonParse:
		return "parse"
	case ReasonTransport:
		return "transport"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// reasonFor maps a credential failure kind to a failure reason.
func reasonFor(kind credential.Kind) Reason {
	switch kind {
	case credential.KindNetwork:
		return ReasonNetwork
	case credential.KindServer:
		return ReasonServer
	case credential.KindParse:
		return ReasonParse
	default:
		return ReasonTransport
	}
}

// State is a snapshot of the controller's state machine. Exactly one State is
// current at any time.
type State struct {
	Phase Phase

	// Reason is set only when Phase is PhaseFailed.
	Reason Reason

	// Err is the error that moved the controller into PhaseFailed.
	Err error

	// SessionID identifies the attempt that produced this state. It is empty
	// while idle.
	SessionID string

	// Identity is the validated identity of the attempt.
	Identity string

	// Since is when the controller entered this state.
	Since time.Time
}

// String returns a compact form such as "failed(server)".
func (s State) String() string {
	if s.Phase == PhaseFailed {
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	}
	return s.Phase.String()
}
