// Package fault injects synthetic failures into operations to exercise retry and
// recovery paths. It is a test and chaos harness: production code paths only reach it
// through explicitly enabled admin routes.
package fault

import (
	"fmt"
	"strings"
	"time"

	"idemcore/internal/shared"
)

// Type is the kind of fault an injection produces.
type Type string

const (
	// Network makes wrapped operations fail with a temporary network error
	Network Type = "network"
	// Latency delays wrapped operations by the injection duration
	Latency Type = "latency"
	// Error makes wrapped operations fail with ErrInjected
	Error Type = "error"
	// Partition makes wrapped operations fail with ErrPartitioned
	Partition Type = "partition"
)

// ParseType parses a fault type name, case-insensitively.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Network, Latency, Error, Partition:
		return t, nil
	default:
		return "", shared.Validationf("fault: unknown type %q", s)
	}
}

// State is the lifecycle position of an injection.
type State int

const (
	// Injecting is the fault window right after Inject
	Injecting State = iota
	// Active is the steady state once the fault window has elapsed
	Active
	// Recovered means normal behavior was restored
	Recovered
)

func (s State) String() string {
	switch s {
	case Injecting:
		return "injecting"
	case Active:
		return "active"
	case Recovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Injecting, Active, Recovered} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return shared.Validationf("fault: unknown state %q", text)
}

// Injection is a snapshot of an injected fault.
type Injection struct {
	ID          string        `json:"id"`
	Type        Type          `json:"type"`
	Target      string        `json:"target"`
	Duration    time.Duration `json:"duration"`
	State       State         `json:"state"`
	InjectedAt  time.Time     `json:"injected_at"`
	RecoveredAt time.Time     `json:"recovered_at,omitzero"`
	Hits        int64         `json:"hits"`
}

// Errors produced by injected faults. All of them have kind shared.KindFaultInjected.
var (
	// ErrInjected is returned by operations under an Error fault
	ErrInjected = fmt.Errorf("%w: injected error", shared.ErrFaultInjected)

	// ErrPartitioned is returned by operations under a Partition fault
	ErrPartitioned = fmt.Errorf("%w: network partition", shared.ErrFaultInjected)
)

// NetworkError is returned by operations under a Network fault. It implements net.Error
// and reports itself as temporary.
type NetworkError struct {
	Target string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fault: connection reset by peer (target %s)", e.Target)
}

// Timeout implements net.Error.
func (e *NetworkError) Timeout() bool { return false }

// Temporary implements net.Error.
func (e *NetworkError) Temporary() bool { return true }

func (e *NetworkError) Unwrap() error { return shared.ErrFaultInjected }
