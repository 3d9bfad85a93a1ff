package task

import (
	"fmt"
	"strings"
)

// State represents the lifecycle state of a task context
type State int

// Lifecycle states. Unknown is used before the remote has reported anything.
const (
	Unknown State = iota
	Init
	PreOperational
	Stopped
	Running
	RuntimeError
	FatalError
	Exception
)

var stateNames = map[State]string{
	Unknown:        "UNKNOWN",
	Init:           "INIT",
	PreOperational: "PRE_OPERATIONAL",
	Stopped:        "STOPPED",
	Running:        "RUNNING",
	RuntimeError:   "RUNTIME_ERROR",
	FatalError:     "FATAL_ERROR",
	Exception:      "EXCEPTION",
}

// String returns the string representation of the state
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseState converts a state name back to a State
func ParseState(name string) (State, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range stateNames {
		if n == upper {
			return s, nil
		}
	}
	return Unknown, fmt.Errorf("unknown task state %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsError reports whether the state is one of the error states
func (s State) IsError() bool {
	return s == RuntimeError || s == FatalError || s == Exception
}

// NeedsReset reports whether only a reset can leave the state
func (s State) NeedsReset() bool {
	return s == FatalError || s == Exception
}

// IsRunning reports whether the task is executing (possibly in runtime error)
func (s State) IsRunning() bool {
	return s == Running || s == RuntimeError
}
