package recorder

import "sync/atomic"

// State is the lifecycle state of a Recorder.
type State int32

// Lifecycle states. Idle moves to Recording on Start; Recording moves to
// Stopping on Stop or a watchdog fire and then to Stopped. Failed is reachable
// from Recording and Stopping. Stopped and Failed are final.
const (
	StateIdle State = iota
	StateRecording
	StateStopping
	StateStopped
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// lifecycle is a lock-free state holder. Every transition is a compare and
// swap from an expected state, so exactly one caller wins each edge.
type lifecycle struct {
	v        atomic.Int32
	onChange func(State)
}

func (l *lifecycle) load() State {
	return State(l.v.Load())
}

// transition never leaves a terminal state.
func (l *lifecycle) transition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if !l.v.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if l.onChange != nil {
		l.onChange(to)
	}
	return true
}

// fail moves any non-terminal state to Failed.
func (l *lifecycle) fail() bool {
	for {
		cur := l.load()
		if cur.Terminal() {
			return false
		}
		if l.transition(cur, StateFailed) {
			return true
		}
	}
}
