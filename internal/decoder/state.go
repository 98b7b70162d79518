package decoder

import "fmt"

// State is the lifecycle state of a decoder session.
type State int

const (
	// StateUninitialized accepts input but drains nothing. It is also the
	// state of a released decoder.
	StateUninitialized State = iota
	// StateConfiguring is held while the device is being configured.
	StateConfiguring
	// StateRunning permits the worker to drain the frame queue.
	StateRunning
	// StateError is entered when the device faults.
	StateError
	// StateResetting is held while the faulted device is torn down.
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateResetting:
		return "resetting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
