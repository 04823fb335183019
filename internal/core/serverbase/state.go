// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"errors"
	"fmt"
)

const (
	// StateIdle is the state of a Lifecycle that has not been started.
	StateIdle State = iota
	// StateStarting means Begin succeeded and the listener is being set up.
	StateStarting
	// StateServing means the listener accepts connections.
	StateServing
	// StateDraining means shutdown is in progress.
	StateDraining
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal; Cause reports why.
	StateFailed
)

// ErrInvalidState is wrapped by InvalidStateError.
var ErrInvalidState = errors.New("invalid lifecycle state")

type (
	// State is a lifecycle state.
	State int32

	// InvalidStateError reports an out-of-range State value.
	InvalidStateError struct {
		Value State
	}
)

var stateNames = [...]string{
	StateIdle:     "idle",
	StateStarting: "starting",
	StateServing:  "serving",
	StateDraining: "draining",
	StateStopped:  "stopped",
	StateFailed:   "failed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s.Validate() != nil {
		return "unknown"
	}
	return stateNames[s]
}

// Validate reports whether s is a defined state.
func (s State) Validate() error {
	if s < StateIdle || s > StateFailed {
		return &InvalidStateError{Value: s}
	}
	return nil
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid lifecycle state %d", e.Value)
}

// Unwrap returns ErrInvalidState for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
