// SPDX-License-Identifier: MPL-2.0

// Package binding associates goroutines with Scopes.
//
// A binding is set once per goroutine: binding a goroutine that is already
// bound to a different Scope fails instead of overwriting. Goroutines started
// through Table.Go (or functions wrapped by Table.Inherit) take the caller's
// binding at creation time without any explicit call.
package binding

import (
	"errors"
	"fmt"
	"sync"

	"github.com/invowk/appscope/internal/scope"
)

// ErrBindingConflict is the sentinel error wrapped by BindingConflictError.
var ErrBindingConflict = errors.New("goroutine already bound to a different scope")

var global = NewTable()

type (
	// Table maps goroutine identities to Scopes. Lookups are lock-free;
	// Bind is an atomic check-then-act under the table's own lock.
	Table struct {
		mu       sync.Mutex
		bindings sync.Map // uint64 -> *scope.Scope
	}

	// BindingConflictError is returned when a goroutine bound to one Scope is
	// asked to bind to another.
	BindingConflictError struct {
		Goroutine uint64
		Current   *scope.Scope
		Requested *scope.Scope
	}
)

// Error implements the error interface.
func (e *BindingConflictError) Error() string {
	return fmt.Sprintf("cannot bind goroutine %d to %s: already bound to %s",
		e.Goroutine, e.Requested, e.Current)
}

// Unwrap returns ErrBindingConflict for errors.Is() compatibility.
func (e *BindingConflictError) Unwrap() error { return ErrBindingConflict }

// NewTable creates an empty binding table.
func NewTable() *Table {
	return &Table{}
}

// Global returns the process-wide binding table.
func Global() *Table {
	return global
}

// Bind associates goroutine gid with s. Binding to the scope it is already
// bound to is a no-op.
func (t *Table) Bind(gid uint64, s *scope.Scope) error {
	if s == nil {
		return errors.New("cannot bind to a nil scope")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.bindings.Load(gid); ok {
		cur := v.(*scope.Scope)
		if cur == s {
			return nil
		}
		return &BindingConflictError{Goroutine: gid, Current: cur, Requested: s}
	}
	t.bindings.Store(gid, s)
	return nil
}

// Unbind removes any binding for gid.
func (t *Table) Unbind(gid uint64) {
	t.mu.Lock()
	t.bindings.Delete(gid)
	t.mu.Unlock()
}

// Lookup returns the scope bound to gid.
func (t *Table) Lookup(gid uint64) (*scope.Scope, bool) {
	v, ok := t.bindings.Load(gid)
	if !ok {
		return nil, false
	}
	return v.(*scope.Scope), true
}

// BindCurrent binds the calling goroutine.
func (t *Table) BindCurrent(s *scope.Scope) error {
	return t.Bind(GoroutineID(), s)
}

// UnbindCurrent unbinds the calling goroutine.
func (t *Table) UnbindCurrent() {
	t.Unbind(GoroutineID())
}

// Current returns the scope bound to the calling goroutine.
func (t *Table) Current() (*scope.Scope, bool) {
	return t.Lookup(GoroutineID())
}

// Run binds the calling goroutine to s for the duration of fn. A binding that
// existed before the call (necessarily to s) is left in place afterwards.
func (t *Table) Run(s *scope.Scope, fn func()) error {
	gid := GoroutineID()
	_, had := t.Lookup(gid)
	if err := t.Bind(gid, s); err != nil {
		return err
	}
	if !had {
		defer t.Unbind(gid)
	}
	fn()
	return nil
}

// Go starts fn on a new goroutine that inherits the caller's binding as it
// stands now. The child's binding is removed when fn returns.
func (t *Table) Go(fn func()) {
	s, bound := t.Current()
	go func() {
		if bound {
			gid := GoroutineID()
			// A fresh goroutine id cannot already be bound.
			_ = t.Bind(gid, s)
			defer t.Unbind(gid)
		}
		fn()
	}()
}

// Inherit wraps fn so that, wherever it runs, it runs bound to the caller's
// current scope. Use it with pools that start goroutines themselves, such as
// errgroup.Group.Go.
func (t *Table) Inherit(fn func() error) func() error {
	s, bound := t.Current()
	if !bound {
		return fn
	}
	return func() error {
		var err error
		if runErr := t.Run(s, func() { err = fn() }); runErr != nil {
			return runErr
		}
		return err
	}
}

// Len returns the number of bound goroutines.
func (t *Table) Len() int {
	n := 0
	t.bindings.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
