// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"errors"
	"fmt"

	"github.com/invowk/appscope/internal/binding"
)

type (
	// MainFunc is the entry point of an in-process application. Scope and
	// domain are reachable from ctx and, through the binding table, from the
	// calling goroutine.
	MainFunc func(ctx context.Context, args []string) error

	// InProcess runs a Go function as an application inside this process.
	InProcess struct {
		Main MainFunc
		// Bindings defaults to binding.Global.
		Bindings *binding.Table
	}

	// ExitError makes an in-process application exit with Code.
	ExitError struct {
		Code int
	}
)

// Exit returns an error that ends an in-process application with code.
func Exit(code int) error { return &ExitError{Code: code} }

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Name implements Launcher.
func (l *InProcess) Name() string { return "inprocess" }

// Launch implements Launcher.
func (l *InProcess) Launch(ctx context.Context, spec Spec) (*App, error) {
	if l.Main == nil {
		return nil, fmt.Errorf("%w: in-process launcher has no main function", ErrInvalidSpec)
	}
	s, d, _, err := newScope(spec)
	if err != nil {
		return nil, err
	}
	return start(ctx, l.Bindings, s, d, spec.Registries, func(ctx context.Context) Result {
		return exitResult(l.Main(ctx, spec.Args))
	}), nil
}

func exitResult(err error) Result {
	if err == nil {
		return Result{}
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return Result{ExitCode: exit.Code}
	}
	return Result{ExitCode: 1, Error: err}
}
