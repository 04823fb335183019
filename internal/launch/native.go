// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/invowk/appscope/internal/binding"
)

// DefaultWaitDelay bounds how long a native process's streams are drained
// after it exits or is killed.
const DefaultWaitDelay = 5 * time.Second

// Native runs an executable as a child process. Its environment is the
// Scope's properties and its standard streams are the Scope's streams.
type Native struct {
	// Path is resolved with exec.LookPath.
	Path string
	// WaitDelay defaults to DefaultWaitDelay.
	WaitDelay time.Duration
	// Bindings defaults to binding.Global.
	Bindings *binding.Table
}

// Name implements Launcher.
func (l *Native) Name() string { return "native" }

// Launch implements Launcher.
func (l *Native) Launch(ctx context.Context, spec Spec) (*App, error) {
	path, err := exec.LookPath(l.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	s, d, _, err := newScope(spec)
	if err != nil {
		return nil, err
	}

	wait := l.WaitDelay
	if wait == 0 {
		wait = DefaultWaitDelay
	}

	return start(ctx, l.Bindings, s, d, spec.Registries, func(ctx context.Context) Result {
		cmd := exec.CommandContext(ctx, path, spec.Args...)
		cmd.Dir = spec.Dir
		cmd.Env = s.Properties().Environ()
		cmd.Stdin = s.Stdin()
		cmd.Stdout = s.Stdout()
		cmd.Stderr = s.Stderr()
		cmd.WaitDelay = wait

		err := cmd.Run()
		if err == nil {
			return Result{}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			return Result{ExitCode: exitErr.ExitCode()}
		}
		return Result{ExitCode: 1, Error: err}
	}), nil
}
