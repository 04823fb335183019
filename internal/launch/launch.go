// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/domain"
	"github.com/invowk/appscope/internal/management"
	"github.com/invowk/appscope/internal/scope"

	"github.com/charmbracelet/log"
	"golang.org/x/exp/maps"
)

// ErrInvalidSpec is wrapped by launch errors caused by an unusable Spec or
// launcher configuration.
var ErrInvalidSpec = errors.New("invalid launch spec")

const registryShutdownTimeout = 5 * time.Second

var logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "launch"})

type (
	// Launcher starts applications, each inside a fresh Scope.
	Launcher interface {
		// Name returns the launcher kind, for diagnostics.
		Name() string
		// Launch starts the application described by spec. The returned App
		// is already running; its Scope is closed when it terminates.
		Launch(ctx context.Context, spec Spec) (*App, error)
	}

	// Spec describes one application launch.
	Spec struct {
		// Name is the application name and the name of its Scope.
		Name string
		// Args are passed to the application.
		Args []string
		// Dir is the working directory; its meaning depends on the launcher.
		Dir string

		// Base is copied into the new Scope. Nil selects the physical properties.
		Base *scope.Properties
		// PropertiesFile is a TOML file overlaid on Base.
		PropertiesFile string
		// Properties are overlaid last.
		Properties map[string]string

		// Ports allocates ports for the application. Nil selects ephemeral ports.
		Ports scope.PortAllocator
		// RegistryBuilder selects the management registry builder.
		RegistryBuilder string
		// DomainOptions configure the application's isolation domain.
		DomainOptions []domain.Option
		// Registries hands out the application's management registries and
		// is carried by its context. Nil gives the App a Virtualizer of its
		// own, shut down by Close.
		Registries *management.Virtualizer

		// Nil streams are discarded; nil Stdin reads EOF.
		Stdout io.Writer
		Stderr io.Writer
		Stdin  io.Reader
	}

	// Result reports how an application ended.
	Result struct {
		// ExitCode is the exit status; 0 means success.
		ExitCode int
		// Error is set when the application could not run to completion.
		Error error
	}

	// AppError is returned by Result.Err for failed applications.
	AppError struct {
		App      string
		ExitCode int
		Err      error
	}

	// App is a running or finished application.
	App struct {
		name   string
		scope      *scope.Scope
		domain     *domain.Domain
		registries *management.Virtualizer
		cancel     context.CancelFunc
		done   chan struct{}
		result Result

		mu       sync.Mutex
		cleanups []func() error

		closeOnce sync.Once
		closeErr  error
	}

	// runFunc is the body of an application, executed on a goroutine bound
	// to the App's Scope.
	runFunc func(ctx context.Context) Result
)

// Success reports whether the application exited cleanly.
func (r Result) Success() bool { return r.ExitCode == 0 && r.Error == nil }

// Err returns nil for a successful result and an *AppError otherwise.
func (r Result) Err(app string) error {
	if r.Success() {
		return nil
	}
	return &AppError{App: app, ExitCode: r.ExitCode, Err: r.Error}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("app %s failed (exit %d): %v", e.App, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("app %s exited with status %d", e.App, e.ExitCode)
}

// Unwrap returns the underlying failure, if any.
func (e *AppError) Unwrap() error { return e.Err }

// Name returns the application name.
func (a *App) Name() string { return a.name }

// Scope returns the application's Scope.
func (a *App) Scope() *scope.Scope { return a.scope }

// Domain returns the application's isolation domain.
func (a *App) Domain() *domain.Domain { return a.domain }

// Registries returns the Virtualizer the application requests registries
// from.
func (a *App) Registries() *management.Virtualizer { return a.registries }

// Done is closed when the application has terminated.
func (a *App) Done() <-chan struct{} { return a.done }

// Wait blocks until the application terminates and returns its Result.
func (a *App) Wait() Result {
	<-a.done
	return a.result
}

// Close stops the application if it is still running, waits for it, runs
// launcher cleanups in reverse order and closes the Scope. It is safe to call
// more than once; later calls return the first call's error.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		<-a.done

		a.mu.Lock()
		cleanups := slices.Clone(a.cleanups)
		a.mu.Unlock()

		var errs []error
		for _, fn := range slices.Backward(cleanups) {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		a.scope.Close()
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) onClose(fn func() error) {
	a.mu.Lock()
	a.cleanups = append(a.cleanups, fn)
	a.mu.Unlock()
}

// newScope builds the Scope and Domain for spec. It also returns the
// properties the application was given explicitly, without the inherited
// base: launchers that cross a process or host boundary forward only these.
func newScope(spec Spec) (*scope.Scope, *domain.Domain, map[string]string, error) {
	if spec.Name == "" {
		return nil, nil, nil, fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}

	overlay := make(map[string]string)
	if spec.PropertiesFile != "" {
		fromFile, err := LoadProperties(spec.PropertiesFile)
		if err != nil {
			return nil, nil, nil, err
		}
		maps.Copy(overlay, fromFile)
	}
	maps.Copy(overlay, spec.Properties)

	base := spec.Base
	if base == nil {
		base = scope.Physical().Properties()
	}

	opts := []scope.Option{scope.WithProperties(overlay)}
	if spec.Stdout != nil {
		opts = append(opts, scope.WithStdout(spec.Stdout))
	}
	if spec.Stderr != nil {
		opts = append(opts, scope.WithStderr(spec.Stderr))
	}
	if spec.Stdin != nil {
		opts = append(opts, scope.WithStdin(spec.Stdin))
	}
	if spec.RegistryBuilder != "" {
		opts = append(opts, scope.WithRegistryBuilder(spec.RegistryBuilder))
	}

	s := scope.New(spec.Name, base, spec.Ports, opts...)
	d := domain.New(s, spec.DomainOptions...)
	return s, d, overlay, nil
}

// start runs fn on a new goroutine bound to s in tbl, with s, d and the
// registries carried by the context. The Scope is closed once fn returns.
func start(ctx context.Context, tbl *binding.Table, s *scope.Scope, d *domain.Domain, registries *management.Virtualizer, fn runFunc) *App {
	if tbl == nil {
		tbl = binding.Global()
	}
	owned := registries == nil
	if owned {
		registries = management.NewVirtualizer(nil)
	}
	ctx, cancel := context.WithCancel(ctx)
	ctx = management.NewContext(domain.NewContext(scope.NewContext(ctx, s), d), registries)

	a := &App{
		name:       s.Name(),
		scope:      s,
		domain:     d,
		registries: registries,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if owned {
		a.onClose(func() error { return shutdownRegistries(registries) })
	}

	go func() {
		defer close(a.done)
		defer s.Close()
		err := tbl.Run(s, func() {
			defer func() {
				if r := recover(); r != nil {
					a.result = Result{ExitCode: 1, Error: fmt.Errorf("panic: %v", r)}
				}
			}()
			a.result = fn(ctx)
		})
		if err != nil {
			a.result = Result{ExitCode: 1, Error: err}
		}
		logger.Debug("app finished", "app", a.name, "exit", a.result.ExitCode)
	}()

	return a
}

// shutdownRegistries stops the endpoints of v, giving in-flight scrapes
// registryShutdownTimeout to finish.
func shutdownRegistries(v *management.Virtualizer) error {
	ctx, cancel := context.WithTimeout(context.Background(), registryShutdownTimeout)
	defer cancel()
	return v.Shutdown(ctx)
}
