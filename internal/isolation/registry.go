// SPDX-License-Identifier: MPL-2.0

package isolation

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/invowk/appscope/internal/scope"

	"github.com/charmbracelet/log"
)

var (
	globalOnce     sync.Once
	globalRegistry *ScopeRegistry
)

type (
	// ScopeRegistry owns the process-wide resources that legacy code reaches
	// for directly. While active, those resources are replaced by proxies that
	// forward to the Scope governing the caller.
	ScopeRegistry struct {
		resolver *Resolver
		logger   *log.Logger

		mu     sync.Mutex
		active atomic.Bool

		// captured before any replacement, never changed afterwards
		physical physicalResources

		props  *PropertyProxy
		stdout *writerProxy
		stderr *writerProxy
		stdin  *readerProxy
	}

	physicalResources struct {
		props  *scope.Properties
		stdout io.Writer
		stderr io.Writer
		stdin  io.Reader
	}
)

// NewScopeRegistry creates an inactive registry whose physical resources are
// those of physical. A nil resolver consults the global binding table; a nil
// physical selects scope.Physical().
func NewScopeRegistry(resolver *Resolver, physical *scope.Scope) *ScopeRegistry {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	if physical == nil {
		physical = scope.Physical()
	}

	r := &ScopeRegistry{
		resolver: resolver,
		logger:   log.NewWithOptions(physical.Stderr(), log.Options{Prefix: "isolation"}),
		physical: physicalResources{
			props:  physical.Properties(),
			stdout: physical.Stdout(),
			stderr: physical.Stderr(),
			stdin:  physical.Stdin(),
		},
	}
	r.props = &PropertyProxy{reg: r}
	r.stdout = &writerProxy{reg: r, pick: stdoutOf, physical: r.physical.stdout}
	r.stderr = &writerProxy{reg: r, pick: stderrOf, physical: r.physical.stderr}
	r.stdin = &readerProxy{reg: r, physical: r.physical.stdin}
	return r
}

// Global returns the process-wide registry over scope.Physical() and the
// global binding table.
func Global() *ScopeRegistry {
	globalOnce.Do(func() {
		globalRegistry = NewScopeRegistry(NewResolver(nil), scope.Physical())
	})
	return globalRegistry
}

// Resolver returns the resolver the proxies use.
func (r *ScopeRegistry) Resolver() *Resolver { return r.resolver }

// Start installs the intercepting proxies. Calling Start on an active
// registry does nothing.
func (r *ScopeRegistry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active.Load() {
		return
	}
	r.active.Store(true)
	r.logger.Debug("interceptors installed")
}

// Stop restores the captured physical resources. Calling Stop on an inactive
// registry does nothing.
func (r *ScopeRegistry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active.Load() {
		return
	}
	r.active.Store(false)
	r.logger.Debug("interceptors removed")
}

// Active reports whether the proxies are installed.
func (r *ScopeRegistry) Active() bool { return r.active.Load() }

// Properties returns the installed process-wide property store: the proxy
// while active, the physical properties otherwise.
func (r *ScopeRegistry) Properties() PropertyStore {
	if r.active.Load() {
		return r.props
	}
	return r.physical.props
}

// Stdout returns the installed process-wide standard output.
func (r *ScopeRegistry) Stdout() io.Writer {
	if r.active.Load() {
		return r.stdout
	}
	return r.physical.stdout
}

// Stderr returns the installed process-wide standard error.
func (r *ScopeRegistry) Stderr() io.Writer {
	if r.active.Load() {
		return r.stderr
	}
	return r.physical.stderr
}

// Stdin returns the installed process-wide standard input.
func (r *ScopeRegistry) Stdin() io.Reader {
	if r.active.Load() {
		return r.stdin
	}
	return r.physical.stdin
}

// PropertiesFor returns the property store governing ctx. While inactive it
// is always the physical store.
func (r *ScopeRegistry) PropertiesFor(ctx context.Context) *scope.Properties {
	return r.propertiesFor(ctx)
}

// WriterFor returns the standard output governing ctx.
func (r *ScopeRegistry) WriterFor(ctx context.Context) io.Writer {
	return r.stdout.writerFor(ctx)
}

// ErrWriterFor returns the standard error governing ctx.
func (r *ScopeRegistry) ErrWriterFor(ctx context.Context) io.Writer {
	return r.stderr.writerFor(ctx)
}

// Physical returns the captured physical property store.
func (r *ScopeRegistry) Physical() *scope.Properties { return r.physical.props }

// propertiesFor is the physical store while inactive, so proxies held
// across Stop stop routing to Scopes.
func (r *ScopeRegistry) propertiesFor(ctx context.Context) *scope.Properties {
	if !r.active.Load() {
		return r.physical.props
	}
	if s, ok := r.resolver.Current(ctx); ok {
		return s.Properties()
	}
	return r.physical.props
}
