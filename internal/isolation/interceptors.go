// SPDX-License-Identifier: MPL-2.0

package isolation

import (
	"context"
	"io"

	"github.com/invowk/appscope/internal/scope"
)

type (
	// PropertyStore is the property surface shared by *scope.Properties and
	// the intercepting proxy installed by ScopeRegistry.Start.
	PropertyStore interface {
		Get(key string) string
		Lookup(key string) (string, bool)
		Set(key, value string) error
		Delete(key string) error
		Keys() []string
	}

	// PropertyProxy forwards every operation to the properties of the
	// Scope governing the caller, or to the captured physical properties
	// when none is discoverable.
	PropertyProxy struct {
		reg *ScopeRegistry
	}

	// streamSelector picks one stream out of a Scope.
	streamSelector func(*scope.Scope) io.Writer

	// writerProxy forwards writes to a stream of the governing Scope.
	writerProxy struct {
		reg      *ScopeRegistry
		pick     streamSelector
		physical io.Writer
	}

	// readerProxy forwards reads to the governing Scope's standard input.
	readerProxy struct {
		reg      *ScopeRegistry
		physical io.Reader
	}
)

var _ PropertyStore = (*PropertyProxy)(nil)

// Get returns the value of key in the governing properties.
func (p *PropertyProxy) Get(key string) string {
	return p.GetContext(context.Background(), key)
}

// Lookup returns the value of key and whether it is present.
func (p *PropertyProxy) Lookup(key string) (string, bool) {
	return p.LookupContext(context.Background(), key)
}

// Set stores value under key.
func (p *PropertyProxy) Set(key, value string) error {
	return p.SetContext(context.Background(), key, value)
}

// Delete removes key.
func (p *PropertyProxy) Delete(key string) error {
	return p.DeleteContext(context.Background(), key)
}

// Keys returns the sorted keys of the governing properties.
func (p *PropertyProxy) Keys() []string {
	return p.reg.propertiesFor(context.Background()).Keys()
}

// GetContext is Get resolving the governing Scope from ctx as well.
func (p *PropertyProxy) GetContext(ctx context.Context, key string) string {
	return p.reg.propertiesFor(ctx).Get(key)
}

// LookupContext is Lookup resolving the governing Scope from ctx as well.
func (p *PropertyProxy) LookupContext(ctx context.Context, key string) (string, bool) {
	return p.reg.propertiesFor(ctx).Lookup(key)
}

// SetContext is Set resolving the governing Scope from ctx as well.
func (p *PropertyProxy) SetContext(ctx context.Context, key, value string) error {
	return p.reg.propertiesFor(ctx).Set(key, value)
}

// DeleteContext is Delete resolving the governing Scope from ctx as well.
func (p *PropertyProxy) DeleteContext(ctx context.Context, key string) error {
	return p.reg.propertiesFor(ctx).Delete(key)
}

func (w *writerProxy) Write(b []byte) (int, error) {
	return w.writerFor(context.Background()).Write(b)
}

func (w *writerProxy) writerFor(ctx context.Context) io.Writer {
	if !w.reg.active.Load() {
		return w.physical
	}
	if s, ok := w.reg.resolver.Current(ctx); ok {
		return w.pick(s)
	}
	return w.physical
}

func (r *readerProxy) Read(b []byte) (int, error) {
	if !r.reg.active.Load() {
		return r.physical.Read(b)
	}
	if s, ok := r.reg.resolver.Current(context.Background()); ok {
		return s.Stdin().Read(b)
	}
	return r.physical.Read(b)
}

func stdoutOf(s *scope.Scope) io.Writer { return s.Stdout() }

func stderrOf(s *scope.Scope) io.Writer { return s.Stderr() }
