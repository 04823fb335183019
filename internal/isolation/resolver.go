// SPDX-License-Identifier: MPL-2.0

package isolation

import (
	"context"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/domain"
	"github.com/invowk/appscope/internal/scope"
)

// Resolver determines the Scope governing the calling code.
type Resolver struct {
	bindings *binding.Table
}

// NewResolver creates a Resolver consulting bindings. A nil table selects
// binding.Global().
func NewResolver(bindings *binding.Table) *Resolver {
	if bindings == nil {
		bindings = binding.Global()
	}
	return &Resolver{bindings: bindings}
}

// Bindings returns the binding table the resolver consults.
func (r *Resolver) Bindings() *binding.Table { return r.bindings }

// Current returns the Scope governing the caller. The goroutine binding is
// checked first, then an explicit scope carried by ctx, then the nearest
// domain in the ctx domain chain that has a Scope attached.
func (r *Resolver) Current(ctx context.Context) (*scope.Scope, bool) {
	if s, ok := r.bindings.Current(); ok {
		return s, true
	}
	if ctx == nil {
		return nil, false
	}
	if s, ok := scope.FromContext(ctx); ok {
		return s, true
	}
	if d, ok := domain.FromContext(ctx); ok {
		return d.NearestScope()
	}
	return nil, false
}

// Effective is Current with scope.Default() substituted when no Scope is
// discoverable. It never returns nil.
func (r *Resolver) Effective(ctx context.Context) *scope.Scope {
	if s, ok := r.Current(ctx); ok {
		return s
	}
	return scope.Default()
}
