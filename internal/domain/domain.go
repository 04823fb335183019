// SPDX-License-Identifier: MPL-2.0

// Package domain implements isolation domains: explicit definition tables bound
// one-to-one to a Scope and arranged in a tree under an implicit root.
//
// A name resolves child-first. Names under a shared prefix are delegated to the
// parent so every domain sees one definition; names under an exclusive prefix
// are only ever resolved locally. Everything else is tried locally and then, as
// a last resort, at the root. Outcomes are memoized per name.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invowk/appscope/internal/scope"
)

// SelfName identifies the domain implementation itself. It always resolves at
// the root so no domain can shadow it with a competing definition.
const SelfName = "appscope/domain.Domain"

const (
	// ExclusiveWins resolves names matching both prefix sets locally.
	ExclusiveWins Precedence = iota
	// SharedWins delegates names matching both prefix sets to the parent.
	SharedWins
)

// ErrNotFound is returned when a name cannot be resolved locally or through
// the parent chain.
var ErrNotFound = errors.New("not found")

var (
	rootOnce sync.Once
	root     *Domain
)

type (
	// Precedence decides which prefix set wins when a name matches both.
	Precedence int

	// Definition is a resolved name.
	Definition struct {
		Name  string
		Value any
		// Owner is the domain whose table held the value.
		Owner *Domain
	}

	// Domain is a resolution boundary bound to one Scope.
	Domain struct {
		name       string
		scope      *scope.Scope
		parent     *Domain
		shared     []string
		exclusive  []string
		precedence Precedence

		mu        sync.RWMutex
		defs      map[string]any
		resources map[string][]byte

		defCache sync.Map // name -> defOutcome
		resCache sync.Map // name -> resOutcome
	}

	// Option configures a Domain.
	Option func(*Domain)

	defOutcome struct {
		def Definition
		err error
	}

	resOutcome struct {
		data []byte
		err  error
	}

	contextKey struct{}
)

// WithParent sets the parent domain. The default parent is Root().
func WithParent(parent *Domain) Option {
	return func(d *Domain) { d.parent = parent }
}

// WithShared adds prefixes whose names are delegated to the parent.
func WithShared(prefixes ...string) Option {
	return func(d *Domain) { d.shared = append(d.shared, prefixes...) }
}

// WithExclusive adds prefixes whose names are only resolved locally.
func WithExclusive(prefixes ...string) Option {
	return func(d *Domain) { d.exclusive = append(d.exclusive, prefixes...) }
}

// WithPrecedence sets how overlapping prefixes are decided.
func WithPrecedence(p Precedence) Option {
	return func(d *Domain) { d.precedence = p }
}

// WithName sets the diagnostic name. It defaults to the scope name.
func WithName(name string) Option {
	return func(d *Domain) { d.name = name }
}

// Root returns the implicit top of every domain tree. It carries no Scope;
// code that only reaches the root is running outside any application.
func Root() *Domain {
	rootOnce.Do(func() {
		root = newDomain("root", nil)
		root.defs[SelfName] = root
	})
	return root
}

// New creates a domain bound to s.
func New(s *scope.Scope, opts ...Option) *Domain {
	name := ""
	if s != nil {
		name = s.Name()
	}
	d := newDomain(name, s)
	d.parent = Root()
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newDomain(name string, s *scope.Scope) *Domain {
	return &Domain{
		name:      name,
		scope:     s,
		defs:      make(map[string]any),
		resources: make(map[string][]byte),
	}
}

// Name returns the diagnostic name.
func (d *Domain) Name() string { return d.name }

// Scope returns the bound scope; nil for the root.
func (d *Domain) Scope() *scope.Scope { return d.scope }

// Parent returns the parent domain; nil for the root.
func (d *Domain) Parent() *Domain { return d.parent }

// IsRoot reports whether d has no parent.
func (d *Domain) IsRoot() bool { return d.parent == nil }

// String implements fmt.Stringer.
func (d *Domain) String() string { return fmt.Sprintf("domain(%s)", d.name) }

// Define registers value under name in the local table. When d resolves
// name locally, any outcome d already memoized for it (a miss, a root
// fallback, or an older value) is replaced so the new value is visible
// immediately. Outcomes memoized by descendant domains are not updated.
func (d *Domain) Define(name string, value any) {
	d.mu.Lock()
	d.defs[name] = value
	d.mu.Unlock()

	if !d.routesLocally(name) {
		return
	}
	if _, ok := d.defCache.Load(name); ok {
		d.defCache.Store(name, defOutcome{def: Definition{Name: name, Value: value, Owner: d}})
	}
}

// DefineResource registers a named resource in the local table.
func (d *Domain) DefineResource(name string, data []byte) {
	d.mu.Lock()
	d.resources[name] = append([]byte(nil), data...)
	d.mu.Unlock()
}

// Resolve returns the definition visible from d for name.
func (d *Domain) Resolve(name string) (Definition, error) {
	if v, ok := d.defCache.Load(name); ok {
		out := v.(defOutcome)
		return out.def, out.err
	}
	def, err := d.resolve(name)
	d.defCache.Store(name, defOutcome{def: def, err: err})
	return def, err
}

func (d *Domain) resolve(name string) (Definition, error) {
	if name == SelfName {
		if d.parent != nil {
			return d.parent.Resolve(name)
		}
		return d.local(name)
	}

	exclusive, shared := d.classify(name)
	switch {
	case exclusive:
		return d.local(name)
	case shared && d.parent != nil:
		return d.parent.Resolve(name)
	}

	def, err := d.local(name)
	if err == nil || d.parent == nil {
		return def, err
	}
	return d.Root().Resolve(name)
}

// classify reports which prefix set governs name after precedence is applied.
func (d *Domain) classify(name string) (exclusive, shared bool) {
	exclusive = hasPrefix(d.exclusive, name)
	shared = hasPrefix(d.shared, name)
	if exclusive && shared {
		if d.precedence == SharedWins {
			return false, true
		}
		return true, false
	}
	return exclusive, shared
}

func (d *Domain) routesLocally(name string) bool {
	if name == SelfName && d.parent != nil {
		return false
	}
	_, shared := d.classify(name)
	return !shared || d.parent == nil
}

func (d *Domain) local(name string) (Definition, error) {
	d.mu.RLock()
	v, ok := d.defs[name]
	d.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("resolve %q in %s: %w", name, d, ErrNotFound)
	}
	return Definition{Name: name, Value: v, Owner: d}, nil
}

// Resource returns the named resource, looking locally first and then through
// the parent chain. Outcomes are memoized separately from definitions.
func (d *Domain) Resource(name string) ([]byte, error) {
	if v, ok := d.resCache.Load(name); ok {
		out := v.(resOutcome)
		return out.data, out.err
	}

	d.mu.RLock()
	data, ok := d.resources[name]
	d.mu.RUnlock()

	var err error
	switch {
	case ok:
	case d.parent != nil:
		data, err = d.parent.Resource(name)
	default:
		err = fmt.Errorf("resource %q in %s: %w", name, d, ErrNotFound)
	}
	d.resCache.Store(name, resOutcome{data: data, err: err})
	return data, err
}

// Root returns the top of d's tree.
func (d *Domain) Root() *Domain {
	cur := d
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// Walk calls fn for d and each ancestor up to the root, stopping when fn
// returns false.
func (d *Domain) Walk(fn func(*Domain) bool) {
	for cur := d; cur != nil; cur = cur.parent {
		if !fn(cur) {
			return
		}
	}
}

// NearestScope returns the scope of the first domain on the chain from d to
// the root that is bound to one.
func (d *Domain) NearestScope() (*scope.Scope, bool) {
	var found *scope.Scope
	d.Walk(func(cur *Domain) bool {
		if cur.scope != nil {
			found = cur.scope
			return false
		}
		return true
	})
	return found, found != nil
}

// ResolveAs resolves name and asserts its value to T.
func ResolveAs[T any](d *Domain, name string) (T, error) {
	var zero T
	def, err := d.Resolve(name)
	if err != nil {
		return zero, err
	}
	v, ok := def.Value.(T)
	if !ok {
		return zero, fmt.Errorf("resolve %q: value of type %T is not %T", name, def.Value, zero)
	}
	return v, nil
}

// NewContext returns a copy of ctx whose code runs "inside" d.
func NewContext(ctx context.Context, d *Domain) context.Context {
	return context.WithValue(ctx, contextKey{}, d)
}

// FromContext returns the domain ctx runs inside, if any.
func FromContext(ctx context.Context) (*Domain, bool) {
	if ctx == nil {
		return nil, false
	}
	d, ok := ctx.Value(contextKey{}).(*Domain)
	return d, ok && d != nil
}

func hasPrefix(prefixes []string, name string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
