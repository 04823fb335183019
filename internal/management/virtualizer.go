// SPDX-License-Identifier: MPL-2.0

package management

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/invowk/appscope/internal/isolation"
	"github.com/invowk/appscope/internal/scope"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/exp/slices"
)

// DefaultDomain is the domain name used by NewProcessRegistry.
const DefaultDomain = "default"

var (
	globalOnce sync.Once
	global     *Virtualizer
)

type (
	// Virtualizer maps domain names to registries. Entries are created on
	// first request, may be replaced, and are never removed.
	Virtualizer struct {
		resolver *isolation.Resolver
		logger   *log.Logger

		// Reads are lock-free; creation and replacement hold mu.
		mu        sync.Mutex
		entries   sync.Map // string -> *entry
		endpoints sync.Map // string -> *Endpoint
		dirs      *directorySet

		// builder key active before Install, restored by Uninstall
		previous string
	}

	entry struct {
		reg *prometheus.Registry
	}

	contextKey struct{}
)

// NewVirtualizer creates a Virtualizer resolving the requesting Scope with
// resolver. A nil resolver uses the global isolation registry's resolver.
func NewVirtualizer(resolver *isolation.Resolver) *Virtualizer {
	if resolver == nil {
		resolver = isolation.Global().Resolver()
	}
	return &Virtualizer{
		resolver: resolver,
		logger:   log.NewWithOptions(scope.Physical().Stderr(), log.Options{Prefix: "management"}),
		dirs:     newDirectorySet(),
	}
}

// Global returns the process-wide Virtualizer.
func Global() *Virtualizer {
	globalOnce.Do(func() {
		global = NewVirtualizer(nil)
	})
	return global
}

// NewContext returns a copy of ctx carrying v.
func NewContext(ctx context.Context, v *Virtualizer) context.Context {
	return context.WithValue(ctx, contextKey{}, v)
}

// FromContext returns the Virtualizer carried by ctx.
func FromContext(ctx context.Context) (*Virtualizer, bool) {
	v, ok := ctx.Value(contextKey{}).(*Virtualizer)
	return v, ok && v != nil
}

// NewRegistry returns a handle onto the registry for name, creating it with
// the effective Scope's builder when absent. A new registry is given a
// remote endpoint when the Scope requests one; if that fails the registry is
// not stored and the error is returned.
func (v *Virtualizer) NewRegistry(ctx context.Context, name string) (*Handle, error) {
	if name == "" {
		return nil, errors.New("registry domain name must not be empty")
	}
	if _, ok := v.entries.Load(name); ok {
		return &Handle{v: v, name: name}, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.entries.Load(name); ok {
		return &Handle{v: v, name: name}, nil
	}

	s := v.resolver.Effective(ctx)
	key := s.RegistryBuilder()
	if key == BuilderVirtual {
		return nil, &ConfigurationError{
			Key:    "registry builder",
			Value:  key,
			Reason: "a scope cannot build registries with the virtualizer itself",
		}
	}
	reg, err := build(key, s)
	if err != nil {
		return nil, err
	}

	handle := &Handle{v: v, name: name}
	ep, err := v.provision(ctx, s, name, handle)
	if err != nil {
		return nil, err
	}

	v.entries.Store(name, &entry{reg: reg})
	if ep != nil {
		v.endpoints.Store(name, ep)
	}
	v.logger.Debug("registry created", "domain", name, "builder", key, "scope", s.Name())
	return handle, nil
}

// Lookup returns the registry stored under name.
func (v *Virtualizer) Lookup(name string) (*prometheus.Registry, bool) {
	e, ok := v.entries.Load(name)
	if !ok {
		return nil, false
	}
	return e.(*entry).reg, true
}

// Replace stores reg under name. Existing handles and any endpoint serving
// name observe the new registry.
func (v *Virtualizer) Replace(name string, reg *prometheus.Registry) error {
	if reg == nil {
		return fmt.Errorf("replace %q: nil registry", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries.Store(name, &entry{reg: reg})
	return nil
}

// Names returns the domain names with a registry, sorted.
func (v *Virtualizer) Names() []string {
	var names []string
	v.entries.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	slices.Sort(names)
	return names
}

// Endpoint returns the remote endpoint serving name, if one was provisioned.
func (v *Virtualizer) Endpoint(name string) (*Endpoint, bool) {
	ep, ok := v.endpoints.Load(name)
	if !ok {
		return nil, false
	}
	return ep.(*Endpoint), true
}

// Shutdown stops every directory listener. Registries and endpoint records
// stay in place.
func (v *Virtualizer) Shutdown(ctx context.Context) error {
	return v.dirs.shutdown(ctx)
}

// Install makes v the process-wide registry source: ActiveBuilder reports
// BuilderVirtual and NewProcessRegistry hands out handles from v. The key
// active before is remembered. Installing an installed Virtualizer does
// nothing.
func (v *Virtualizer) Install() error {
	builders.mu.Lock()
	defer builders.mu.Unlock()

	switch builders.installed {
	case v:
		return nil
	case nil:
	default:
		return errors.New("another virtualizer is already installed")
	}
	v.previous = builders.active
	builders.active = BuilderVirtual
	builders.installed = v
	return nil
}

// Uninstall restores the builder key that was active before Install.
// Uninstalling a Virtualizer that is not installed does nothing.
func (v *Virtualizer) Uninstall() {
	builders.mu.Lock()
	defer builders.mu.Unlock()

	if builders.installed != v {
		return
	}
	builders.active = v.previous
	builders.installed = nil
	v.previous = ""
}

// NewProcessRegistry returns a registry from the process-wide builder. While
// a Virtualizer is installed this is a handle onto its DefaultDomain entry;
// otherwise a fresh registry from the active builder.
func NewProcessRegistry(ctx context.Context) (Registry, error) {
	builders.mu.RLock()
	key, installed := builders.active, builders.installed
	builders.mu.RUnlock()

	if installed != nil {
		h, err := installed.NewRegistry(ctx, DefaultDomain)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	reg, err := build(key, isolation.Global().Resolver().Effective(ctx))
	if err != nil {
		return nil, err
	}
	return reg, nil
}
