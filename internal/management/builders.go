// SPDX-License-Identifier: MPL-2.0

package management

import (
	"errors"
	"fmt"
	"sync"

	"github.com/invowk/appscope/internal/scope"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// BuilderStandard builds an empty registry.
	BuilderStandard = scope.DefaultRegistryBuilder
	// BuilderPedantic builds a registry that checks collector consistency.
	BuilderPedantic = "pedantic"
	// BuilderRuntime builds a registry preloaded with Go and process collectors.
	BuilderRuntime = "runtime"
	// BuilderVirtual is the key active while a Virtualizer is installed.
	BuilderVirtual = "virtual"
)

// BuilderFunc creates a registry for the Scope requesting it.
type BuilderFunc func(s *scope.Scope) (*prometheus.Registry, error)

var builders = &builderTable{
	funcs: map[string]BuilderFunc{
		BuilderStandard: func(*scope.Scope) (*prometheus.Registry, error) {
			return prometheus.NewRegistry(), nil
		},
		BuilderPedantic: func(*scope.Scope) (*prometheus.Registry, error) {
			return prometheus.NewPedanticRegistry(), nil
		},
		BuilderRuntime: buildRuntime,
	},
	active: BuilderStandard,
}

type builderTable struct {
	mu        sync.RWMutex
	funcs     map[string]BuilderFunc
	active    string
	installed *Virtualizer
}

// RegisterBuilder makes fn available under key, replacing any builder
// registered under the same key. The virtual key is reserved.
func RegisterBuilder(key string, fn BuilderFunc) error {
	switch {
	case key == "":
		return errors.New("builder key must not be empty")
	case key == BuilderVirtual:
		return fmt.Errorf("builder key %q is reserved", key)
	case fn == nil:
		return fmt.Errorf("builder %q: nil BuilderFunc", key)
	}

	builders.mu.Lock()
	defer builders.mu.Unlock()
	builders.funcs[key] = fn
	return nil
}

// LookupBuilder returns the builder registered under key.
func LookupBuilder(key string) (BuilderFunc, bool) {
	builders.mu.RLock()
	defer builders.mu.RUnlock()
	fn, ok := builders.funcs[key]
	return fn, ok
}

// Builders returns the registered builder keys, sorted.
func Builders() []string {
	builders.mu.RLock()
	defer builders.mu.RUnlock()
	keys := maps.Keys(builders.funcs)
	slices.Sort(keys)
	return keys
}

// ActiveBuilder returns the process-wide builder key. It is BuilderVirtual
// while a Virtualizer is installed.
func ActiveBuilder() string {
	builders.mu.RLock()
	defer builders.mu.RUnlock()
	return builders.active
}

// SetActiveBuilder selects the process-wide builder key. It fails for
// unknown keys and while a Virtualizer is installed.
func SetActiveBuilder(key string) error {
	builders.mu.Lock()
	defer builders.mu.Unlock()

	if builders.installed != nil {
		return fmt.Errorf("cannot select builder %q: a virtualizer is installed", key)
	}
	if _, ok := builders.funcs[key]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownBuilder, key)
	}
	builders.active = key
	return nil
}

func build(key string, s *scope.Scope) (*prometheus.Registry, error) {
	fn, ok := LookupBuilder(key)
	if !ok {
		return nil, &ConfigurationError{
			Key:    "registry builder",
			Value:  key,
			Reason: "no builder registered under this key",
			Err:    ErrUnknownBuilder,
		}
	}
	reg, err := fn(s)
	if err != nil {
		return nil, fmt.Errorf("build registry with %q: %w", key, err)
	}
	if reg == nil {
		return nil, fmt.Errorf("build registry with %q: builder returned nil", key)
	}
	return reg, nil
}

func buildRuntime(*scope.Scope) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}
