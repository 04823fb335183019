// SPDX-License-Identifier: MPL-2.0

package scope

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Properties is a concurrent string key/value store. It stands in for the
// process-wide configuration bag each application expects to own.
//
// Once sealed (when its Scope closes) reads keep working and every mutation
// returns ErrClosed.
type Properties struct {
	mu     sync.RWMutex
	values map[string]string
	// written under mu; Sealed reads it without locking
	sealed atomic.Bool
}

// NewProperties creates a store holding a copy of entries.
func NewProperties(entries map[string]string) *Properties {
	p := &Properties{values: make(map[string]string, len(entries))}
	maps.Copy(p.values, entries)
	return p
}

// Get returns the value for key, or "" when it is absent.
func (p *Properties) Get(key string) string {
	v, _ := p.Lookup(key)
	return v
}

// Lookup returns the value for key and whether it was present.
func (p *Properties) Lookup(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

// Set stores value under key.
func (p *Properties) Set(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed.Load() {
		return fmt.Errorf("set property %q: %w", key, ErrClosed)
	}
	p.values[key] = value
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (p *Properties) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed.Load() {
		return fmt.Errorf("delete property %q: %w", key, ErrClosed)
	}
	delete(p.values, key)
	return nil
}

// Overlay sets every entry, replacing existing values.
func (p *Properties) Overlay(entries map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed.Load() {
		return fmt.Errorf("overlay properties: %w", ErrClosed)
	}
	maps.Copy(p.values, entries)
	return nil
}

// Keys returns the property names in sorted order.
func (p *Properties) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := maps.Keys(p.values)
	slices.Sort(keys)
	return keys
}

// Len returns the number of properties.
func (p *Properties) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}

// Snapshot returns a point-in-time copy of all entries.
func (p *Properties) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.values)
}

// Clone returns an independent, unsealed deep copy. A nil receiver yields an
// empty store.
func (p *Properties) Clone() *Properties {
	if p == nil {
		return NewProperties(nil)
	}
	return NewProperties(p.Snapshot())
}

// Int parses key as a base-10 integer, returning def when the key is absent or empty.
func (p *Properties) Int(key string, def int) (int, error) {
	raw, ok := p.Lookup(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("property %q: %q is not an integer", key, raw)
	}
	return n, nil
}

// Bool parses key with strconv.ParseBool, returning def when the key is absent or empty.
func (p *Properties) Bool(key string, def bool) (bool, error) {
	raw, ok := p.Lookup(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("property %q: %q is not a boolean", key, raw)
	}
	return b, nil
}

// Environ renders the store as sorted KEY=VALUE pairs, the form launchers pass
// to child processes and shell interpreters.
func (p *Properties) Environ() []string {
	snap := p.Snapshot()
	env := make([]string, 0, len(snap))
	keys := maps.Keys(snap)
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+snap[k])
	}
	return env
}

// Sealed reports whether mutations are rejected.
func (p *Properties) Sealed() bool {
	return p.sealed.Load()
}

// seal waits for in-flight mutations, so none lands after it returns.
func (p *Properties) seal() {
	p.mu.Lock()
	p.sealed.Store(true)
	p.mu.Unlock()
}
