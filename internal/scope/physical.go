// SPDX-License-Identifier: MPL-2.0

package scope

import (
	"context"
	"os"
	"strings"
	"sync"
)

const (
	physicalName = "physical"
	defaultName  = "default"
)

var (
	physicalOnce sync.Once
	physical     *Scope

	defaultOnce  sync.Once
	defaultScope *Scope
)

type contextKey struct{}

// Physical returns the non-isolated process scope. Its properties start from
// the process environment, its streams are os.Stdout, os.Stderr and os.Stdin.
func Physical() *Scope {
	physicalOnce.Do(func() {
		physical = New(physicalName, NewProperties(environMap()), EphemeralPorts{},
			WithStdout(os.Stdout),
			WithStderr(os.Stderr),
			WithStdin(os.Stdin),
			permanent(),
			rawStreams(),
		)
	})
	return physical
}

// ConfigurePhysical overlays entries onto the physical properties. The config
// layer calls it once loaded configuration is available. Scopes created
// earlier keep the copy they already took.
func ConfigurePhysical(entries map[string]string) {
	// Physical is permanent and never sealed.
	_ = Physical().Properties().Overlay(entries)
}

// Default returns the process-wide fallback scope for code running outside
// every application. It is created on first use and mirrors the physical
// scope: it shares the physical properties store and the physical streams
// themselves rather than wrapped copies.
func Default() *Scope {
	defaultOnce.Do(func() {
		p := Physical()
		defaultScope = New(defaultName, nil, p.Ports(),
			sharedProperties(p.Properties()),
			WithStdout(p.Stdout()),
			WithStderr(p.Stderr()),
			WithStdin(p.Stdin()),
			WithRegistryBuilder(p.RegistryBuilder()),
			permanent(),
			rawStreams(),
		)
	})
	return defaultScope
}

// NewContext returns a copy of ctx carrying s explicitly. New code should
// prefer passing the scope this way over relying on goroutine bindings.
func NewContext(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the scope carried by ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(contextKey{}).(*Scope)
	return s, ok && s != nil
}

func environMap() map[string]string {
	env := os.Environ()
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
