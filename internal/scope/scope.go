// SPDX-License-Identifier: MPL-2.0

package scope

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// DefaultRegistryBuilder is the management registry builder key a Scope uses
// when none is configured.
const DefaultRegistryBuilder = "standard"

// ErrClosed is returned by mutations and writes on a closed Scope.
var ErrClosed = errors.New("scope is closed")

type (
	// Scope is an isolated bundle of per-application resources.
	//
	// Accessors return live views: callers observe later property mutations.
	// A Scope cannot be reopened once closed.
	Scope struct {
		id      uuid.UUID
		name    string
		props   *Properties
		stdout  io.Writer
		stderr  io.Writer
		stdin   io.Reader
		ports   PortAllocator
		builder string
		logger  *log.Logger

		closed    atomic.Bool
		permanent bool
	}

	// Option configures a Scope at creation.
	Option func(*options)

	options struct {
		parent    *Scope
		shared    *Properties
		overlay   map[string]string
		stdout    io.Writer
		stderr    io.Writer
		stdin     io.Reader
		builder   string
		permanent bool
		rawIO     bool
	}

	// guardedWriter rejects writes once its Scope has closed.
	guardedWriter struct {
		w     io.Writer
		scope *Scope
	}

	// guardedReader reports EOF once its Scope has closed.
	guardedReader struct {
		r     io.Reader
		scope *Scope
	}
)

// WithParent copies properties from parent instead of the base store passed to New.
// Streams and the registry builder are inherited unless overridden.
func WithParent(parent *Scope) Option {
	return func(o *options) { o.parent = parent }
}

// WithProperties overlays entries on top of the copied base properties.
func WithProperties(entries map[string]string) Option {
	return func(o *options) {
		if o.overlay == nil {
			o.overlay = make(map[string]string, len(entries))
		}
		for k, v := range entries {
			o.overlay[k] = v
		}
	}
}

// WithStdout sets the scope's standard output.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithStderr sets the scope's standard error.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithStdin sets the scope's standard input.
func WithStdin(r io.Reader) Option {
	return func(o *options) { o.stdin = r }
}

// WithRegistryBuilder selects the management registry builder key.
func WithRegistryBuilder(key string) Option {
	return func(o *options) { o.builder = key }
}

func permanent() Option {
	return func(o *options) { o.permanent = true }
}

// sharedProperties makes the scope use p itself instead of a copy.
func sharedProperties(p *Properties) Option {
	return func(o *options) { o.shared = p }
}

func rawStreams() Option {
	return func(o *options) { o.rawIO = true }
}

// New creates a Scope named name. The base properties are deep-copied before
// any WithProperties overlay is applied, so later changes to base are never
// visible through the new Scope. A nil ports selects EphemeralPorts.
func New(name string, base *Properties, ports PortAllocator, opts ...Option) *Scope {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	props := base.Clone()
	if o.parent != nil {
		props = o.parent.props.Clone()
		if o.stdout == nil {
			o.stdout = o.parent.stdout
		}
		if o.stderr == nil {
			o.stderr = o.parent.stderr
		}
		if o.stdin == nil {
			o.stdin = o.parent.stdin
		}
		if o.builder == "" {
			o.builder = o.parent.builder
		}
	}
	if o.shared != nil {
		props = o.shared
	}
	// The store is unsealed at this point, so overlaying cannot fail.
	_ = props.Overlay(o.overlay)

	if ports == nil {
		ports = EphemeralPorts{}
	}
	if o.builder == "" {
		o.builder = DefaultRegistryBuilder
	}
	if o.stdout == nil {
		o.stdout = io.Discard
	}
	if o.stderr == nil {
		o.stderr = io.Discard
	}
	if o.stdin == nil {
		o.stdin = eofReader{}
	}

	s := &Scope{
		id:        uuid.New(),
		name:      name,
		props:     props,
		ports:     ports,
		builder:   o.builder,
		permanent: o.permanent,
	}
	if o.rawIO {
		s.stdout, s.stderr, s.stdin = o.stdout, o.stderr, o.stdin
	} else {
		s.stdout = &guardedWriter{w: o.stdout, scope: s}
		s.stderr = &guardedWriter{w: o.stderr, scope: s}
		s.stdin = &guardedReader{r: o.stdin, scope: s}
	}
	s.logger = log.NewWithOptions(s.stderr, log.Options{Prefix: name})

	return s
}

// ID returns the unique identifier of the Scope.
func (s *Scope) ID() uuid.UUID { return s.id }

// Name returns the diagnostic name of the Scope.
func (s *Scope) Name() string { return s.name }

// Properties returns the scope's live properties store.
func (s *Scope) Properties() *Properties { return s.props }

// Stdout returns the scope's standard output.
func (s *Scope) Stdout() io.Writer { return s.stdout }

// Stderr returns the scope's standard error.
func (s *Scope) Stderr() io.Writer { return s.stderr }

// Stdin returns the scope's standard input.
func (s *Scope) Stdin() io.Reader { return s.stdin }

// Ports returns the scope's port allocator.
func (s *Scope) Ports() PortAllocator { return s.ports }

// RegistryBuilder returns the key of the management registry builder.
func (s *Scope) RegistryBuilder() string { return s.builder }

// Logger returns a logger writing to the scope's standard error.
func (s *Scope) Logger() *log.Logger { return s.logger }

// Closed reports whether Close has taken effect.
func (s *Scope) Closed() bool { return s.closed.Load() }

// Close marks the Scope closed. It returns true only for the call that
// performed the transition; every other call, concurrent or later, returns
// false. The physical and default scopes are never closed.
func (s *Scope) Close() bool {
	if s.permanent {
		return false
	}
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.props.seal()
	return true
}

// String implements fmt.Stringer.
func (s *Scope) String() string {
	return fmt.Sprintf("scope(%s)", s.name)
}

func (g *guardedWriter) Write(p []byte) (int, error) {
	if g.scope.closed.Load() {
		return 0, fmt.Errorf("write to %s: %w", g.scope, ErrClosed)
	}
	return g.w.Write(p)
}

func (g *guardedReader) Read(p []byte) (int, error) {
	if g.scope.closed.Load() {
		return 0, io.EOF
	}
	return g.r.Read(p)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
