// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"errors"
	"sync"

	"github.com/invowk/appscope/internal/management"

	"golang.org/x/sync/errgroup"
)

type (
	// Group launches many applications concurrently and tears them down
	// together. The first application that fails cancels the others.
	Group struct {
		g          *errgroup.Group
		ctx        context.Context
		registries *management.Virtualizer

		mu   sync.Mutex
		apps []*App
	}

	// GroupOption configures a Group.
	GroupOption func(*Group)
)

// WithRegistries makes every application of the group that has no
// Registries of its own share v. Close shuts v down.
func WithRegistries(v *management.Virtualizer) GroupOption {
	return func(g *Group) { g.registries = v }
}

// NewGroup returns a Group whose applications run under ctx.
func NewGroup(ctx context.Context, opts ...GroupOption) *Group {
	g, gctx := errgroup.WithContext(ctx)
	group := &Group{g: g, ctx: gctx}
	for _, opt := range opts {
		opt(group)
	}
	return group
}

// Go launches spec with l and waits for it on a group goroutine. A launch
// error or a failed Result ends the group with an error.
func (g *Group) Go(l Launcher, spec Spec) {
	if spec.Registries == nil {
		spec.Registries = g.registries
	}
	g.g.Go(func() error {
		app, err := l.Launch(g.ctx, spec)
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.apps = append(g.apps, app)
		g.mu.Unlock()

		return app.Wait().Err(app.Name())
	})
}

// Wait blocks until every application has finished and returns the first
// failure.
func (g *Group) Wait() error { return g.g.Wait() }

// Apps returns the applications launched so far.
func (g *Group) Apps() []*App {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*App(nil), g.apps...)
}

// Close closes every launched application concurrently, then shuts down the
// shared registries.
func (g *Group) Close() error {
	apps := g.Apps()
	errs := make([]error, len(apps), len(apps)+1)
	var wg sync.WaitGroup
	for i, app := range apps {
		wg.Go(func() { errs[i] = app.Close() })
	}
	wg.Wait()
	if g.registries != nil {
		errs = append(errs, shutdownRegistries(g.registries))
	}
	return errors.Join(errs...)
}
