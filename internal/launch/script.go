// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/isolation"
	"github.com/invowk/appscope/internal/management"
	"github.com/invowk/appscope/internal/scope"

	"github.com/prometheus/client_golang/prometheus"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Script runs a POSIX shell script in the in-process interpreter. The
// script's environment is its Scope's properties and its standard streams
// are the Scope's streams.
//
// Builtins reach the application's Scope and registries:
//
//	getprop KEY            print a property
//	setprop KEY VALUE      store a property
//	registry NAME          request the management registry NAME and print
//	                       its locator, or NAME when it is not served
//	count NAME METRIC      increment counter METRIC in registry NAME
//
// While interception is active, getprop and setprop go through the
// interceptors' property proxy like any other process-wide lookup.
type Script struct {
	Source string
	// Bindings defaults to binding.Global.
	Bindings *binding.Table
	// Interceptors defaults to isolation.Global.
	Interceptors *isolation.ScopeRegistry
}

// Name implements Launcher.
func (l *Script) Name() string { return "script" }

// Launch implements Launcher. Syntax errors are reported here, before a
// Scope is created.
func (l *Script) Launch(ctx context.Context, spec Spec) (*App, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(l.Source), spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	s, d, _, err := newScope(spec)
	if err != nil {
		return nil, err
	}
	reg := l.Interceptors
	if reg == nil {
		reg = isolation.Global()
	}
	return start(ctx, l.Bindings, s, d, spec.Registries, func(ctx context.Context) Result {
		return runScript(ctx, reg, s, prog, spec.Dir, spec.Args)
	}), nil
}

// RunScript runs source in s on the calling goroutine. The registry
// builtins need a Virtualizer carried by ctx.
func RunScript(ctx context.Context, s *scope.Scope, source, dir string, args []string) Result {
	prog, err := syntax.NewParser().Parse(strings.NewReader(source), s.Name())
	if err != nil {
		return Result{ExitCode: 2, Error: fmt.Errorf("failed to parse script: %w", err)}
	}
	return runScript(ctx, isolation.Global(), s, prog, dir, args)
}

func runScript(ctx context.Context, reg *isolation.ScopeRegistry, s *scope.Scope, prog *syntax.File, dir string, args []string) Result {
	if cur, ok := scope.FromContext(ctx); !ok || cur != s {
		ctx = scope.NewContext(ctx, s)
	}
	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(s.Properties().Environ()...)),
		interp.StdIO(s.Stdin(), s.Stdout(), s.Stderr()),
		interp.ExecHandlers(scopeBuiltins(reg, s)),
	}
	if dir != "" {
		opts = append(opts, interp.Dir(dir))
	}
	// "--" keeps arguments such as "-v" from being read as shell options.
	if len(args) > 0 {
		opts = append(opts, interp.Params(append([]string{"--"}, args...)...))
	}

	runner, err := interp.New(opts...)
	if err != nil {
		return Result{ExitCode: 1, Error: fmt.Errorf("failed to create interpreter: %w", err)}
	}

	if err := runner.Run(ctx, prog); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return Result{ExitCode: int(status)}
		}
		return Result{ExitCode: 1, Error: fmt.Errorf("script execution failed: %w", err)}
	}
	return Result{}
}

// scopeProperties is the store the property builtins act on.
func scopeProperties(ctx context.Context, reg *isolation.ScopeRegistry, s *scope.Scope) *scope.Properties {
	if reg.Active() {
		return reg.PropertiesFor(ctx)
	}
	return s.Properties()
}

func scopeBuiltins(reg *isolation.ScopeRegistry, s *scope.Scope) func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			hc := interp.HandlerCtx(ctx)
			switch args[0] {
			case "getprop":
				if len(args) != 2 {
					fmt.Fprintln(hc.Stderr, "usage: getprop KEY")
					return interp.ExitStatus(2)
				}
				v, ok := scopeProperties(ctx, reg, s).Lookup(args[1])
				if !ok {
					return interp.ExitStatus(1)
				}
				fmt.Fprintln(hc.Stdout, v)
				return nil
			case "setprop":
				if len(args) != 3 {
					fmt.Fprintln(hc.Stderr, "usage: setprop KEY VALUE")
					return interp.ExitStatus(2)
				}
				if err := scopeProperties(ctx, reg, s).Set(args[1], args[2]); err != nil {
					fmt.Fprintln(hc.Stderr, "setprop:", err)
					return interp.ExitStatus(1)
				}
				return nil
			case "registry":
				if len(args) != 2 {
					fmt.Fprintln(hc.Stderr, "usage: registry NAME")
					return interp.ExitStatus(2)
				}
				v, h, err := requestRegistry(ctx, args[1])
				if err != nil {
					fmt.Fprintln(hc.Stderr, "registry:", err)
					return interp.ExitStatus(1)
				}
				if ep, ok := v.Endpoint(h.Name()); ok {
					fmt.Fprintln(hc.Stdout, ep.Locator)
				} else {
					fmt.Fprintln(hc.Stdout, h.Name())
				}
				return nil
			case "count":
				if len(args) != 3 {
					fmt.Fprintln(hc.Stderr, "usage: count NAME METRIC")
					return interp.ExitStatus(2)
				}
				_, h, err := requestRegistry(ctx, args[1])
				if err == nil {
					err = incrementCounter(h, args[2])
				}
				if err != nil {
					fmt.Fprintln(hc.Stderr, "count:", err)
					return interp.ExitStatus(1)
				}
				return nil
			default:
				return next(ctx, args)
			}
		}
	}
}

func requestRegistry(ctx context.Context, name string) (*management.Virtualizer, *management.Handle, error) {
	v, ok := management.FromContext(ctx)
	if !ok {
		return nil, nil, errors.New("no management registries available")
	}
	h, err := v.NewRegistry(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return v, h, nil
}

// incrementCounter increments the counter named metric in r, registering it
// on first use.
func incrementCounter(r prometheus.Registerer, metric string) error {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: metric,
		Help: "Incremented by the count builtin.",
	})
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		// Gauges satisfy prometheus.Counter too.
		existing, ok := are.ExistingCollector.(prometheus.Counter)
		if _, gauge := are.ExistingCollector.(prometheus.Gauge); !ok || gauge {
			return fmt.Errorf("metric %q is not a counter", metric)
		}
		c = existing
	}
	c.Inc()
	return nil
}
