// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/invowk/appscope/internal/container"
	"github.com/invowk/appscope/internal/isolation"
	"github.com/invowk/appscope/internal/issue"
	"github.com/invowk/appscope/internal/launch"
	"github.com/invowk/appscope/internal/management"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

type (
	runOptions struct {
		props     []string
		propsFile string
		dir       string
		image     string
		noPrefix  bool
	}

	// prefixWriter prefixes every complete line with the application name.
	// Writers created for one run share mu so lines never interleave.
	prefixWriter struct {
		mu     *sync.Mutex
		w      io.Writer
		prefix string
		buf    []byte
	}
)

func newRunCommand(app *App) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run SCRIPT... [-- ARGS...]",
		Short: "Run scripts as isolated applications",
		Long: `Run each script as an application with its own scope.

Scripts run concurrently in the in-process shell interpreter, or in a
container when --image is set. Arguments after -- are passed to every
script. The first application that fails stops the others.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scripts, scriptArgs := args, []string(nil)
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				scripts, scriptArgs = args[:dash], args[dash:]
			}
			if len(scripts) == 0 {
				return errors.New("no scripts given")
			}
			return runScripts(cmd, app, opts, scripts, scriptArgs)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.props, "prop", "p", nil, "property KEY=VALUE for every application (repeatable)")
	cmd.Flags().StringVar(&opts.propsFile, "props-file", "", "TOML file of properties for every application")
	cmd.Flags().StringVarP(&opts.dir, "dir", "C", "", "working directory of the scripts")
	cmd.Flags().StringVar(&opts.image, "image", "", "run the scripts in containers from this image")
	cmd.Flags().BoolVar(&opts.noPrefix, "no-prefix", false, "do not prefix output lines with the application name")
	return cmd
}

func runScripts(cmd *cobra.Command, app *App, opts runOptions, scripts, args []string) error {
	ctx := cmd.Context()
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		renderError(app.stderr, err, issue.ConfigLoadFailedId, app.verbose)
		return &ExitError{Code: 1, Err: err}
	}

	props, err := parseProps(opts.props)
	if err != nil {
		return err
	}

	var engine container.Engine
	if opts.image != "" {
		engine, err = container.NewEngine(container.EngineType(cfg.Container.Engine))
		if err != nil {
			renderError(app.stderr, err, issue.ContainerEngineNotFoundId, app.verbose)
			return &ExitError{Code: 1, Err: err}
		}
	}

	// Code that logs through the default logger from inside an application
	// writes to that application's stderr while interception is active.
	interceptors := isolation.Global()
	interceptors.Start()
	log.SetOutput(interceptors.Stderr())
	defer func() {
		interceptors.Stop()
		log.SetOutput(interceptors.Stderr())
	}()

	registries := management.NewVirtualizer(interceptors.Resolver())
	if err := registries.Install(); err != nil {
		log.Debug("process registries stay unvirtualized", "error", err)
	} else {
		defer registries.Uninstall()
	}

	ports := cfg.PortAllocator()
	names := appNames(scripts)
	var outMu sync.Mutex
	writers := make([]*prefixWriter, 0, 2*len(scripts))

	group := launch.NewGroup(ctx, launch.WithRegistries(registries))
	for i, path := range scripts {
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}

		stdout, stderr := app.stdout, app.stderr
		if !opts.noPrefix {
			prefix := appPrefixStyle(i).Render("["+names[i]+"]") + " "
			pw, pe := newPrefixWriter(&outMu, app.stdout, prefix), newPrefixWriter(&outMu, app.stderr, prefix)
			writers = append(writers, pw, pe)
			stdout, stderr = pw, pe
		}

		spec := launch.Spec{
			Name:           names[i],
			Args:           args,
			Dir:            opts.dir,
			PropertiesFile: opts.propsFile,
			Properties:     props,
			Ports:          ports,
			Stdout:         stdout,
			Stderr:         stderr,
		}
		group.Go(scriptLauncher(engine, opts.image, string(source)), spec)
	}

	waitErr := group.Wait()
	if app.verbose {
		printEndpoints(app.stderr, registries)
	}
	closeErr := group.Close()
	for _, w := range writers {
		w.Flush()
	}
	if closeErr != nil {
		fmt.Fprintln(app.stderr, WarningStyle.Render("Warning: ")+closeErr.Error())
	}
	return runError(app, waitErr, len(scripts))
}

func printEndpoints(w io.Writer, registries *management.Virtualizer) {
	for _, name := range registries.Names() {
		if ep, ok := registries.Endpoint(name); ok {
			fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render("endpoint"), ep.Locator)
		}
	}
}

func scriptLauncher(engine container.Engine, image, source string) launch.Launcher {
	if engine == nil {
		return &launch.Script{Source: source}
	}
	return &launch.Container{
		Engine:  engine,
		Image:   image,
		Command: []string{"sh", "-c", source, "appscope"},
	}
}

// runError maps the group's first failure to an exit code. Applications
// that exited non-zero keep their status; launch failures exit 1.
func runError(app *App, err error, n int) error {
	if err == nil {
		fmt.Fprintln(app.stderr, SuccessStyle.Render(fmt.Sprintf("%d application(s) finished", n)))
		return nil
	}
	var appErr *launch.AppError
	if errors.As(err, &appErr) {
		if appErr.Err != nil {
			renderError(app.stderr, err, issue.AppFailedId, app.verbose)
		}
		return &ExitError{Code: max(appErr.ExitCode, 1), Err: err}
	}
	return &ExitError{Code: 1, Err: err}
}

func parseProps(kvs []string) (map[string]string, error) {
	props := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid property %q: want KEY=VALUE", kv)
		}
		props[k] = v
	}
	return props, nil
}

// appNames derives application names from script file names, numbering
// duplicates.
func appNames(paths []string) []string {
	seen := make(map[string]int, len(paths))
	names := make([]string, len(paths))
	for i, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		seen[name]++
		if n := seen[name]; n > 1 {
			name += "-" + strconv.Itoa(n)
		}
		names[i] = name
	}
	return names
}

func newPrefixWriter(mu *sync.Mutex, w io.Writer, prefix string) *prefixWriter {
	return &prefixWriter{mu: mu, w: w, prefix: prefix}
}

// Write implements io.Writer. Partial lines are held until their newline
// arrives or Flush is called.
func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		if _, err := io.WriteString(p.w, p.prefix+string(p.buf[:i+1])); err != nil {
			return 0, err
		}
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// Flush writes a trailing partial line, if any.
func (p *prefixWriter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) > 0 {
		_, _ = io.WriteString(p.w, p.prefix+string(p.buf)+"\n")
		p.buf = nil
	}
}
