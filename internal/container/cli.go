// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/invowk/appscope/internal/issue"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type (
	// ExecCommandFunc creates commands; tests replace it to avoid real binaries.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// Option configures a CLI engine.
	Option func(*cliEngine)

	// cliEngine holds what docker and podman share: argument construction and
	// execution of the binary.
	cliEngine struct {
		name        string
		binaryPath  string
		execCommand ExecCommandFunc
		formatMount func(VolumeMount) string
		transform   func([]string) []string
	}
)

// WithExecCommand sets the command constructor.
func WithExecCommand(fn ExecCommandFunc) Option {
	return func(e *cliEngine) { e.execCommand = fn }
}

// WithBinaryPath overrides the binary looked up on PATH.
func WithBinaryPath(path string) Option {
	return func(e *cliEngine) { e.binaryPath = path }
}

func newCLIEngine(name string, opts ...Option) *cliEngine {
	path, _ := exec.LookPath(name)
	e := &cliEngine{
		name:        name,
		binaryPath:  path,
		execCommand: exec.CommandContext,
		formatMount: FormatVolumeMount,
		transform:   func(args []string) []string { return args },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name.
func (e *cliEngine) Name() string { return e.name }

// BinaryPath returns the resolved binary, empty when it was not found.
func (e *cliEngine) BinaryPath() string { return e.binaryPath }

// RunArgs builds the argument list of a run command:
//
//	run [--rm] [--name n] [-w dir] [-i] [-e k=v]... [-v m]... [-p p]... [--add-host h]... image [command...]
func (e *cliEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	if opts.Interactive {
		args = append(args, "-i")
	}

	keys := maps.Keys(opts.Env)
	slices.Sort(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", e.formatMount(v))
	}
	for _, p := range opts.Ports {
		args = append(args, "-p", FormatPortMapping(p))
	}
	for _, h := range opts.ExtraHosts {
		args = append(args, "--add-host", h)
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	return e.transform(args)
}

// RemoveArgs builds the argument list of a container removal.
func (e *cliEngine) RemoveArgs(container string, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return append(args, container)
}

// CreateCommand returns a command running the engine binary with args.
func (e *cliEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// RunCommandStatus runs the binary and reports only its status.
func (e *cliEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	if err := e.CreateCommand(ctx, args...).Run(); err != nil {
		return fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return nil
}

// RunCommandWithOutput runs the binary and returns its standard output.
func (e *cliEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return out.String(), nil
}

func (e *cliEngine) available(versionFormat string) bool {
	if e.binaryPath == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", versionFormat).Run() == nil
}

func (e *cliEngine) version(ctx context.Context, versionFormat string) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", versionFormat)
	if err != nil {
		return "", fmt.Errorf("failed to get %s version: %w", e.name, err)
	}
	return strings.TrimSpace(out), nil
}

// Run runs the container attached to the streams in opts. A non-zero exit
// of the container is reported in RunResult, not as an error.
func (e *cliEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if opts.Image == "" {
		return nil, errors.New("container image is required")
	}
	cmd := e.CreateCommand(ctx, e.RunArgs(opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	err := cmd.Run()
	if err == nil {
		return &RunResult{}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &RunResult{ExitCode: exitErr.ExitCode()}, nil
	}
	return nil, runContainerError(e.name, opts, err)
}

// Remove removes a container.
func (e *cliEngine) Remove(ctx context.Context, container string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveArgs(container, force)...)
}

func runContainerError(engine string, opts RunOptions, cause error) error {
	return issue.NewErrorContext().
		WithOperation("run container").
		WithResource(opts.Image).
		WithSuggestion("Verify the image exists (try: " + engine + " images)").
		WithSuggestion("Check that volume mount paths exist on the host").
		WithSuggestion("Ensure port mappings don't conflict with running services").
		Wrap(cause).
		BuildError()
}
