// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/invowk/appscope/internal/issue"
)

const (
	// EngineTypePodman selects the podman CLI.
	EngineTypePodman EngineType = "podman"
	// EngineTypeDocker selects the docker CLI.
	EngineTypeDocker EngineType = "docker"
)

var (
	// ErrEngineNotAvailable is wrapped by EngineNotAvailableError.
	ErrEngineNotAvailable = errors.New("container engine not available")
	// ErrInvalidEngineType is returned for unknown engine names.
	ErrInvalidEngineType = errors.New("invalid container engine type")
)

type (
	// Engine runs containers through a container CLI.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available reports whether the engine answers a version probe.
		Available() bool
		// Version returns the server version reported by the engine.
		Version(ctx context.Context) (string, error)
		// Run runs a container and waits for it to exit.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// Remove removes a container by name or id.
		Remove(ctx context.Context, container string, force bool) error
		// RunArgs returns the arguments Run would pass to the binary.
		RunArgs(opts RunOptions) []string
	}

	// EngineType identifies the container engine type.
	EngineType string

	// RunOptions describes a container run.
	RunOptions struct {
		// Image is the image to run.
		Image string
		// Command overrides the image entrypoint arguments.
		Command []string
		// WorkDir is the working directory inside the container.
		WorkDir string
		// Env holds environment variables, emitted in key order.
		Env map[string]string
		// Volumes are bind mounts.
		Volumes []VolumeMount
		// Ports are published ports.
		Ports []PortMapping
		// Remove removes the container when it exits.
		Remove bool
		// Name is the container name.
		Name string
		// Interactive keeps stdin open.
		Interactive bool
		// ExtraHosts are "host:ip" entries.
		ExtraHosts []string

		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// RunResult reports how a container run ended.
	RunResult struct {
		ExitCode int
	}

	// EngineNotAvailableError is returned when no usable engine binary exists.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

// String returns the engine type name.
func (t EngineType) String() string { return string(t) }

// Validate reports whether t names a supported engine.
func (t EngineType) Validate() error {
	switch t {
	case EngineTypeDocker, EngineTypePodman:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEngineType, string(t))
	}
}

func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineNotAvailable for errors.Is.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// NewEngine returns the preferred engine, falling back to the other one when
// the preferred binary is missing or not responding.
func NewEngine(preferred EngineType, opts ...Option) (Engine, error) {
	if err := preferred.Validate(); err != nil {
		return nil, err
	}

	candidates := []Engine{NewDockerEngine(opts...), NewPodmanEngine(opts...)}
	if preferred == EngineTypePodman {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}
	for _, e := range candidates {
		if e.Available() {
			return e, nil
		}
	}
	return nil, notAvailable(preferred.String(),
		fmt.Sprintf("%s is not installed or not accessible, and %s fallback is also not available",
			candidates[0].Name(), candidates[1].Name()))
}

// AutoDetectEngine returns the first available engine, trying podman first.
func AutoDetectEngine(opts ...Option) (Engine, error) {
	for _, e := range []Engine{NewPodmanEngine(opts...), NewDockerEngine(opts...)} {
		if e.Available() {
			return e, nil
		}
	}
	return nil, notAvailable("any", "no container engine (podman or docker) is available on this system")
}

func notAvailable(engine, reason string) error {
	return issue.NewErrorContext().
		WithOperation("select container engine").
		WithResource(engine).
		WithSuggestion("Install docker or podman and make sure it is on PATH").
		WithSuggestion("Set container.engine in the configuration to the engine you have").
		Wrap(&EngineNotAvailableError{Engine: engine, Reason: reason}).
		BuildError()
}
