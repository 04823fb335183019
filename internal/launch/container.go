// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/container"
)

const (
	// PropContainerName holds the name of an application's container.
	PropContainerName = "container.name"
	// PropContainerPortPrefix prefixes the host port published for each
	// container port: "container.port.8080" = "20001".
	PropContainerPortPrefix = "container.port."

	containerRemoveTimeout = 30 * time.Second
)

// Container runs an image through a container engine CLI. Host ports come
// from the Scope's allocator and are published as properties. Only the
// application's own properties, not the inherited base, become the
// container environment.
type Container struct {
	Engine  container.Engine
	Image   string
	Command []string
	// Ports are container ports to publish.
	Ports   []uint16
	Volumes []container.VolumeMount
	// Bindings defaults to binding.Global.
	Bindings *binding.Table
}

// Name implements Launcher.
func (l *Container) Name() string { return "container" }

// Launch implements Launcher.
func (l *Container) Launch(ctx context.Context, spec Spec) (*App, error) {
	if l.Engine == nil || l.Image == "" {
		return nil, fmt.Errorf("%w: container launcher needs an engine and an image", ErrInvalidSpec)
	}
	for _, v := range l.Volumes {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
		}
	}

	s, d, overlay, err := newScope(spec)
	if err != nil {
		return nil, err
	}

	name := containerName(spec.Name, s.ID().String())
	ports := make([]container.PortMapping, 0, len(l.Ports))
	for _, cp := range l.Ports {
		hp, err := s.Ports().Next()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("allocate host port for %d: %w", cp, err)
		}
		ports = append(ports, container.PortMapping{HostPort: uint16(hp), ContainerPort: cp})
	}
	// The scope is new and open, so these writes cannot fail.
	_ = s.Properties().Set(PropContainerName, name)
	for _, p := range ports {
		_ = s.Properties().Set(PropContainerPortPrefix+strconv.Itoa(int(p.ContainerPort)), strconv.Itoa(int(p.HostPort)))
	}

	opts := container.RunOptions{
		Image:       l.Image,
		Command:     append(append([]string(nil), l.Command...), spec.Args...),
		WorkDir:     spec.Dir,
		Env:         overlay,
		Volumes:     l.Volumes,
		Ports:       ports,
		Remove:      true,
		Name:        name,
		Interactive: spec.Stdin != nil,
		Stdin:       s.Stdin(),
		Stdout:      s.Stdout(),
		Stderr:      s.Stderr(),
	}

	var interrupted atomic.Bool
	app := start(ctx, l.Bindings, s, d, spec.Registries, func(ctx context.Context) Result {
		res, err := l.Engine.Run(ctx, opts)
		if ctx.Err() != nil {
			interrupted.Store(true)
		}
		if err != nil {
			return Result{ExitCode: 1, Error: err}
		}
		return Result{ExitCode: res.ExitCode}
	})

	// Killing the CLI leaves the container running; remove it explicitly.
	app.onClose(func() error {
		if !interrupted.Load() {
			return nil
		}
		rctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
		defer cancel()
		if err := container.RemoveWithRetry(rctx, l.Engine, name); err != nil {
			slog.Warn("container cleanup failed", "container", name, "error", err)
		}
		return nil
	})
	return app, nil
}

// containerName derives a name valid for docker and podman.
func containerName(app, id string) string {
	var b strings.Builder
	b.WriteString("appscope-")
	for _, r := range strings.ToLower(app) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if len(id) > 8 {
		id = id[:8]
	}
	b.WriteString("-")
	b.WriteString(id)
	return b.String()
}
