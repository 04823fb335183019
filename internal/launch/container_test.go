// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/container"
	"github.com/invowk/appscope/internal/scope"
	"github.com/invowk/appscope/internal/testutil"

	"github.com/testcontainers/testcontainers-go"
)

// fakeEngine records runs and blocks until released or cancelled.
type fakeEngine struct {
	mu      sync.Mutex
	runs    []container.RunOptions
	removed []string
	block   bool
	exit    int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Available() bool { return true }

func (f *fakeEngine) Version(context.Context) (string, error) { return "1.0", nil }

func (f *fakeEngine) RunArgs(container.RunOptions) []string { return nil }

func (f *fakeEngine) Run(ctx context.Context, opts container.RunOptions) (*container.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, opts)
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fmt.Fprintf(opts.Stdout, "ran %s\n", opts.Image)
	return &container.RunResult{ExitCode: f.exit}, nil
}

func (f *fakeEngine) Remove(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	f.removed = append(f.removed, name)
	f.mu.Unlock()
	return nil
}

func TestContainerLaunch(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{exit: 2}
	out := &testutil.SyncBuffer{}
	l := &Container{
		Engine:   engine,
		Image:    "debian:stable-slim",
		Command:  []string{"serve"},
		Ports:    []uint16{8080},
		Bindings: binding.NewTable(),
	}
	app, err := l.Launch(t.Context(), Spec{
		Name:       "Billing API",
		Args:       []string{"--verbose"},
		Base:       baseProps(),
		Properties: map[string]string{"GREETING": "hi"},
		Ports:      scope.NewFixedPorts(20001),
		Stdout:     out,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	if res := app.Wait(); res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if got := out.String(); got != "ran debian:stable-slim\n" {
		t.Errorf("stdout = %q", got)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.runs) != 1 {
		t.Fatalf("engine ran %d times, want 1", len(engine.runs))
	}
	opts := engine.runs[0]
	if strings.Join(opts.Command, " ") != "serve --verbose" {
		t.Errorf("Command = %v", opts.Command)
	}
	if len(opts.Env) != 1 || opts.Env["GREETING"] != "hi" {
		t.Errorf("Env = %v, want only the explicit properties", opts.Env)
	}
	if len(opts.Ports) != 1 || opts.Ports[0].HostPort != 20001 || opts.Ports[0].ContainerPort != 8080 {
		t.Errorf("Ports = %+v", opts.Ports)
	}
	if !opts.Remove || opts.Interactive {
		t.Errorf("Remove = %v, Interactive = %v; want true, false", opts.Remove, opts.Interactive)
	}
	if !strings.HasPrefix(opts.Name, "appscope-billing-api-") {
		t.Errorf("Name = %q", opts.Name)
	}

	props := app.Scope().Properties()
	if got := props.Get(PropContainerPortPrefix + "8080"); got != "20001" {
		t.Errorf("published port property = %q, want 20001", got)
	}
	if got := props.Get(PropContainerName); got != opts.Name {
		t.Errorf("container name property = %q, want %q", got, opts.Name)
	}
	if len(engine.removed) != 0 {
		t.Errorf("finished container should not be force-removed, removed %v", engine.removed)
	}
}

func TestContainerCloseRemovesInterrupted(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{block: true}
	l := &Container{Engine: engine, Image: "alpine", Bindings: binding.NewTable()}
	app, err := l.Launch(t.Context(), Spec{Name: "sleeper"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return len(engine.runs) == 1
	}, "container run started")

	if err := app.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.removed) != 1 || engine.removed[0] != engine.runs[0].Name {
		t.Errorf("removed = %v, want [%s]", engine.removed, engine.runs[0].Name)
	}
}

func TestContainerLaunchValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		l    *Container
	}{
		{"no engine", &Container{Image: "alpine"}},
		{"no image", &Container{Engine: &fakeEngine{}}},
		{"bad volume", &Container{Engine: &fakeEngine{}, Image: "alpine", Volumes: []container.VolumeMount{{HostPath: "/tmp"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := tt.l.Launch(t.Context(), Spec{Name: "x"}); !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("err = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestContainerPortExhaustion(t *testing.T) {
	t.Parallel()

	l := &Container{Engine: &fakeEngine{}, Image: "alpine", Ports: []uint16{80, 443}}
	if _, err := l.Launch(t.Context(), Spec{Name: "x", Ports: scope.NewFixedPorts(20002)}); err == nil {
		t.Fatal("Launch should fail when the allocator runs out of ports")
	}
}

func TestContainerName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		app, id, want string
	}{
		{"billing", "0123456789abcdef", "appscope-billing-01234567"},
		{"My App/v2", "abc", "appscope-my-app-v2-abc"},
	}
	for _, tt := range tests {
		if got := containerName(tt.app, tt.id); got != tt.want {
			t.Errorf("containerName(%q, %q) = %q, want %q", tt.app, tt.id, got, tt.want)
		}
	}
}

// checkTestcontainersAvailable reports whether a container provider can be
// reached; the provider probe can panic when no daemon socket exists.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

func TestContainerLaunch_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	engine, err := container.AutoDetectEngine()
	if err != nil {
		t.Skipf("no container engine available: %v", err)
	}
	if !checkTestcontainersAvailable() {
		t.Skip("testcontainers provider not available")
	}

	sem := testutil.ContainerSemaphore()
	sem <- struct{}{}
	defer func() { <-sem }()

	out := &testutil.SyncBuffer{}
	l := &Container{
		Engine:  engine,
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", `echo "$GREETING"`},
	}
	app, err := l.Launch(t.Context(), Spec{
		Name:       "integration",
		Properties: map[string]string{"GREETING": "hello from container"},
		Stdout:     out,
		Stderr:     io.Discard,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	if res := app.Wait(); !res.Success() {
		t.Fatalf("container app failed: %v", res.Err(app.Name()))
	}
	if got := strings.TrimSpace(out.String()); got != "hello from container" {
		t.Errorf("stdout = %q", got)
	}
}
