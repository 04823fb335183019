// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/invowk/appscope/internal/core/serverbase"
	"github.com/invowk/appscope/internal/launch"
	"github.com/invowk/appscope/internal/scope"
	"github.com/invowk/appscope/internal/testutil"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Base = scope.NewProperties(map[string]string{"AGENT_BASE": "base-value"})
	srv := New(cfg)
	if err := srv.Start(t.Context()); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	t.Cleanup(func() { testutil.MustStop(t, srv) })
	return srv
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	srv := New(DefaultConfig())

	token, err := srv.GenerateToken("billing")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if len(token.Value) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token.Value))
	}
	if token.App != "billing" {
		t.Errorf("App = %q, want %q", token.App, "billing")
	}
	if !token.ExpiresAt.After(token.CreatedAt) {
		t.Error("token should expire after it was created")
	}

	other, err := srv.GenerateToken("billing")
	if err != nil {
		t.Fatalf("Failed to generate second token: %v", err)
	}
	if other.Value == token.Value {
		t.Error("tokens should be unique")
	}
}

func TestValidateToken(t *testing.T) {
	t.Parallel()

	srv := New(DefaultConfig())
	token, err := srv.GenerateToken("billing")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	tests := []struct {
		name  string
		value TokenValue
		want  bool
	}{
		{"issued", token.Value, true},
		{"unknown", "not-a-token", false},
		{"empty", "", false},
		{"whitespace", "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := srv.ValidateToken(tt.value)
			if ok != tt.want {
				t.Fatalf("ValidateToken(%q) ok = %v, want %v", tt.value, ok, tt.want)
			}
			if ok && got.App != "billing" {
				t.Errorf("App = %q, want billing", got.App)
			}
		})
	}
}

func TestRevokeToken(t *testing.T) {
	t.Parallel()

	srv := New(DefaultConfig())
	token, err := srv.GenerateToken("billing")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	srv.RevokeToken(token.Value)
	if _, ok := srv.ValidateToken(token.Value); ok {
		t.Error("revoked token should be invalid")
	}
}

func TestRevokeTokensForApp(t *testing.T) {
	t.Parallel()

	srv := New(DefaultConfig())
	a1, _ := srv.GenerateToken("billing")
	a2, _ := srv.GenerateToken("billing")
	b, _ := srv.GenerateToken("orders")

	srv.RevokeTokensForApp("billing")

	for _, v := range []TokenValue{a1.Value, a2.Value} {
		if _, ok := srv.ValidateToken(v); ok {
			t.Errorf("token %s for billing should be revoked", v)
		}
	}
	if _, ok := srv.ValidateToken(b.Value); !ok {
		t.Error("token for orders should remain valid")
	}
}

func TestExpiredToken(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TokenTTL = time.Hour
	clock := testutil.NewFakeClock(time.Time{})
	srv := NewWithClock(cfg, clock)

	token, err := srv.GenerateToken("billing")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, ok := srv.ValidateToken(token.Value); !ok {
		t.Fatal("token should be valid immediately after creation")
	}

	clock.Advance(cfg.TokenTTL + time.Millisecond)
	if _, ok := srv.ValidateToken(token.Value); ok {
		t.Error("expired token should be invalid")
	}
}

func TestSweepTokensRemovesExpired(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.TokenTTL = time.Minute
	clock := testutil.NewFakeClock(time.Time{})
	srv := NewWithClock(cfg, clock)

	old, _ := srv.GenerateToken("old")
	clock.Advance(2 * time.Minute)
	fresh, _ := srv.GenerateToken("fresh")

	srv.sweepTokens()

	srv.tokenMu.RLock()
	_, hasOld := srv.tokens[old.Value]
	_, hasFresh := srv.tokens[fresh.Value]
	srv.tokenMu.RUnlock()
	if hasOld {
		t.Error("expired token should be swept")
	}
	if !hasFresh {
		t.Error("live token should survive the sweep")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty host", func(c *Config) { c.Host = " " }, true},
		{"negative port", func(c *Config) { c.Port = -1 }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"negative ttl", func(c *Config) { c.TokenTTL = -time.Second }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSSHConfig) {
				t.Errorf("error %v should wrap ErrInvalidSSHConfig", err)
			}
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()

	srv := New(DefaultConfig())
	if srv.State() != serverbase.StateIdle {
		t.Fatalf("initial state = %s, want idle", srv.State())
	}
	if _, err := srv.GetConnectionInfo("billing"); !errors.Is(err, ErrNotServing) {
		t.Errorf("GetConnectionInfo before start: err = %v, want ErrNotServing", err)
	}

	if err := srv.Start(t.Context()); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if srv.State() != serverbase.StateServing {
		t.Errorf("state after Start = %s, want serving", srv.State())
	}
	if srv.Port() == 0 {
		t.Error("Port should be assigned after Start")
	}
	if srv.HostKey() == nil {
		t.Error("HostKey should be set after Start")
	}

	if err := srv.Start(t.Context()); !errors.Is(err, serverbase.ErrAlreadyStarted) {
		t.Errorf("second Start: err = %v, want ErrAlreadyStarted", err)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if srv.State() != serverbase.StateStopped {
		t.Errorf("state after Stop = %s, want stopped", srv.State())
	}
	if err := srv.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	srv := New(DefaultConfig())
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop on idle server: %v", err)
	}
	if srv.State() != serverbase.StateStopped {
		t.Errorf("state = %s, want stopped", srv.State())
	}
}

func TestStartWithCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := New(DefaultConfig())
	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start with cancelled context should fail")
	}
	if srv.State() != serverbase.StateFailed {
		t.Errorf("state = %s, want failed", srv.State())
	}
}

func TestStartOnUsedPortFails(t *testing.T) {
	t.Parallel()

	var lc net.ListenConfig
	l, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer testutil.MustClose(t, l)

	cfg := DefaultConfig()
	cfg.Port = l.Addr().(*net.TCPAddr).Port
	srv := New(cfg)
	if err := srv.Start(t.Context()); err == nil {
		testutil.MustStop(t, srv)
		t.Fatal("Start on a used port should fail")
	}
	if srv.State() != serverbase.StateFailed {
		t.Errorf("state = %s, want failed", srv.State())
	}
}

func TestGetConnectionInfo(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	info, err := srv.GetConnectionInfo("billing")
	if err != nil {
		t.Fatalf("GetConnectionInfo: %v", err)
	}
	if info.Port != srv.Port() {
		t.Errorf("Port = %d, want %d", info.Port, srv.Port())
	}
	if info.User != DefaultUser {
		t.Errorf("User = %q, want %q", info.User, DefaultUser)
	}
	if _, ok := srv.ValidateToken(info.Token); !ok {
		t.Error("issued token should validate")
	}
	if info.HostKey == nil {
		t.Error("HostKey should be set")
	}
}

func TestSessionRunsScriptInScope(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	info, err := srv.GetConnectionInfo("billing")
	if err != nil {
		t.Fatalf("GetConnectionInfo: %v", err)
	}

	out := &testutil.SyncBuffer{}
	l := &launch.SSH{
		Addr:    info.Addr(),
		Config:  info.ClientConfig(),
		Command: `echo "$GREETING"; getprop AGENT_BASE; echo`,
	}
	app, err := l.Launch(t.Context(), launch.Spec{
		Name:       "client",
		Args:       []string{"it's an arg"},
		Properties: map[string]string{"GREETING": "hello"},
		Stdout:     out,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	res := app.Wait()
	if !res.Success() {
		t.Fatalf("remote app failed: %v", res.Err(app.Name()))
	}
	want := "hello\nbase-value\nit's an arg\n"
	if got := out.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestSessionExitCode(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	info, err := srv.GetConnectionInfo("billing")
	if err != nil {
		t.Fatalf("GetConnectionInfo: %v", err)
	}

	l := &launch.SSH{Addr: info.Addr(), Config: info.ClientConfig(), Command: "exit 3"}
	app, err := l.Launch(t.Context(), launch.Spec{Name: "client"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	if res := app.Wait(); res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3 (err %v)", res.ExitCode, res.Error)
	}
}

func TestSessionsShareAgentRegistries(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	info, err := srv.GetConnectionInfo("billing")
	if err != nil {
		t.Fatalf("GetConnectionInfo: %v", err)
	}

	for range 2 {
		l := &launch.SSH{Addr: info.Addr(), Config: info.ClientConfig(), Command: "count jobs sessions_total"}
		app, err := l.Launch(t.Context(), launch.Spec{Name: "client"})
		if err != nil {
			t.Fatalf("Launch: %v", err)
		}
		res := app.Wait()
		testutil.MustClose(t, app)
		if !res.Success() {
			t.Fatalf("remote count failed: %v", res.Err(app.Name()))
		}
	}

	reg, ok := srv.Registries().Lookup("jobs")
	if !ok {
		t.Fatal("sessions did not create the jobs registry on the agent")
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 1 || families[0].GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Errorf("gathered %v, want sessions_total = 2", families)
	}
}

func TestSessionRejectsBadToken(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	info, err := srv.GetConnectionInfo("billing")
	if err != nil {
		t.Fatalf("GetConnectionInfo: %v", err)
	}
	srv.RevokeToken(info.Token)

	l := &launch.SSH{Addr: info.Addr(), Config: info.ClientConfig(), Command: "true"}
	_, err = l.Launch(t.Context(), launch.Spec{Name: "client"})
	if err == nil {
		t.Fatal("Launch with a revoked token should fail")
	}
	if !strings.Contains(err.Error(), "handshake") {
		t.Errorf("error = %v, want a handshake failure", err)
	}
}
