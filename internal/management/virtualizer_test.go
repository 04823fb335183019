// SPDX-License-Identifier: MPL-2.0

package management

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/isolation"
	"github.com/invowk/appscope/internal/scope"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"
)

// newTestVirtualizer returns a Virtualizer that resolves scopes only from the
// context, plus a cleanup that stops its directories.
func newTestVirtualizer(t *testing.T) *Virtualizer {
	t.Helper()
	v := NewVirtualizer(isolation.NewResolver(binding.NewTable()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return v
}

func scopedContext(props map[string]string, opts ...scope.Option) (context.Context, *scope.Scope) {
	opts = append(opts, scope.WithProperties(props))
	s := scope.New("app", nil, nil, opts...)
	return scope.NewContext(context.Background(), s), s
}

func TestHandlesShareRegistryByName(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	ctx, _ := scopedContext(nil)

	h1, err := v.NewRegistry(ctx, "metrics")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h2, err := v.NewRegistry(ctx, "metrics")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	other, err := v.NewRegistry(ctx, "other")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "requests_total", Help: "requests"})
	if err := h1.Register(counter); err != nil {
		t.Fatalf("Register: %v", err)
	}
	counter.Add(3)

	mfs, err := h2.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) != 1 || mfs[0].GetName() != "requests_total" || mfs[0].GetMetric()[0].GetCounter().GetValue() != 3 {
		t.Errorf("second handle did not observe the first handle's registration: %v", mfs)
	}

	mfs, err = other.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) != 0 {
		t.Errorf("independent registry observed %d families", len(mfs))
	}

	if got := v.Names(); len(got) != 2 || got[0] != "metrics" || got[1] != "other" {
		t.Errorf("Names() = %v", got)
	}
}

func TestReplaceIsObservedByExistingHandles(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	ctx, _ := scopedContext(nil)
	h, err := v.NewRegistry(ctx, "metrics")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	replacement := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "replaced", Help: "replaced"})
	replacement.MustRegister(gauge)
	if err := v.Replace("metrics", replacement); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	if reg, _ := h.Registry(); reg != replacement {
		t.Error("handle still points at the original registry")
	}
	mfs, err := h.Gather()
	if err != nil || len(mfs) != 1 || mfs[0].GetName() != "replaced" {
		t.Errorf("Gather after Replace = %v, %v", mfs, err)
	}
}

func TestConcurrentNewRegistryCreatesOnce(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	ctx, _ := scopedContext(nil)

	var wg sync.WaitGroup
	regs := make([]*prometheus.Registry, 32)
	for i := range regs {
		wg.Go(func() {
			h, err := v.NewRegistry(ctx, "shared")
			if err != nil {
				t.Errorf("NewRegistry: %v", err)
				return
			}
			regs[i], _ = h.Registry()
		})
	}
	wg.Wait()

	for i, reg := range regs {
		if reg != regs[0] {
			t.Fatalf("goroutine %d saw a different registry", i)
		}
	}
}

func TestBuilderSelectedByScope(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	ctx, _ := scopedContext(nil, scope.WithRegistryBuilder(BuilderRuntime))
	h, err := v.NewRegistry(ctx, "runtime")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	mfs, err := h.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "go_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("runtime builder registry has no Go collector metrics")
	}

	ctx, _ = scopedContext(nil, scope.WithRegistryBuilder("missing"))
	if _, err := v.NewRegistry(ctx, "unknown"); !errors.Is(err, ErrUnknownBuilder) || !errors.Is(err, ErrConfiguration) {
		t.Errorf("unknown builder error = %v", err)
	}
	if _, ok := v.Lookup("unknown"); ok {
		t.Error("failed creation must not store a registry")
	}
}

func TestRemoteEndpointWithAnyPort(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	ctx, s := scopedContext(map[string]string{
		PropRemoteEnabled: "true",
		PropRemoteHost:    "127.0.0.1",
		PropRemotePort:    "any",
	})

	h, err := v.NewRegistry(ctx, "metrics")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ep, ok := v.Endpoint("metrics")
	if !ok {
		t.Fatal("no endpoint provisioned")
	}
	if ep.Port == 0 || !ep.Listening() {
		t.Fatalf("endpoint port %d listening=%t", ep.Port, ep.Listening())
	}

	loc := s.Properties().Get(PropRemoteLocator)
	if loc != s.Properties().Get(PropRemoteLocator+".metrics") || loc != ep.Locator {
		t.Errorf("published locators disagree: %q, %q", loc, ep.Locator)
	}
	host, port, name, err := ParseLocator(loc)
	if err != nil || host != "127.0.0.1" || port != ep.Port || name != "metrics" {
		t.Errorf("ParseLocator(%q) = %q, %d, %q, %v", loc, host, port, name, err)
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		t.Fatalf("published port is not listening: %v", err)
	}
	_ = conn.Close()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "hits_total", Help: "hits"})
	h.MustRegister(counter)
	counter.Inc()
	body := httpGet(t, ep.URL(), "", "", http.StatusOK)
	if !strings.Contains(body, "hits_total 1") {
		t.Errorf("metrics body missing counter:\n%s", body)
	}
	index := httpGet(t, "http://"+net.JoinHostPort(host, strconv.Itoa(port))+"/", "", "", http.StatusOK)
	if strings.TrimSpace(index) != loc {
		t.Errorf("index = %q, want %q", index, loc)
	}

	again, err := v.NewRegistry(ctx, "metrics")
	if err != nil {
		t.Fatalf("second NewRegistry: %v", err)
	}
	r1, _ := h.Registry()
	r2, _ := again.Registry()
	if r1 != r2 {
		t.Error("second request returned a different registry")
	}
	if ep2, _ := v.Endpoint("metrics"); ep2 != ep {
		t.Error("second request created a second endpoint")
	}
	if len(v.dirs.dirs) != 1 {
		t.Errorf("%d directories running, want 1", len(v.dirs.dirs))
	}
}

func TestFailedProvisioningStopsDirectory(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	ctx, s := scopedContext(map[string]string{
		PropRemoteEnabled: "true",
		PropRemoteHost:    "127.0.0.1",
		PropRemotePort:    "any",
	})
	s.Close()

	_, err := v.NewRegistry(ctx, "metrics")
	var epErr *EndpointError
	if !errors.As(err, &epErr) || !errors.Is(err, scope.ErrClosed) {
		t.Fatalf("NewRegistry on closed scope = %v, want EndpointError wrapping ErrClosed", err)
	}
	if n := v.dirs.len(); n != 0 {
		t.Errorf("%d directories still running after failed provisioning", n)
	}
	if _, ok := v.Lookup("metrics"); ok {
		t.Error("registry stored despite failed provisioning")
	}
}

func TestRegistriesShareDirectoryPort(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	port, err := scope.EphemeralPorts{}.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	props := map[string]string{
		PropRemoteEnabled: "true",
		PropRemoteHost:    "127.0.0.1",
		PropRemotePort:    strconv.Itoa(port),
	}
	ctx, s := scopedContext(props)

	for _, name := range []string{"alpha", "beta"} {
		if _, err := v.NewRegistry(ctx, name); err != nil {
			t.Fatalf("NewRegistry(%s): %v", name, err)
		}
	}
	a, _ := v.Endpoint("alpha")
	b, _ := v.Endpoint("beta")
	if a.Port != port || b.Port != port {
		t.Errorf("endpoint ports = %d, %d, want %d", a.Port, b.Port, port)
	}
	if len(v.dirs.dirs) != 1 {
		t.Errorf("%d directories for one port", len(v.dirs.dirs))
	}
	if got := s.Properties().Get(PropRemoteLocator); got != b.Locator {
		t.Errorf("latest locator = %q, want %q", got, b.Locator)
	}
	index := httpGet(t, "http://"+net.JoinHostPort("127.0.0.1", strconv.Itoa(port))+"/", "", "", http.StatusOK)
	if index != a.Locator+"\n"+b.Locator+"\n" {
		t.Errorf("index = %q", index)
	}
}

func TestPortOwnedElsewhereIsFatal(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	v := newTestVirtualizer(t)
	ctx, _ := scopedContext(map[string]string{
		PropRemoteEnabled: "true",
		PropRemoteHost:    "127.0.0.1",
		PropRemotePort:    strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
	})
	_, err = v.NewRegistry(ctx, "metrics")
	if !errors.Is(err, ErrEndpoint) {
		t.Fatalf("NewRegistry = %v, want ErrEndpoint", err)
	}
	var epErr *EndpointError
	if !errors.As(err, &epErr) || epErr.Op != "listen" {
		t.Errorf("endpoint error = %#v", epErr)
	}
	if _, ok := v.Lookup("metrics"); ok {
		t.Error("registry stored despite endpoint failure")
	}
}

func TestMalformedRemotePropertiesAreFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		props map[string]string
		key   string
	}{
		{"enabled not bool", map[string]string{PropRemoteEnabled: "sometimes"}, PropRemoteEnabled},
		{"port not number", map[string]string{PropRemoteEnabled: "true", PropRemotePort: "http"}, PropRemotePort},
		{"port out of range", map[string]string{PropRemoteEnabled: "true", PropRemotePort: "70000"}, PropRemotePort},
		{"auth without user", map[string]string{PropRemoteEnabled: "true", PropRemotePort: "any", PropRemoteAuthenticate: "true"}, PropRemoteUser},
		{"auth bad hash", map[string]string{
			PropRemoteEnabled: "true", PropRemotePort: "any", PropRemoteAuthenticate: "true",
			PropRemoteUser: "ops", PropRemotePasswordHash: "plaintext",
		}, PropRemotePasswordHash},
		{"ssl missing cert", map[string]string{PropRemoteEnabled: "true", PropRemotePort: "any", PropRemoteSSL: "true"}, PropRemoteSSLCert},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := newTestVirtualizer(t)
			tt.props[PropRemoteHost] = "127.0.0.1"
			ctx, _ := scopedContext(tt.props)
			_, err := v.NewRegistry(ctx, "metrics")

			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) || !errors.Is(err, ErrConfiguration) {
				t.Fatalf("NewRegistry = %v, want ConfigurationError", err)
			}
			if cfgErr.Key != tt.key {
				t.Errorf("error key = %q, want %q", cfgErr.Key, tt.key)
			}
			if len(v.Names()) != 0 {
				t.Errorf("registry stored despite configuration error")
			}
		})
	}
}

func TestDisabledVetoesRemote(t *testing.T) {
	t.Parallel()

	v := newTestVirtualizer(t)
	ctx, s := scopedContext(map[string]string{
		PropRemoteEnabled:  "true",
		PropRemoteDisabled: "true",
		PropRemotePort:     "any",
	})
	if _, err := v.NewRegistry(ctx, "metrics"); err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := v.Endpoint("metrics"); ok {
		t.Error("endpoint provisioned despite veto")
	}
	if _, ok := s.Properties().Lookup(PropRemoteLocator); ok {
		t.Error("locator published despite veto")
	}
}

func TestBasicAuthGuardsMetrics(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	v := newTestVirtualizer(t)
	ctx, _ := scopedContext(map[string]string{
		PropRemoteEnabled:      "true",
		PropRemoteHost:         "127.0.0.1",
		PropRemotePort:         "any",
		PropRemoteAuthenticate: "true",
		PropRemoteUser:         "ops",
		PropRemotePasswordHash: string(hash),
	})
	if _, err := v.NewRegistry(ctx, "secure"); err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	ep, _ := v.Endpoint("secure")
	if !ep.Auth {
		t.Error("endpoint does not report authentication")
	}

	httpGet(t, ep.URL(), "", "", http.StatusUnauthorized)
	httpGet(t, ep.URL(), "ops", "wrong", http.StatusUnauthorized)
	httpGet(t, ep.URL(), "ops", "s3cret", http.StatusOK)
}

func TestInstallRestoresPreviousBuilder(t *testing.T) {
	// Mutates the process-wide builder selection.
	v := newTestVirtualizer(t)
	before := ActiveBuilder()

	if err := v.Install(); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := v.Install(); err != nil {
		t.Errorf("second Install: %v", err)
	}
	if ActiveBuilder() != BuilderVirtual {
		t.Errorf("ActiveBuilder() = %q while installed", ActiveBuilder())
	}
	if err := NewVirtualizer(nil).Install(); err == nil {
		t.Error("installing a second virtualizer should fail")
	}
	if err := SetActiveBuilder(BuilderPedantic); err == nil {
		t.Error("SetActiveBuilder should fail while installed")
	}

	ctx, _ := scopedContext(nil)
	reg, err := NewProcessRegistry(ctx)
	if err != nil {
		t.Fatalf("NewProcessRegistry: %v", err)
	}
	if h, ok := reg.(*Handle); !ok || h.Name() != DefaultDomain {
		t.Errorf("NewProcessRegistry returned %T while installed", reg)
	}

	v.Uninstall()
	v.Uninstall()
	if ActiveBuilder() != before {
		t.Errorf("ActiveBuilder() = %q after Uninstall, want %q", ActiveBuilder(), before)
	}
	reg, err = NewProcessRegistry(ctx)
	if err != nil {
		t.Fatalf("NewProcessRegistry: %v", err)
	}
	if _, ok := reg.(*prometheus.Registry); !ok {
		t.Errorf("NewProcessRegistry returned %T after Uninstall", reg)
	}
}

func TestRegisterBuilder(t *testing.T) {
	t.Parallel()

	custom := prometheus.NewRegistry()
	if err := RegisterBuilder("test-custom", func(*scope.Scope) (*prometheus.Registry, error) {
		return custom, nil
	}); err != nil {
		t.Fatalf("RegisterBuilder: %v", err)
	}
	if err := RegisterBuilder(BuilderVirtual, func(*scope.Scope) (*prometheus.Registry, error) { return nil, nil }); err == nil {
		t.Error("registering the virtual key should fail")
	}
	if err := RegisterBuilder("nil-func", nil); err == nil {
		t.Error("registering a nil builder should fail")
	}

	v := newTestVirtualizer(t)
	ctx, _ := scopedContext(nil, scope.WithRegistryBuilder("test-custom"))
	h, err := v.NewRegistry(ctx, "custom")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if reg, _ := h.Registry(); reg != custom {
		t.Error("custom builder was not used")
	}

	for _, key := range []string{BuilderStandard, BuilderPedantic, BuilderRuntime, "test-custom"} {
		if _, ok := LookupBuilder(key); !ok {
			t.Errorf("LookupBuilder(%q) missing", key)
		}
	}
}

func TestHandleWithoutEntry(t *testing.T) {
	t.Parallel()

	h := &Handle{v: newTestVirtualizer(t), name: "ghost"}
	if _, err := h.Gather(); !errors.Is(err, ErrNoRegistry) {
		t.Errorf("Gather = %v, want ErrNoRegistry", err)
	}
	if h.Unregister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "g", Help: "g"})) {
		t.Error("Unregister on a missing entry should report false")
	}
}

func httpGet(t *testing.T, url, user, pass string, want int) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != want {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, want)
	}
	return string(body)
}
