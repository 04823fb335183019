// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/isolation"
	"github.com/invowk/appscope/internal/management"
	"github.com/invowk/appscope/internal/scope"
	"github.com/invowk/appscope/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
)

func TestScriptLaunch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		source   string
		args     []string
		props    map[string]string
		wantOut  string
		wantCode int
	}{
		{
			name:    "environment from properties",
			source:  `echo "$GREETING $BASE"`,
			props:   map[string]string{"GREETING": "hi"},
			wantOut: "hi b\n",
		},
		{
			name:    "positional args",
			source:  `echo "$# $1 $2"`,
			args:    []string{"-v", "two words"},
			wantOut: "2 -v two words\n",
		},
		{
			name:    "getprop",
			source:  `getprop SHARED`,
			wantOut: "base\n",
		},
		{
			name:     "getprop missing",
			source:   `getprop NOPE`,
			wantCode: 1,
		},
		{
			name:    "setprop then getprop",
			source:  `setprop COLOR blue; getprop COLOR`,
			wantOut: "blue\n",
		},
		{
			name:     "exit status",
			source:   `exit 5`,
			wantCode: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := &testutil.SyncBuffer{}
			l := &Script{Source: tt.source, Bindings: binding.NewTable()}
			app, err := l.Launch(t.Context(), Spec{
				Name:       "script",
				Args:       tt.args,
				Base:       baseProps(),
				Properties: tt.props,
				Stdout:     out,
			})
			if err != nil {
				t.Fatalf("Launch: %v", err)
			}
			defer testutil.MustClose(t, app)

			res := app.Wait()
			if res.ExitCode != tt.wantCode {
				t.Errorf("ExitCode = %d, want %d (err %v)", res.ExitCode, tt.wantCode, res.Error)
			}
			if got := out.String(); got != tt.wantOut {
				t.Errorf("stdout = %q, want %q", got, tt.wantOut)
			}
		})
	}
}

func TestScriptSetpropVisibleInScope(t *testing.T) {
	t.Parallel()

	l := &Script{Source: `setprop RESULT done`, Bindings: binding.NewTable()}
	app, err := l.Launch(t.Context(), Spec{Name: "writer", Base: baseProps()})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)
	app.Wait()

	// Reads still work after the scope is closed.
	if got := app.Scope().Properties().Get("RESULT"); got != "done" {
		t.Errorf("RESULT = %q, want done", got)
	}
}

func TestScriptSyntaxError(t *testing.T) {
	t.Parallel()

	l := &Script{Source: `if then fi (`}
	if _, err := l.Launch(t.Context(), Spec{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("err = %v, want a parse failure", err)
	}
}

func TestRunScriptOnCallerGoroutine(t *testing.T) {
	t.Parallel()

	c := testutil.NewCapturedScope(t, "direct", map[string]string{"NAME": "direct"})
	res := RunScript(t.Context(), c.Scope, `echo "$NAME"; echo oops >&2`, "", nil)
	if !res.Success() {
		t.Fatalf("RunScript: %v", res.Err("direct"))
	}
	if got := c.Out.String(); got != "direct\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := c.Err.String(); got != "oops\n" {
		t.Errorf("stderr = %q", got)
	}

	if res := RunScript(t.Context(), c.Scope, `(`, "", nil); res.ExitCode != 2 || res.Error == nil {
		t.Errorf("syntax error result = %+v, want exit 2 with error", res)
	}
}

func TestScriptRejectedWritesAfterClose(t *testing.T) {
	t.Parallel()

	c := testutil.NewCapturedScope(t, "closed", nil)
	c.Close()

	res := RunScript(t.Context(), c.Scope, `echo lost; setprop K V`, "", nil)
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1 from the rejected setprop", res.ExitCode)
	}
	if c.Out.Len() != 0 {
		t.Errorf("closed scope accepted output %q", c.Out.String())
	}
	if _, ok := c.Properties().Lookup("K"); ok {
		t.Error("closed scope accepted a property write")
	}
}

func TestScriptPropertiesThroughInterceptors(t *testing.T) {
	t.Parallel()

	tbl := binding.NewTable()
	physical := scope.New("physical", scope.NewProperties(map[string]string{"ROLE": "physical"}), nil)
	interceptors := isolation.NewScopeRegistry(isolation.NewResolver(tbl), physical)
	interceptors.Start()
	defer interceptors.Stop()

	out := &testutil.SyncBuffer{}
	l := &Script{
		Source:       `getprop ROLE; setprop ROLE follower; getprop ROLE`,
		Bindings:     tbl,
		Interceptors: interceptors,
	}
	app, err := l.Launch(t.Context(), Spec{
		Name:       "intercepted",
		Base:       baseProps(),
		Properties: map[string]string{"ROLE": "leader"},
		Stdout:     out,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	if res := app.Wait(); !res.Success() {
		t.Fatalf("script failed: %v", res.Err(app.Name()))
	}
	if got := out.String(); got != "leader\nfollower\n" {
		t.Errorf("stdout = %q, want the app's own values", got)
	}
	if got := physical.Properties().Get("ROLE"); got != "physical" {
		t.Errorf("physical ROLE = %q, setprop leaked out of the scope", got)
	}
}

func TestScriptRegistryBuiltins(t *testing.T) {
	t.Parallel()

	registries := management.NewVirtualizer(isolation.NewResolver(binding.NewTable()))
	out := &testutil.SyncBuffer{}
	l := &Script{Source: `registry jobs; count jobs runs_total; count jobs runs_total`, Bindings: binding.NewTable()}
	app, err := l.Launch(t.Context(), Spec{Name: "counter", Registries: registries, Stdout: out})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	if res := app.Wait(); !res.Success() {
		t.Fatalf("script failed: %v", res.Err(app.Name()))
	}
	if got := out.String(); got != "jobs\n" {
		t.Errorf("registry printed %q, want the unserved name", got)
	}
	if app.Registries() != registries {
		t.Error("app does not report the registries it was given")
	}

	reg, ok := registries.Lookup("jobs")
	if !ok {
		t.Fatal("registry jobs was not created")
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 1 || families[0].GetName() != "runs_total" || families[0].GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Errorf("gathered %v, want runs_total = 2", families)
	}
}

func TestScriptCountRejectsNonCounter(t *testing.T) {
	t.Parallel()

	registries := management.NewVirtualizer(isolation.NewResolver(binding.NewTable()))
	h, err := registries.NewRegistry(t.Context(), "jobs")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth", Help: "Incremented by the count builtin."}))

	l := &Script{Source: `count jobs depth`, Bindings: binding.NewTable()}
	app, err := l.Launch(t.Context(), Spec{Name: "counter", Registries: registries})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	if res := app.Wait(); res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1 for a gauge", res.ExitCode)
	}
}

func TestRunScriptWithoutRegistries(t *testing.T) {
	t.Parallel()

	c := testutil.NewCapturedScope(t, "bare", nil)
	if res := RunScript(t.Context(), c.Scope, `registry jobs`, "", nil); res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1 without a virtualizer in context", res.ExitCode)
	}
	if !strings.Contains(c.Err.String(), "no management registries") {
		t.Errorf("stderr = %q", c.Err.String())
	}
}

func TestNativeLaunch(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out := &testutil.SyncBuffer{}
	l := &Native{Path: "sh", Bindings: binding.NewTable()}
	app, err := l.Launch(t.Context(), Spec{
		Name:       "native",
		Args:       []string{"-c", `echo "$GREETING"; exit 3`},
		Base:       scope.NewProperties(nil),
		Properties: map[string]string{"GREETING": "from-scope"},
		Stdout:     out,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer testutil.MustClose(t, app)

	res := app.Wait()
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3 (err %v)", res.ExitCode, res.Error)
	}
	if got := out.String(); got != "from-scope\n" {
		t.Errorf("stdout = %q, want from-scope", got)
	}
}

func TestNativeMissingBinary(t *testing.T) {
	t.Parallel()

	l := &Native{Path: "appscope-definitely-not-a-binary"}
	if _, err := l.Launch(t.Context(), Spec{Name: "missing"}); err == nil {
		t.Fatal("Launch of a missing binary should fail")
	}
}
