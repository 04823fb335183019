// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/invowk/appscope/internal/issue"
	"github.com/invowk/appscope/internal/scope"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// AppName is the application name.
	AppName = "appscope"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment overrides, e.g. APPSCOPE_AGENT_PORT.
	EnvPrefix = "APPSCOPE"

	maxConfigFileSize = 1 << 20
	propertiesKey     = "properties"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the appscope configuration directory: %APPDATA% on
// Windows, ~/Library/Application Support on macOS, $XDG_CONFIG_HOME
// (default ~/.config) elsewhere.
//
//nolint:revive // ConfigDir reads better than Dir at call sites
func ConfigDir() (string, error) {
	if dir := configDirOverride.Load(); dir != nil && *dir != "" {
		return *dir, nil
	}

	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, AppName), nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Properties: map[string]string{},
		Ports:      PortsConfig{Mode: PortModeEphemeral, Base: scope.DefaultPortBase},
		Management: ManagementConfig{Remote: RemoteConfig{Bind: "127.0.0.1"}},
		Agent: AgentConfig{
			Host:     "127.0.0.1",
			Port:     0,
			TokenTTL: time.Hour,
		},
		Container: ContainerConfig{Engine: ContainerEngineDocker},
	}
}

// loadWithOptions loads defaults, then the CUE file, then environment
// overrides. It keeps no package-level state.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", fmt.Errorf("load config canceled: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolveConfigPath(opts)
	if err != nil {
		return nil, "", err
	}

	var props map[string]string
	if path != "" {
		props, err = loadCUEIntoViper(v, path)
		if err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the values match the schema shown by 'appscope config show --schema'").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Properties = props
	if cfg.Properties == nil {
		cfg.Properties = map[string]string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Check APPSCOPE_* environment overrides as well as the file").
			Wrap(err).
			BuildError()
	}
	return &cfg, path, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("ports.mode", string(d.Ports.Mode))
	v.SetDefault("ports.base", d.Ports.Base)
	v.SetDefault("management.remote.enabled", d.Management.Remote.Enabled)
	v.SetDefault("management.remote.host", d.Management.Remote.Host)
	v.SetDefault("management.remote.bind", d.Management.Remote.Bind)
	v.SetDefault("management.remote.port", d.Management.Remote.Port)
	v.SetDefault("management.remote.authenticate", d.Management.Remote.Authenticate)
	v.SetDefault("management.remote.user", d.Management.Remote.User)
	v.SetDefault("management.remote.password_hash", d.Management.Remote.PasswordHash)
	v.SetDefault("management.remote.ssl", d.Management.Remote.SSL)
	v.SetDefault("management.remote.ssl_cert", d.Management.Remote.SSLCert)
	v.SetDefault("management.remote.ssl_key", d.Management.Remote.SSLKey)
	v.SetDefault("agent.host", d.Agent.Host)
	v.SetDefault("agent.port", d.Agent.Port)
	v.SetDefault("agent.token_ttl", d.Agent.TokenTTL)
	v.SetDefault("container.engine", string(d.Container.Engine))
}

// resolveConfigPath returns the file to load, or "" when none exists. An
// explicit path that does not exist is an error.
func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'appscope config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	name := ConfigFileName + "." + ConfigFileExt
	for _, candidate := range []string{filepath.Join(dir, name), name} {
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", nil
}

// loadCUEIntoViper validates the file at path against #Config and merges it
// into v. The properties section is returned separately: Viper lowercases
// keys and splits them on dots, which would mangle property names.
func loadCUEIntoViper(v *viper.Viper, path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigFileSize {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", len(data), maxConfigFileSize)
	}

	cctx := cuecontext.New()
	schemaValue := cctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}
	userValue := cctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return nil, formatCUEError(userValue.Err())
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return nil, formatCUEError(err)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return nil, formatCUEError(err)
	}

	var props map[string]string
	if raw, ok := configMap[propertiesKey]; ok {
		props = make(map[string]string)
		if m, ok := raw.(map[string]any); ok {
			for k, val := range m {
				props[k] = fmt.Sprint(val)
			}
		}
		delete(configMap, propertiesKey)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return props, nil
}

// formatCUEError flattens CUE's multi-error into one line per problem with
// its position.
func formatCUEError(err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return err
	}
	msgs := make([]string, 0, len(list))
	for _, e := range list {
		msg := e.Error()
		if pos := e.Position(); pos.IsValid() {
			msg = pos.String() + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return errors.New(strings.Join(msgs, "\n"))
}

// PhysicalProperties returns the entries Apply overlays onto the physical
// scope: the properties section plus every non-zero management default under
// its management.remote.* key.
func (c *Config) PhysicalProperties() map[string]string {
	out := maps.Clone(c.Properties)
	if out == nil {
		out = make(map[string]string)
	}
	r := c.Management.Remote
	put := func(key, val string) {
		if val != "" {
			out[key] = val
		}
	}
	putBool := func(key string, val bool) {
		if val {
			out[key] = strconv.FormatBool(val)
		}
	}
	putBool("management.remote.enabled", r.Enabled)
	put("management.remote.host", r.Host)
	put("management.remote.bind", r.Bind)
	put("management.remote.port", r.Port)
	putBool("management.remote.authenticate", r.Authenticate)
	put("management.remote.user", r.User)
	put("management.remote.password.hash", r.PasswordHash)
	putBool("management.remote.ssl", r.SSL)
	put("management.remote.ssl.cert", r.SSLCert)
	put("management.remote.ssl.key", r.SSLKey)
	return out
}

// PortAllocator returns the allocator selected by the ports section.
func (c *Config) PortAllocator() scope.PortAllocator {
	if c.Ports.Mode == PortModeSequential {
		return scope.NewSequentialPorts(c.Ports.Base)
	}
	return scope.EphemeralPorts{}
}

// Apply seeds the physical scope from cfg. Scopes created afterwards copy
// the seeded properties.
func Apply(cfg *Config) {
	scope.ConfigurePhysical(cfg.PhysicalProperties())
}

// GenerateCUE renders cfg as a config.cue document.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// appscope configuration\n\n")

	if len(cfg.Properties) > 0 {
		sb.WriteString("properties: {\n")
		keys := maps.Keys(cfg.Properties)
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "\t%q: %q\n", k, cfg.Properties[k])
		}
		sb.WriteString("}\n\n")
	}

	sb.WriteString("ports: {\n")
	fmt.Fprintf(&sb, "\tmode: %q\n", cfg.Ports.Mode)
	fmt.Fprintf(&sb, "\tbase: %d\n", cfg.Ports.Base)
	sb.WriteString("}\n\n")

	r := cfg.Management.Remote
	sb.WriteString("management: remote: {\n")
	fmt.Fprintf(&sb, "\tenabled: %t\n", r.Enabled)
	for _, f := range []struct{ name, val string }{
		{"host", r.Host}, {"bind", r.Bind}, {"port", r.Port},
		{"user", r.User}, {"password_hash", r.PasswordHash},
		{"ssl_cert", r.SSLCert}, {"ssl_key", r.SSLKey},
	} {
		if f.val != "" {
			fmt.Fprintf(&sb, "\t%s: %q\n", f.name, f.val)
		}
	}
	fmt.Fprintf(&sb, "\tauthenticate: %t\n", r.Authenticate)
	fmt.Fprintf(&sb, "\tssl: %t\n", r.SSL)
	sb.WriteString("}\n\n")

	sb.WriteString("agent: {\n")
	fmt.Fprintf(&sb, "\thost: %q\n", cfg.Agent.Host)
	fmt.Fprintf(&sb, "\tport: %d\n", cfg.Agent.Port)
	fmt.Fprintf(&sb, "\ttoken_ttl: %q\n", cfg.Agent.TokenTTL.String())
	sb.WriteString("}\n\n")

	fmt.Fprintf(&sb, "container: engine: %q\n", cfg.Container.Engine)
	return sb.String()
}

// Schema returns the embedded CUE schema.
func Schema() string { return configSchema }

// Save writes cfg to config.cue in the configuration directory.
func Save(cfg *Config) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(path, []byte(GenerateCUE(cfg)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
