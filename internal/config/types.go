// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// ContainerEngineDocker selects the docker CLI.
	ContainerEngineDocker ContainerEngine = "docker"
	// ContainerEnginePodman selects the podman CLI.
	ContainerEnginePodman ContainerEngine = "podman"

	// PortModeEphemeral lets the kernel choose every port.
	PortModeEphemeral PortMode = "ephemeral"
	// PortModeSequential hands out ports counting up from Ports.Base.
	PortModeSequential PortMode = "sequential"
)

var (
	// ErrInvalidContainerEngine is wrapped by InvalidValueError for engines.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidPortMode is wrapped by InvalidValueError for port modes.
	ErrInvalidPortMode = errors.New("invalid port mode")
	// ErrInvalidConfig is wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ContainerEngine names a container CLI.
	ContainerEngine string

	// PortMode selects the physical scope's port allocator.
	PortMode string

	// InvalidValueError reports an unrecognized enumerated value.
	InvalidValueError struct {
		Field    string
		Value    string
		Sentinel error
	}

	// InvalidConfigError collects every field error found by Validate.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config is the loaded configuration.
	Config struct {
		Properties map[string]string `json:"properties" mapstructure:"properties"`
		Ports      PortsConfig       `json:"ports" mapstructure:"ports"`
		Management ManagementConfig  `json:"management" mapstructure:"management"`
		Agent      AgentConfig       `json:"agent" mapstructure:"agent"`
		Container  ContainerConfig   `json:"container" mapstructure:"container"`
	}

	// PortsConfig configures port allocation for the physical scope.
	PortsConfig struct {
		Mode PortMode `json:"mode" mapstructure:"mode"`
		Base int      `json:"base" mapstructure:"base"`
	}

	// ManagementConfig holds process-wide management defaults.
	ManagementConfig struct {
		Remote RemoteConfig `json:"remote" mapstructure:"remote"`
	}

	// RemoteConfig mirrors the management.remote.* properties. Zero values
	// are not copied into the physical properties.
	RemoteConfig struct {
		Enabled      bool   `json:"enabled" mapstructure:"enabled"`
		Host         string `json:"host" mapstructure:"host"`
		Bind         string `json:"bind" mapstructure:"bind"`
		Port         string `json:"port" mapstructure:"port"`
		Authenticate bool   `json:"authenticate" mapstructure:"authenticate"`
		User         string `json:"user" mapstructure:"user"`
		PasswordHash string `json:"password_hash" mapstructure:"password_hash"`
		SSL          bool   `json:"ssl" mapstructure:"ssl"`
		SSLCert      string `json:"ssl_cert" mapstructure:"ssl_cert"`
		SSLKey       string `json:"ssl_key" mapstructure:"ssl_key"`
	}

	// AgentConfig configures the SSH launch agent.
	AgentConfig struct {
		Host     string        `json:"host" mapstructure:"host"`
		Port     int           `json:"port" mapstructure:"port"`
		TokenTTL time.Duration `json:"token_ttl" mapstructure:"token_ttl"`
	}

	// ContainerConfig configures container applications.
	ContainerConfig struct {
		Engine ContainerEngine `json:"engine" mapstructure:"engine"`
	}
)

// Validate reports whether e is a known engine.
func (e ContainerEngine) Validate() error {
	switch e {
	case ContainerEngineDocker, ContainerEnginePodman:
		return nil
	default:
		return &InvalidValueError{Field: "container.engine", Value: string(e), Sentinel: ErrInvalidContainerEngine}
	}
}

// Validate reports whether m is a known port mode.
func (m PortMode) Validate() error {
	switch m {
	case PortModeEphemeral, PortModeSequential:
		return nil
	default:
		return &InvalidValueError{Field: "ports.mode", Value: string(m), Sentinel: ErrInvalidPortMode}
	}
}

// Error implements the error interface.
func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%s: %q: %v", e.Field, e.Value, e.Sentinel)
}

// Unwrap returns the sentinel for errors.Is() compatibility.
func (e *InvalidValueError) Unwrap() error { return e.Sentinel }

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig followed by each field error.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// Validate checks the constraints the schema cannot express once defaults
// and environment overrides are merged.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Container.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Ports.Mode.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Ports.Mode == PortModeSequential && (c.Ports.Base < 1024 || c.Ports.Base > 65535) {
		errs = append(errs, fmt.Errorf("ports.base: %d is outside 1024-65535", c.Ports.Base))
	}
	if c.Agent.Port < 0 || c.Agent.Port > 65535 {
		errs = append(errs, fmt.Errorf("agent.port: %d is outside 0-65535", c.Agent.Port))
	}
	if c.Agent.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("agent.token_ttl: %s must be positive", c.Agent.TokenTTL))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}
