// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/invowk/appscope/internal/binding"
	"github.com/invowk/appscope/internal/scope"

	gossh "golang.org/x/crypto/ssh"
)

// DefaultUser is the login name handed out in ConnectionInfo.
const DefaultUser = "appscope"

var (
	// ErrInvalidTokenValue is wrapped by InvalidTokenValueError.
	ErrInvalidTokenValue = errors.New("invalid token value")
	// ErrInvalidSSHConfig is wrapped by InvalidSSHConfigError.
	ErrInvalidSSHConfig = errors.New("invalid SSH agent config")
	// ErrNotServing is returned for operations that need a running agent.
	ErrNotServing = errors.New("SSH agent is not serving")
)

type (
	// TokenValue is a password the agent accepts until it expires or is revoked.
	TokenValue string

	// Token authorizes sessions for one application name.
	Token struct {
		Value     TokenValue
		App       string
		CreatedAt time.Time
		ExpiresAt time.Time
	}

	// Config holds the agent settings; it is immutable once passed to New.
	Config struct {
		// Host is the bind address (default 127.0.0.1).
		Host string
		// Port is the listen port; 0 lets the kernel choose.
		Port int
		// TokenTTL is how long generated tokens stay valid (default 1h).
		TokenTTL time.Duration
		// ShutdownTimeout bounds Stop (default 10s).
		ShutdownTimeout time.Duration
		// StartupTimeout bounds Start (default 5s).
		StartupTimeout time.Duration
		// Dir is the working directory of session scripts.
		Dir string
		// Base is copied into every session Scope; nil selects the physical
		// properties.
		Base *scope.Properties
		// Bindings defaults to binding.Global.
		Bindings *binding.Table
	}

	// ConnectionInfo is what a client needs to run an application on the
	// agent.
	ConnectionInfo struct {
		Host      string
		Port      int
		User      string
		Token     TokenValue
		ExpiresAt time.Time
		HostKey   gossh.PublicKey
	}

	// InvalidTokenValueError is returned for empty tokens.
	InvalidTokenValueError struct {
		Value TokenValue
	}

	// InvalidSSHConfigError collects Config field errors.
	InvalidSSHConfigError struct {
		FieldErrors []error
	}
)

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		TokenTTL:        time.Hour,
		ShutdownTimeout: 10 * time.Second,
		StartupTimeout:  5 * time.Second,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host must be non-empty"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 0-65535", c.Port))
	}
	if c.TokenTTL < 0 {
		errs = append(errs, fmt.Errorf("token TTL %s must not be negative", c.TokenTTL))
	}
	if len(errs) > 0 {
		return &InvalidSSHConfigError{FieldErrors: errs}
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = d.TokenTTL
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	return c
}

// String returns the token text.
func (t TokenValue) String() string { return string(t) }

// Validate rejects empty and whitespace-only tokens.
func (t TokenValue) Validate() error {
	if strings.TrimSpace(string(t)) == "" {
		return &InvalidTokenValueError{Value: t}
	}
	return nil
}

func (e *InvalidTokenValueError) Error() string {
	return fmt.Sprintf("invalid token value %q: must be non-empty", e.Value)
}

// Unwrap returns ErrInvalidTokenValue.
func (e *InvalidTokenValueError) Unwrap() error { return ErrInvalidTokenValue }

func (e *InvalidSSHConfigError) Error() string {
	return "invalid SSH agent config: " + errors.Join(e.FieldErrors...).Error()
}

// Unwrap returns ErrInvalidSSHConfig.
func (e *InvalidSSHConfigError) Unwrap() error { return ErrInvalidSSHConfig }

// Addr returns host:port.
func (c *ConnectionInfo) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig returns a client configuration that authenticates with the
// token and accepts only the agent's host key.
func (c *ConnectionInfo) ClientConfig() *gossh.ClientConfig {
	return &gossh.ClientConfig{
		User:            c.User,
		Auth:            []gossh.AuthMethod{gossh.Password(string(c.Token))},
		HostKeyCallback: gossh.FixedHostKey(c.HostKey),
		Timeout:         10 * time.Second,
	}
}
