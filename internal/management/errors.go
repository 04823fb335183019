// SPDX-License-Identifier: MPL-2.0

package management

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is wrapped by ConfigurationError.
	ErrConfiguration = errors.New("invalid management configuration")

	// ErrEndpoint is wrapped by EndpointError.
	ErrEndpoint = errors.New("management endpoint failure")

	// ErrUnknownBuilder is returned when no builder is registered under a key.
	ErrUnknownBuilder = errors.New("unknown registry builder")

	// ErrNoRegistry is returned by handles whose table entry does not exist.
	ErrNoRegistry = errors.New("no registry for domain")
)

type (
	// ConfigurationError reports a malformed or missing property met while
	// creating a registry or its endpoint.
	ConfigurationError struct {
		Key    string
		Value  string
		Reason string
		Err    error
	}

	// EndpointError reports a failure to reserve, secure or serve an endpoint.
	EndpointError struct {
		Op   string
		Addr string
		Err  error
	}
)

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("management property %q", e.Key)
	if e.Value != "" {
		msg += fmt.Sprintf(" = %q", e.Value)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns ErrConfiguration and the underlying cause.
func (e *ConfigurationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// Error implements the error interface.
func (e *EndpointError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("management endpoint %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("management endpoint %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns ErrEndpoint and the underlying cause.
func (e *EndpointError) Unwrap() []error {
	return []error{ErrEndpoint, e.Err}
}
