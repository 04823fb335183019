// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLoadOptions is wrapped by errors returned from LoadOptions.Validate.
var ErrInvalidLoadOptions = errors.New("invalid load options")

type (
	// LoadOptions defines explicit configuration loading inputs.
	LoadOptions struct {
		// ConfigFilePath forces loading from a specific file.
		ConfigFilePath string
		// ConfigDirPath overrides the configuration directory lookup.
		ConfigDirPath string
	}

	// Provider loads configuration from explicit options.
	Provider interface {
		Load(ctx context.Context, opts LoadOptions) (*Config, error)
	}

	fileProvider struct{}

	// staticProvider returns a fixed configuration; used by tests and by
	// callers embedding appscope with their own configuration source.
	staticProvider struct {
		cfg *Config
	}
)

// NewProvider creates a provider reading CUE files and the environment.
func NewProvider() Provider {
	return &fileProvider{}
}

// NewStaticProvider creates a provider that always returns cfg.
func NewStaticProvider(cfg *Config) Provider {
	return &staticProvider{cfg: cfg}
}

// Validate rejects whitespace-only paths.
func (o LoadOptions) Validate() error {
	for name, val := range map[string]string{"ConfigFilePath": o.ConfigFilePath, "ConfigDirPath": o.ConfigDirPath} {
		if val != "" && strings.TrimSpace(val) == "" {
			return fmt.Errorf("%w: %s is whitespace-only", ErrInvalidLoadOptions, name)
		}
	}
	return nil
}

// Load reads configuration from the requested source.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg, _, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load returns the configured value after validating it.
func (p *staticProvider) Load(ctx context.Context, _ LoadOptions) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.cfg == nil {
		return DefaultConfig(), nil
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	return p.cfg, nil
}
