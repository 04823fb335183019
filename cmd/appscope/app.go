// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"io"
	"os"

	"github.com/invowk/appscope/internal/config"
)

type (
	// App is the composition root of the CLI. Command handlers receive it
	// and read configuration through Config.
	App struct {
		Config ConfigProvider
		stdout io.Writer
		stderr io.Writer

		cfgFile string
		verbose bool
		cfg     *config.Config
	}

	// Dependencies are the injection points for NewApp. Nil fields get
	// production defaults.
	Dependencies struct {
		Config ConfigProvider
		Stdout io.Writer
		Stderr io.Writer
	}

	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	return &App{Config: deps.Config, stdout: deps.Stdout, stderr: deps.Stderr}
}

// loadConfig loads the configuration once per invocation and seeds the
// physical scope from it.
func (a *App) loadConfig(ctx context.Context) (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.cfgFile})
	if err != nil {
		return nil, err
	}
	config.Apply(cfg)
	a.cfg = cfg
	return cfg, nil
}
