// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/invowk/appscope/internal/config"
	"github.com/invowk/appscope/internal/issue"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect appscope configuration",
		Long: `Inspect appscope configuration.

Configuration is stored in:
  - Linux: ~/.config/appscope/config.cue
  - macOS: ~/Library/Application Support/appscope/config.cue
  - Windows: %APPDATA%\appscope\config.cue

Every value can be overridden with an APPSCOPE_* environment variable,
for example APPSCOPE_AGENT_PORT=2222.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var schema bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schema {
				fmt.Fprint(app.stdout, config.Schema())
				return nil
			}
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				renderError(app.stderr, err, issue.ConfigLoadFailedId, app.verbose)
				return &ExitError{Code: 1, Err: err}
			}
			showConfig(app.stdout, app.cfgFile, cfg)
			return nil
		},
	}
	show.Flags().BoolVar(&schema, "schema", false, "print the CUE schema instead")

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Output the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(app.stdout, filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt))
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			target := filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt)
			if _, err := os.Stat(target); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", target)
			}
			written, err := config.Save(config.DefaultConfig())
			if err != nil {
				return err
			}
			fmt.Fprintf(app.stdout, "%s Wrote %s\n", SuccessStyle.Render("✓"), written)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")

	cfgCmd.AddCommand(show, dump, path, initCmd)
	return cfgCmd
}

func showConfig(w io.Writer, cfgFile string, cfg *config.Config) {
	row := func(k, v string) {
		fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render(k), SuccessStyle.Render(v))
	}

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)
	if cfgFile != "" {
		fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render("Config file"), cfgFile)
	} else {
		fmt.Fprintf(w, "%s: %s\n", CmdStyle.Render("Config file"), SubtitleStyle.Render("(default location)"))
	}
	fmt.Fprintln(w)

	row("ports.mode", string(cfg.Ports.Mode))
	row("ports.base", strconv.Itoa(cfg.Ports.Base))
	row("agent.host", cfg.Agent.Host)
	row("agent.port", strconv.Itoa(cfg.Agent.Port))
	row("agent.token_ttl", cfg.Agent.TokenTTL.String())
	row("container.engine", string(cfg.Container.Engine))

	props := cfg.PhysicalProperties()
	if len(props) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Physical Properties"))
	keys := maps.Keys(props)
	slices.Sort(keys)
	for _, k := range keys {
		row(k, props[k])
	}
}
