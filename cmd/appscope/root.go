// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/invowk/appscope/internal/issue"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

const errorStyle = "dark"

func newRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "appscope",
		Short: "Run many isolated applications in one process",
		Long: TitleStyle.Render("appscope") + SubtitleStyle.Render(" - run many isolated applications in one process") + `

Every application gets its own properties, standard streams, port
allocator and metrics registry, even when it shares a process with
hundreds of others.

` + SubtitleStyle.Render("Examples:") + `
  appscope run a.sh b.sh            Run two scripts side by side
  appscope run -p ROLE=leader a.sh  Seed a property
  appscope agent --port 2222        Serve the SSH launch agent
  appscope config show              Show the current configuration`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if app.verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.SetOut(app.stdout)
	root.SetErr(app.stderr)

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/appscope/config.cue)")

	root.AddCommand(newRunCommand(app))
	root.AddCommand(newAgentCommand(app))
	root.AddCommand(newConfigCommand(app))
	return root
}

func versionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string) int {
	app := NewApp(Dependencies{})
	root := newRootCommand(app)
	root.SetArgs(args)

	if err := fang.Execute(
		ctx,
		root,
		fang.WithVersion(versionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return 1
	}
	return 0
}

// renderError writes err with the catalogued guidance for id. Rendering
// failures fall back to the plain message.
func renderError(w io.Writer, err error, id issue.Id, verbose bool) {
	if verbose {
		var ae *issue.ActionableError
		if errors.As(err, &ae) {
			fmt.Fprintln(w, ErrorStyle.Render("Error: ")+ae.Format(true))
			return
		}
	}
	rendered, rerr := issue.RenderError(err, id, errorStyle)
	if rerr != nil {
		fmt.Fprintln(w, ErrorStyle.Render("Error: ")+err.Error())
		return
	}
	fmt.Fprint(w, rendered)
}
