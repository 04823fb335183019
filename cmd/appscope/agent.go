// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/invowk/appscope/internal/issue"
	"github.com/invowk/appscope/internal/sshserver"

	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"
)

type agentOptions struct {
	host  string
	port  int
	ttl   time.Duration
	app   string
	dir   string
	ready func(*sshserver.ConnectionInfo)
}

func newAgentCommand(app *App) *cobra.Command {
	opts := agentOptions{app: "remote"}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the SSH launch agent",
		Long: `Serve the SSH launch agent until interrupted.

Each SSH session runs its command as a script application in a fresh
scope. Session environment variables become properties. Connect with
the printed user, token and host key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), app, cmd.Flags().Changed, opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "bind address (default from agent.host)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "listen port, 0 for any (default from agent.port)")
	cmd.Flags().DurationVar(&opts.ttl, "token-ttl", 0, "token lifetime (default from agent.token_ttl)")
	cmd.Flags().StringVar(&opts.app, "app", opts.app, "application name for the issued token")
	cmd.Flags().StringVarP(&opts.dir, "dir", "C", "", "working directory of session scripts")
	return cmd
}

func runAgent(ctx context.Context, app *App, changed func(string) bool, opts agentOptions) error {
	cfg, err := app.loadConfig(ctx)
	if err != nil {
		renderError(app.stderr, err, issue.ConfigLoadFailedId, app.verbose)
		return &ExitError{Code: 1, Err: err}
	}

	sc := sshserver.DefaultConfig()
	sc.Host, sc.Port, sc.TokenTTL = cfg.Agent.Host, cfg.Agent.Port, cfg.Agent.TokenTTL
	if changed("host") {
		sc.Host = opts.host
	}
	if changed("port") {
		sc.Port = opts.port
	}
	if changed("token-ttl") {
		sc.TokenTTL = opts.ttl
	}
	sc.Dir = opts.dir
	if sc.Dir == "" {
		if wd, err := os.Getwd(); err == nil {
			sc.Dir = wd
		}
	}

	srv := sshserver.New(sc)
	if err := srv.Start(ctx); err != nil {
		renderError(app.stderr, err, issue.AgentStartFailedId, app.verbose)
		return &ExitError{Code: 1, Err: err}
	}
	defer func() { _ = srv.Stop() }()

	info, err := srv.GetConnectionInfo(opts.app)
	if err != nil {
		return err
	}
	printConnectionInfo(app.stdout, info)
	if opts.ready != nil {
		opts.ready(info)
	}

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-srv.Errors():
		if !ok {
			return nil
		}
		return fmt.Errorf("SSH agent failed: %w", err)
	}
}

func printConnectionInfo(w io.Writer, info *sshserver.ConnectionInfo) {
	fmt.Fprintln(w, TitleStyle.Render("SSH launch agent serving"))
	fmt.Fprintln(w)
	row := func(k, v string) {
		fmt.Fprintf(w, "  %s %s\n", CmdStyle.Render(fmt.Sprintf("%-9s", k+":")), v)
	}
	row("address", info.Addr())
	row("user", info.User)
	row("token", info.Token.String())
	row("host key", gossh.FingerprintSHA256(info.HostKey))
	row("expires", info.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintln(w)
	fmt.Fprintln(w, SubtitleStyle.Render("Press Ctrl+C to stop."))
}
