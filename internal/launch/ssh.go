// SPDX-License-Identifier: MPL-2.0

package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/invowk/appscope/internal/binding"

	"golang.org/x/crypto/ssh"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SSH runs a command on a remote host. The application's own properties are
// sent as session environment (servers may refuse them), and the remote
// output is written to the Scope's streams.
type SSH struct {
	// Addr is host:port; a bare host gets port 22.
	Addr   string
	Config *ssh.ClientConfig
	// Command is joined with Spec.Args and shell-quoted.
	Command string
	// Bindings defaults to binding.Global.
	Bindings *binding.Table
}

// Name implements Launcher.
func (l *SSH) Name() string { return "ssh" }

// Launch implements Launcher. Connection and authentication errors are
// returned here, before a Scope is created.
func (l *SSH) Launch(ctx context.Context, spec Spec) (*App, error) {
	if l.Config == nil || l.Command == "" {
		return nil, fmt.Errorf("%w: ssh launcher needs a client config and a command", ErrInvalidSpec)
	}
	client, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}

	s, d, overlay, err := newScope(spec)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		s.Close()
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	keys := maps.Keys(overlay)
	slices.Sort(keys)
	for _, k := range keys {
		if err := session.Setenv(k, overlay[k]); err != nil {
			slog.Debug("ssh server refused environment variable", "key", k, "error", err)
		}
	}
	session.Stdin = s.Stdin()
	session.Stdout = s.Stdout()
	session.Stderr = s.Stderr()

	cmdline := joinCommand(l.Command, spec.Args)
	app := start(ctx, l.Bindings, s, d, spec.Registries, func(ctx context.Context) Result {
		done := make(chan error, 1)
		go func() { done <- session.Run(cmdline) }()

		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = client.Close()
			err = <-done
		}
		return sshResult(err)
	})
	app.onClose(func() error {
		_ = session.Close()
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("close ssh client: %w", err)
		}
		return nil
	})
	return app, nil
}

func (l *SSH) dial(ctx context.Context) (*ssh.Client, error) {
	addr := l.Addr
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	dialer := net.Dialer{Timeout: l.Config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, l.Config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func sshResult(err error) Result {
	if err == nil {
		return Result{}
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitStatus()}
	}
	return Result{ExitCode: 255, Error: err}
}

func joinCommand(cmd string, args []string) string {
	if len(args) == 0 {
		return cmd
	}
	var b strings.Builder
	b.WriteString(cmd)
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(shellEscape(arg))
	}
	return b.String()
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
