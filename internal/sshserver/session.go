// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"fmt"
	"strings"

	"github.com/invowk/appscope/internal/launch"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
)

// sessionMiddleware runs the session command as a script application in a
// fresh Scope. The session environment overlays the Scope's properties and
// the session streams become the Scope's streams.
func (s *Server) sessionMiddleware() wish.Middleware {
	return func(ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			cmd := sess.RawCommand()
			if strings.TrimSpace(cmd) == "" {
				fmt.Fprintln(sess.Stderr(), "Error: interactive sessions are not supported; pass a command")
				_ = sess.Exit(1)
				return
			}

			l := &launch.Script{Source: cmd, Bindings: s.cfg.Bindings}
			app, err := l.Launch(sess.Context(), launch.Spec{
				Name:       sessionAppName(sess),
				Dir:        s.cfg.Dir,
				Base:       s.cfg.Base,
				Properties: environMap(sess.Environ()),
				Stdout:     sess,
				Stderr:     sess.Stderr(),
				Stdin:      sess,
				Registries: s.registries,
			})
			if err != nil {
				fmt.Fprintf(sess.Stderr(), "Error: %v\n", err)
				_ = sess.Exit(2)
				return
			}

			res := app.Wait()
			if err := app.Close(); err != nil {
				s.logger.Warn("session cleanup failed", "app", app.Name(), "error", err)
			}
			if res.Error != nil {
				fmt.Fprintf(sess.Stderr(), "Error: %v\n", res.Error)
			}
			s.logger.Debug("session finished", "app", app.Name(), "exit", res.ExitCode)
			_ = sess.Exit(res.ExitCode)
		}
	}
}

func sessionAppName(sess ssh.Session) string {
	if token, ok := sess.Context().Value(tokenKey{}).(*Token); ok && token.App != "" {
		return token.App
	}
	return sess.User()
}

func environMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	return m
}
