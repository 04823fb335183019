// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/invowk/appscope/internal/core/serverbase"
	"github.com/invowk/appscope/internal/issue"
	"github.com/invowk/appscope/internal/management"
	"github.com/invowk/appscope/internal/testutil"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"
	gossh "golang.org/x/crypto/ssh"
)

// Server is the SSH launch agent. A Server is single-use: once stopped or
// failed, create a new one.
type Server struct {
	*serverbase.Lifecycle

	cfg   Config
	clock testutil.Clock

	srvMu    sync.Mutex
	srv      *ssh.Server
	listener net.Listener
	addr     string

	hostKey    gossh.Signer
	hostKeyPEM []byte

	tokenMu sync.RWMutex
	tokens  map[TokenValue]*Token

	// shared by every session, so sessions of one app see one registry
	registries *management.Virtualizer

	logger *log.Logger
}

// New creates an agent; call Start to accept connections.
func New(cfg Config) *Server {
	return NewWithClock(cfg, testutil.RealClock{})
}

// NewWithClock creates an agent whose token expiry follows clock.
func NewWithClock(cfg Config, clock testutil.Clock) *Server {
	return &Server{
		Lifecycle:  serverbase.NewLifecycle(1),
		cfg:        cfg.withDefaults(),
		clock:      clock,
		tokens:     make(map[TokenValue]*Token),
		registries: management.NewVirtualizer(nil),
		logger:     log.NewWithOptions(os.Stderr, log.Options{Prefix: "ssh-agent"}),
	}
}

// Start listens and blocks until the agent serves, fails, or the startup
// timeout or ctx expires.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return s.Fail(err)
	}
	if err := s.Begin(ctx); err != nil {
		return err
	}

	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	if err := s.generateHostKey(); err != nil {
		return s.Fail(err)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", addr)
	if err != nil {
		return s.Fail(issue.NewErrorContext().
			WithOperation("start SSH agent").
			WithResource(addr).
			WithSuggestion("Pick another agent.port, or 0 for a kernel-assigned port").
			Wrap(err).
			BuildError())
	}

	srv, err := wish.NewServer(
		wish.WithAddress(addr),
		wish.WithHostKeyPEM(s.hostKeyPEM),
		wish.WithPublicKeyAuth(s.publicKeyHandler),
		wish.WithPasswordAuth(s.passwordHandler),
		wish.WithMiddleware(
			s.sessionMiddleware(),
			logging.MiddlewareWithLogger(s.logger),
		),
	)
	if err != nil {
		_ = listener.Close()
		return s.Fail(fmt.Errorf("failed to create SSH server: %w", err))
	}

	s.srvMu.Lock()
	s.srv = srv
	s.listener = listener
	s.addr = listener.Addr().String()
	s.srvMu.Unlock()

	s.Spawn(func(context.Context) { s.serve(srv, listener) })
	s.Spawn(s.cleanupExpiredTokens)

	if err := s.AwaitReady(startupCtx); err != nil {
		_ = srv.Close()
		return s.Fail(err)
	}
	s.logger.Info("SSH agent started", "address", s.Address())
	return nil
}

// Stop shuts the agent down, waiting up to the shutdown timeout for open
// sessions. It is safe to call more than once.
func (s *Server) Stop() error {
	if !s.BeginStop() {
		s.Wait()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var err error
	s.srvMu.Lock()
	if s.srv != nil {
		if err = s.srv.Shutdown(ctx); err != nil && isClosedConnError(err) {
			err = nil
		}
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.srvMu.Unlock()
	err = errors.Join(err, s.registries.Shutdown(ctx))

	s.Finish()
	s.logger.Info("SSH agent stopped")
	return err
}

// Registries returns the Virtualizer sessions request registries from.
func (s *Server) Registries() *management.Virtualizer { return s.registries }

// Address returns the bound host:port, empty before Start succeeded.
func (s *Server) Address() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.addr
}

// Port returns the bound port, 0 before Start succeeded.
func (s *Server) Port() int {
	_, p, err := net.SplitHostPort(s.Address())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}

// Host returns the configured bind address.
func (s *Server) Host() string { return s.cfg.Host }

// HostKey returns the public host key, nil before Start.
func (s *Server) HostKey() gossh.PublicKey {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.hostKey == nil {
		return nil
	}
	return s.hostKey.PublicKey()
}

func (s *Server) generateHostKey() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		return fmt.Errorf("host key signer: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return fmt.Errorf("encode host key: %w", err)
	}

	s.srvMu.Lock()
	s.hostKey = signer
	s.hostKeyPEM = pem.EncodeToMemory(block)
	s.srvMu.Unlock()
	return nil
}

func (s *Server) serve(srv *ssh.Server, listener net.Listener) {
	s.MarkServing()
	err := srv.Serve(listener)
	if err == nil || errors.Is(err, ssh.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return
	}
	s.Report(fmt.Errorf("serve error: %w", err))
}

func isClosedConnError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && errors.Is(opErr.Err, net.ErrClosed)
}
