// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/charmbracelet/ssh"
)

const tokenSweepInterval = 5 * time.Minute

type tokenKey struct{}

// GenerateToken creates a token authorizing sessions for app.
func (s *Server) GenerateToken(app string) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := s.clock.Now()
	token := &Token{
		Value:     TokenValue(hex.EncodeToString(raw)),
		App:       app,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TokenTTL),
	}

	s.tokenMu.Lock()
	s.tokens[token.Value] = token
	s.tokenMu.Unlock()

	s.logger.Debug("Generated token", "app", app)
	return token, nil
}

// ValidateToken returns the token when it exists and has not expired.
// Expired tokens are revoked on lookup.
func (s *Server) ValidateToken(value TokenValue) (*Token, bool) {
	if value.Validate() != nil {
		return nil, false
	}
	s.tokenMu.RLock()
	token, ok := s.tokens[value]
	s.tokenMu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.clock.Now().After(token.ExpiresAt) {
		s.RevokeToken(value)
		return nil, false
	}
	return token, true
}

// RevokeToken invalidates one token.
func (s *Server) RevokeToken(value TokenValue) {
	s.tokenMu.Lock()
	delete(s.tokens, value)
	s.tokenMu.Unlock()
}

// RevokeTokensForApp invalidates every token issued for app.
func (s *Server) RevokeTokensForApp(app string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	for v, token := range s.tokens {
		if token.App == app {
			delete(s.tokens, v)
		}
	}
}

// GetConnectionInfo issues a token for app and returns everything a client
// needs to connect.
func (s *Server) GetConnectionInfo(app string) (*ConnectionInfo, error) {
	if !s.Serving() {
		return nil, fmt.Errorf("%w (state: %s)", ErrNotServing, s.State())
	}
	token, err := s.GenerateToken(app)
	if err != nil {
		return nil, err
	}
	return &ConnectionInfo{
		Host:      s.cfg.Host,
		Port:      s.Port(),
		User:      DefaultUser,
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt,
		HostKey:   s.HostKey(),
	}, nil
}

func (s *Server) cleanupExpiredTokens(ctx context.Context) {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTokens()
		}
	}
}

func (s *Server) sweepTokens() {
	now := s.clock.Now()
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	for v, token := range s.tokens {
		if now.After(token.ExpiresAt) {
			delete(s.tokens, v)
		}
	}
}

// passwordHandler accepts a valid token as the password.
func (s *Server) passwordHandler(ctx ssh.Context, password string) bool {
	token, ok := s.ValidateToken(TokenValue(password))
	if !ok {
		s.logger.Warn("Invalid token authentication attempt", "user", ctx.User())
		return false
	}
	ctx.SetValue(tokenKey{}, token)
	return true
}

// publicKeyHandler rejects keys: only tokens authenticate.
func (s *Server) publicKeyHandler(ssh.Context, ssh.PublicKey) bool {
	return false
}
