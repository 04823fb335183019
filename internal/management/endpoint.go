// SPDX-License-Identifier: MPL-2.0

package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/invowk/appscope/internal/scope"

	"golang.org/x/crypto/bcrypt"
)

// Property keys read from the requesting Scope.
const (
	PropRemoteEnabled      = "management.remote.enabled"
	PropRemoteDisabled     = "management.remote.disabled"
	PropRemoteHost         = "management.remote.host"
	PropRemoteBind         = "management.remote.bind"
	PropRemotePort         = "management.remote.port"
	PropRemoteAuthenticate = "management.remote.authenticate"
	PropRemoteUser         = "management.remote.user"
	PropRemotePasswordHash = "management.remote.password.hash"
	PropRemoteSSL          = "management.remote.ssl"
	PropRemoteSSLCert      = "management.remote.ssl.cert"
	PropRemoteSSLKey       = "management.remote.ssl.key"

	// PropRemoteLocator receives the locator of the most recent endpoint;
	// PropRemoteLocator + "." + name receives the locator for name.
	PropRemoteLocator = "management.remote.locator"
)

const (
	// LocatorScheme prefixes every published locator.
	LocatorScheme = "locator"

	defaultBind      = "127.0.0.1"
	hostLookupBudget = 2 * time.Second
)

type (
	// Endpoint describes a registry served remotely.
	Endpoint struct {
		Name    string
		Host    string
		Port    int
		Locator string
		TLS     bool
		Auth    bool

		dir *directory
	}

	endpointConfig struct {
		host string
		bind string
		port int
		auth bool
		user string
		hash string
		tls  bool
		cert string
		key  string
	}
)

// URL returns the HTTP address of the endpoint's metrics.
func (e *Endpoint) URL() string {
	scheme := "http"
	if e.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/metrics", scheme, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Name)
}

// Listening reports whether the directory serving the endpoint is up.
func (e *Endpoint) Listening() bool {
	return e.dir != nil && e.dir.Serving()
}

// Locator formats the address of registry name served at host:port.
func Locator(host string, port int, name string) string {
	return LocatorScheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/" + name
}

// ParseLocator splits a locator into its host, port and registry name.
func ParseLocator(locator string) (host string, port int, name string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", 0, "", fmt.Errorf("parse locator %q: %w", locator, err)
	}
	if u.Scheme != LocatorScheme {
		return "", 0, "", fmt.Errorf("parse locator %q: scheme %q is not %q", locator, u.Scheme, LocatorScheme)
	}
	port, err = strconv.Atoi(u.Port())
	if err != nil {
		return "", 0, "", fmt.Errorf("parse locator %q: bad port: %w", locator, err)
	}
	name = strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "", 0, "", fmt.Errorf("parse locator %q: missing registry name", locator)
	}
	return u.Hostname(), port, name, nil
}

// remoteRequested reports whether s asks for a remote endpoint. The veto
// property wins over the request.
func remoteRequested(props *scope.Properties) (bool, error) {
	enabled, err := props.Bool(PropRemoteEnabled, false)
	if err != nil {
		return false, propertyError(props, PropRemoteEnabled, "not a boolean", err)
	}
	if !enabled {
		return false, nil
	}
	disabled, err := props.Bool(PropRemoteDisabled, false)
	if err != nil {
		return false, propertyError(props, PropRemoteDisabled, "not a boolean", err)
	}
	return !disabled, nil
}

// provision creates the endpoint for name when the Scope requests one. It
// returns a nil Endpoint when none is requested.
func (v *Virtualizer) provision(ctx context.Context, s *scope.Scope, name string, reg Registry) (*Endpoint, error) {
	props := s.Properties()
	requested, err := remoteRequested(props)
	if err != nil || !requested {
		return nil, err
	}

	cfg, err := readEndpointConfig(ctx, s)
	if err != nil {
		return nil, err
	}

	dir, created, err := v.dirs.acquire(ctx, cfg, v.logger)
	if err != nil {
		return nil, err
	}
	// A directory started here must not outlive a failed provisioning.
	abandon := func(err error) error {
		if created {
			return errors.Join(err, v.dirs.release(context.WithoutCancel(ctx), dir))
		}
		return err
	}

	loc := Locator(cfg.host, dir.port, name)
	if err := dir.mount(name, loc, metricsHandler(reg, cfg)); err != nil {
		return nil, abandon(err)
	}
	for _, key := range []string{PropRemoteLocator, PropRemoteLocator + "." + name} {
		if err := props.Set(key, loc); err != nil {
			dir.unmount(name)
			return nil, abandon(&EndpointError{Op: "publish locator", Addr: loc, Err: err})
		}
	}

	s.Logger().Info("management endpoint published", "locator", loc)
	return &Endpoint{
		Name:    name,
		Host:    cfg.host,
		Port:    dir.port,
		Locator: loc,
		TLS:     cfg.tls,
		Auth:    cfg.auth,
		dir:     dir,
	}, nil
}

func readEndpointConfig(ctx context.Context, s *scope.Scope) (endpointConfig, error) {
	props := s.Properties()
	cfg := endpointConfig{
		host: strings.TrimSpace(props.Get(PropRemoteHost)),
		bind: strings.TrimSpace(props.Get(PropRemoteBind)),
	}
	if cfg.bind == "" {
		cfg.bind = defaultBind
	}
	if cfg.host == "" {
		cfg.host = defaultHost(ctx)
	}

	port, err := readPort(s)
	if err != nil {
		return cfg, err
	}
	cfg.port = port

	if cfg.auth, err = props.Bool(PropRemoteAuthenticate, false); err != nil {
		return cfg, propertyError(props, PropRemoteAuthenticate, "not a boolean", err)
	}
	if cfg.auth {
		cfg.user = props.Get(PropRemoteUser)
		cfg.hash = props.Get(PropRemotePasswordHash)
		if cfg.user == "" {
			return cfg, &ConfigurationError{Key: PropRemoteUser, Reason: "required when authentication is enabled"}
		}
		if cfg.hash == "" {
			return cfg, &ConfigurationError{Key: PropRemotePasswordHash, Reason: "required when authentication is enabled"}
		}
		if _, err := bcrypt.Cost([]byte(cfg.hash)); err != nil {
			return cfg, &ConfigurationError{Key: PropRemotePasswordHash, Reason: "not a bcrypt hash", Err: err}
		}
	}

	if cfg.tls, err = props.Bool(PropRemoteSSL, false); err != nil {
		return cfg, propertyError(props, PropRemoteSSL, "not a boolean", err)
	}
	if cfg.tls {
		cfg.cert = props.Get(PropRemoteSSLCert)
		cfg.key = props.Get(PropRemoteSSLKey)
		for _, f := range []struct{ key, path string }{{PropRemoteSSLCert, cfg.cert}, {PropRemoteSSLKey, cfg.key}} {
			key, path := f.key, f.path
			if path == "" {
				return cfg, &ConfigurationError{Key: key, Reason: "required when TLS is enabled"}
			}
			if _, err := os.Stat(path); err != nil {
				return cfg, &ConfigurationError{Key: key, Value: path, Reason: "file not readable", Err: err}
			}
		}
	}
	return cfg, nil
}

// readPort interprets PropRemotePort: empty draws from the Scope's port
// allocator, "any" or "0" lets the kernel choose.
func readPort(s *scope.Scope) (int, error) {
	raw := strings.TrimSpace(s.Properties().Get(PropRemotePort))
	switch strings.ToLower(raw) {
	case "":
		port, err := s.Ports().Next()
		if err != nil {
			return 0, &ConfigurationError{Key: PropRemotePort, Reason: "scope port allocator failed", Err: err}
		}
		return port, nil
	case "any", "0":
		return 0, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ConfigurationError{Key: PropRemotePort, Value: raw, Reason: `expected a port number or "any"`, Err: err}
	}
	if port < 1 || port > 65535 {
		return 0, &ConfigurationError{Key: PropRemotePort, Value: raw, Reason: "port out of range"}
	}
	return port, nil
}

func defaultHost(ctx context.Context) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return defaultBind
	}
	ctx, cancel := context.WithTimeout(ctx, hostLookupBudget)
	defer cancel()
	if _, err := net.DefaultResolver.LookupHost(ctx, name); err != nil {
		return defaultBind
	}
	return name
}

func propertyError(props *scope.Properties, key, reason string, err error) *ConfigurationError {
	return &ConfigurationError{Key: key, Value: props.Get(key), Reason: reason, Err: err}
}
