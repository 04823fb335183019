// SPDX-License-Identifier: MPL-2.0

package management

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/invowk/appscope/internal/core/serverbase"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	readHeaderTimeout = 10 * time.Second
	metricsSuffix     = "/metrics"
)

type (
	// directorySet owns the directory listeners of one Virtualizer, keyed by
	// bind address and port.
	directorySet struct {
		mu   sync.Mutex
		dirs map[string]*directory
	}

	// directory is one HTTP listener serving every registry published on
	// its port.
	directory struct {
		*serverbase.Lifecycle

		bind   string
		port   int
		tls    bool
		ln     net.Listener
		srv    *http.Server
		logger *log.Logger

		mu     sync.RWMutex
		routes map[string]route
	}

	route struct {
		locator string
		handler http.Handler
	}
)

func newDirectorySet() *directorySet {
	return &directorySet{dirs: make(map[string]*directory)}
}

// acquire returns the directory for cfg's bind address and port, starting
// one when needed. A kernel-assigned port always starts a new directory.
// Failing to listen because the port is in use is not an error when this
// set already owns a directory on that port. created reports whether the
// directory was started by this call.
func (ds *directorySet) acquire(ctx context.Context, cfg endpointConfig, logger *log.Logger) (d *directory, created bool, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if cfg.port != 0 {
		if d, ok := ds.dirs[dirKey(cfg.bind, cfg.port)]; ok {
			return d, false, d.compatible(cfg)
		}
	}

	d, err = startDirectory(ctx, cfg, logger)
	if err != nil {
		if cfg.port != 0 && errors.Is(err, syscall.EADDRINUSE) {
			if owned := ds.onPort(cfg.port); owned != nil {
				return owned, false, owned.compatible(cfg)
			}
		}
		return nil, false, err
	}
	ds.dirs[dirKey(d.bind, d.port)] = d
	return d, true, nil
}

// release stops d and forgets it.
func (ds *directorySet) release(ctx context.Context, d *directory) error {
	ds.mu.Lock()
	key := dirKey(d.bind, d.port)
	if ds.dirs[key] == d {
		delete(ds.dirs, key)
	}
	ds.mu.Unlock()
	return d.stop(ctx)
}

// len reports how many directories are running.
func (ds *directorySet) len() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.dirs)
}

func (ds *directorySet) onPort(port int) *directory {
	for _, d := range ds.dirs {
		if d.port == port {
			return d
		}
	}
	return nil
}

func (ds *directorySet) shutdown(ctx context.Context) error {
	ds.mu.Lock()
	dirs := maps.Values(ds.dirs)
	ds.mu.Unlock()

	var errs []error
	for _, d := range dirs {
		if err := d.stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func dirKey(bind string, port int) string {
	return net.JoinHostPort(bind, strconv.Itoa(port))
}

func startDirectory(ctx context.Context, cfg endpointConfig, logger *log.Logger) (*directory, error) {
	d := &directory{
		Lifecycle: serverbase.NewLifecycle(1),
		bind:      cfg.bind,
		tls:       cfg.tls,
		logger:    logger,
		routes:    make(map[string]route),
	}
	addr := dirKey(cfg.bind, cfg.port)
	if err := d.Begin(ctx); err != nil {
		return nil, &EndpointError{Op: "start", Addr: addr, Err: err}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &EndpointError{Op: "listen", Addr: addr, Err: d.Fail(err)}
	}
	d.port = ln.Addr().(*net.TCPAddr).Port

	if cfg.tls {
		cert, err := tls.LoadX509KeyPair(cfg.cert, cfg.key)
		if err != nil {
			_ = ln.Close()
			return nil, &EndpointError{Op: "load certificate", Addr: addr, Err: d.Fail(err)}
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	d.ln = ln
	d.srv = &http.Server{Handler: d, ReadHeaderTimeout: readHeaderTimeout}
	d.Spawn(d.serve)

	if err := d.AwaitReady(ctx); err != nil {
		_ = d.stop(context.Background())
		return nil, &EndpointError{Op: "serve", Addr: addr, Err: err}
	}
	d.logger.Info("management directory listening", "address", ln.Addr().String(), "tls", cfg.tls)
	return d, nil
}

func (d *directory) serve(context.Context) {
	d.MarkServing()
	err := d.srv.Serve(d.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		d.Report(fmt.Errorf("serve: %w", err))
	}
}

func (d *directory) stop(ctx context.Context) error {
	if !d.BeginStop() {
		d.Wait()
		return nil
	}
	err := d.srv.Shutdown(ctx)
	d.Finish()
	d.logger.Info("management directory stopped", "port", d.port)
	return err
}

// compatible rejects sharing a directory between TLS and plain endpoints.
func (d *directory) compatible(cfg endpointConfig) error {
	if d.tls == cfg.tls {
		return nil
	}
	return &EndpointError{
		Op:   "reserve",
		Addr: dirKey(cfg.bind, d.port),
		Err:  fmt.Errorf("port already serves endpoints with tls=%t", d.tls),
	}
}

func (d *directory) mount(name, locator string, h http.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.routes[name]; ok {
		return &EndpointError{Op: "mount", Addr: locator, Err: fmt.Errorf("registry %q already served on this port", name)}
	}
	d.routes[name] = route{locator: locator, handler: h}
	return nil
}

func (d *directory) unmount(name string) {
	d.mu.Lock()
	delete(d.routes, name)
	d.mu.Unlock()
}

// ServeHTTP serves GET / as the locator index and /<name>/metrics for each
// mounted registry.
func (d *directory) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		d.index(w, r)
		return
	}
	name, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/"), metricsSuffix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	d.mu.RLock()
	rt, found := d.routes[name]
	d.mu.RUnlock()
	if !found {
		http.NotFound(w, r)
		return
	}
	rt.handler.ServeHTTP(w, r)
}

func (d *directory) index(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	d.mu.RLock()
	locators := make([]string, 0, len(d.routes))
	for _, rt := range d.routes {
		locators = append(locators, rt.locator)
	}
	d.mu.RUnlock()
	slices.Sort(locators)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, loc := range locators {
		_, _ = io.WriteString(w, loc+"\n")
	}
}

func metricsHandler(reg Registry, cfg endpointConfig) http.Handler {
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
	if !cfg.auth {
		return h
	}
	return basicAuth(cfg.user, []byte(cfg.hash), h)
}

func basicAuth(user string, hash []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="management"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
