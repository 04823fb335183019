// SPDX-License-Identifier: MPL-2.0

package management

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type (
	// Registry is what code registering or gathering metrics needs.
	// *prometheus.Registry and *Handle both satisfy it.
	Registry interface {
		prometheus.Registerer
		prometheus.Gatherer
	}

	// Handle delegates to whatever registry its Virtualizer currently holds
	// under the handle's domain name. Handles for the same name are
	// interchangeable.
	Handle struct {
		v    *Virtualizer
		name string
	}
)

var _ Registry = (*Handle)(nil)

// Name returns the domain name the handle refers to.
func (h *Handle) Name() string { return h.name }

// Registry returns the registry currently stored under the handle's name.
func (h *Handle) Registry() (*prometheus.Registry, bool) {
	return h.v.Lookup(h.name)
}

// Register implements prometheus.Registerer.
func (h *Handle) Register(c prometheus.Collector) error {
	reg, err := h.current()
	if err != nil {
		return err
	}
	return reg.Register(c)
}

// MustRegister implements prometheus.Registerer.
func (h *Handle) MustRegister(cs ...prometheus.Collector) {
	reg, err := h.current()
	if err != nil {
		panic(err)
	}
	reg.MustRegister(cs...)
}

// Unregister implements prometheus.Registerer.
func (h *Handle) Unregister(c prometheus.Collector) bool {
	reg, err := h.current()
	if err != nil {
		return false
	}
	return reg.Unregister(c)
}

// Gather implements prometheus.Gatherer.
func (h *Handle) Gather() ([]*dto.MetricFamily, error) {
	reg, err := h.current()
	if err != nil {
		return nil, err
	}
	return reg.Gather()
}

// String implements fmt.Stringer.
func (h *Handle) String() string {
	return fmt.Sprintf("registry(%s)", h.name)
}

func (h *Handle) current() (*prometheus.Registry, error) {
	reg, ok := h.v.Lookup(h.name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoRegistry, h.name)
	}
	return reg, nil
}
