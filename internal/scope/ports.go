// SPDX-License-Identifier: MPL-2.0

package scope

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

const (
	// DefaultPortBase is the first port SequentialPorts hands out when no base is configured.
	DefaultPortBase = 20000

	maxPort = 65535
)

// ErrPortsExhausted is returned when an allocator has no more ports to give.
var ErrPortsExhausted = errors.New("no free ports left")

type (
	// PortAllocator hands out network ports an application may listen on.
	PortAllocator interface {
		// Next returns a port that was free at the time of the call.
		Next() (int, error)
	}

	// SequentialPorts allocates increasing ports starting at a base, skipping
	// any port that cannot be bound on the loopback interface.
	SequentialPorts struct {
		mu   sync.Mutex
		next int
	}

	// EphemeralPorts asks the kernel for a free port on every call.
	EphemeralPorts struct{}

	// FixedPorts replays a fixed list of ports; handy for tests and for
	// launchers that were handed a port range by an outer harness.
	FixedPorts struct {
		mu    sync.Mutex
		ports []int
	}
)

// NewSequentialPorts creates an allocator starting at base. A non-positive base
// selects DefaultPortBase.
func NewSequentialPorts(base int) *SequentialPorts {
	if base <= 0 {
		base = DefaultPortBase
	}
	return &SequentialPorts{next: base}
}

// Next returns the next bindable port.
func (s *SequentialPorts) Next() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.next <= maxPort {
		port := s.next
		s.next++
		if portFree(port) {
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// Next returns a kernel-assigned free port.
func (EphemeralPorts) Next() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to reserve ephemeral port: %w", err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// NewFixedPorts creates an allocator that returns ports in order.
func NewFixedPorts(ports ...int) *FixedPorts {
	return &FixedPorts{ports: append([]int(nil), ports...)}
}

// Next returns the next port in the list.
func (f *FixedPorts) Next() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ports) == 0 {
		return 0, ErrPortsExhausted
	}
	port := f.ports[0]
	f.ports = f.ports[1:]
	return port, nil
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
