// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"sync"
	"time"
)

type (
	// Clock abstracts the time source so token expiry can be tested without
	// sleeping. Production code uses RealClock.
	Clock interface {
		Now() time.Time
	}

	// RealClock reads the system time.
	RealClock struct{}

	// FakeClock only moves when Advance or Set is called.
	FakeClock struct {
		mu      sync.Mutex
		current time.Time
	}
)

// Now returns time.Now.
func (RealClock) Now() time.Time { return time.Now() }

// NewFakeClock returns a FakeClock at initial, or at a fixed reference time
// when initial is zero.
func NewFakeClock(initial time.Time) *FakeClock {
	if initial.IsZero() {
		initial = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &FakeClock{current: initial}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the fake time forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}

// Set moves the fake time to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}
