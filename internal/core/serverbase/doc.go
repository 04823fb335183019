// SPDX-License-Identifier: MPL-2.0

// Package serverbase provides the single-use lifecycle shared by the
// long-running listeners in this module: the management endpoint directory
// and the SSH launch agent.
//
// State reads are lock-free; transitions are compare-and-swap on an atomic
// value. Goroutines started through Lifecycle.Spawn are tracked so Stop can
// wait for them.
package serverbase
