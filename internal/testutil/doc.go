// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by the package tests: scopes with
// captured streams (NewCapturedScope), a concurrency-safe SyncBuffer, a
// controllable Clock, polling (Eventually), cleanup helpers (MustClose,
// MustStop) and a semaphore for container tests.
package testutil
