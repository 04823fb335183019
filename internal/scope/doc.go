// SPDX-License-Identifier: MPL-2.0

// Package scope provides the isolated bundle of per-application resources that
// lets many pseudo-applications share one process.
//
// A Scope owns private copies of what would otherwise be process-global state:
// a properties store, the standard streams, a port allocator, and the key of the
// management registry builder. Scopes are created by launchers when an
// application starts and closed exactly once when it terminates.
//
// Two process-wide scopes exist outside any application:
//   - Physical: the real process resources (os.Stdout, os.Environ, ...).
//   - Default: created lazily for code that runs outside every application; it
//     shares the physical streams and starts with a copy of the physical properties.
package scope
