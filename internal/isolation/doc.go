// SPDX-License-Identifier: MPL-2.0

// Package isolation resolves the Scope governing the calling code and
// intercepts process-wide resources on its behalf.
//
// New code should carry a Scope explicitly with scope.NewContext and use the
// context-aware accessors. The proxies returned by ScopeRegistry exist for
// call sites that reach for process-wide state and cannot take a context:
// they resolve the Scope through the goroutine binding on every operation.
//
// Resolution order:
//
//  1. the Scope bound to the calling goroutine
//  2. a Scope carried by the context
//  3. the nearest Scope on the context's domain chain
//
// When nothing is found the proxies use the physical resources captured when
// the registry was created, and Resolver.Effective returns scope.Default().
package isolation
