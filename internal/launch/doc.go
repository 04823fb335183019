// SPDX-License-Identifier: MPL-2.0

// Package launch starts applications inside isolated scopes.
//
// Every Launcher creates a fresh scope.Scope and domain.Domain for the
// application, runs it on a goroutine bound to that Scope and closes the
// Scope when the application terminates. InProcess and Script run code in
// this process, so every lookup through the isolation registry lands in the
// application's own Scope. Native, Container and SSH run the application
// elsewhere and connect its streams and properties to the Scope.
//
// Each application's context also carries a management.Virtualizer, shared
// when the Spec or Group supplies one and owned by the App otherwise.
//
// Group runs many applications together, the way an integration test brings
// up a small distributed system.
package launch
