// SPDX-License-Identifier: MPL-2.0

// Package sshserver provides the SSH launch agent, a wish server that runs
// each session's command as an in-process script application in its own
// Scope.
//
// Clients authenticate with tokens issued by GetConnectionInfo; public keys
// are rejected. Properties sent as session environment overlay the Scope's
// base properties, and the session's streams are the Scope's streams, so
// the SSH launcher on the other side sees exactly what the application
// wrote.
package sshserver
