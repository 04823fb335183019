// SPDX-License-Identifier: MPL-2.0

// Package management virtualizes Prometheus registries per isolation domain.
//
// A Virtualizer hands out registries by domain name. The first request for a
// name builds a registry with the builder selected by the requesting Scope;
// later requests return handles onto the same table entry, so Replace is
// observed by every handle already given out.
//
// When a Scope sets management.remote.enabled, the registry is also served
// over HTTP at locator://<host>:<port>/<name>, and the locator is published
// back into the Scope's properties. Registries served on the same port share
// one directory listener.
package management
