// SPDX-License-Identifier: MPL-2.0

// Package container drives the docker and podman command-line clients for
// the container launcher.
//
// The Engine interface covers what a launched application needs: running an
// image attached to a scope's streams and removing the container afterwards.
// DockerEngine and PodmanEngine embed cliEngine, which builds the argument
// lists (see RunArgs) and executes the binary.
//
// NewEngine selects an engine by preference with fallback to the other one;
// AutoDetectEngine tries podman first.
package container
