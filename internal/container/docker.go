// SPDX-License-Identifier: MPL-2.0

package container

import "context"

const dockerVersionFormat = "{{.Server.Version}}"

// DockerEngine implements Engine with the docker CLI.
type DockerEngine struct {
	*cliEngine
}

// NewDockerEngine creates a docker engine resolved from PATH.
func NewDockerEngine(opts ...Option) *DockerEngine {
	return &DockerEngine{cliEngine: newCLIEngine(string(EngineTypeDocker), opts...)}
}

// Available reports whether the docker daemon answers.
func (e *DockerEngine) Available() bool { return e.available(dockerVersionFormat) }

// Version returns the docker server version.
func (e *DockerEngine) Version(ctx context.Context) (string, error) {
	return e.version(ctx, dockerVersionFormat)
}
