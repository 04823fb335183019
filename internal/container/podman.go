// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os"
	"strings"
)

const (
	podmanVersionFormat = "{{.Version}}"
	selinuxEnforcePath  = "/sys/fs/selinux/enforce"
)

// PodmanEngine implements Engine with the podman CLI. Bind mounts get a
// shared SELinux label when SELinux is enforcing.
type PodmanEngine struct {
	*cliEngine
}

// NewPodmanEngine creates a podman engine resolved from PATH.
func NewPodmanEngine(opts ...Option) *PodmanEngine {
	e := newCLIEngine(string(EngineTypePodman), opts...)
	enforcing := isSELinuxEnabled()
	e.formatMount = func(v VolumeMount) string {
		return FormatVolumeMount(labelMount(v, enforcing))
	}
	return &PodmanEngine{cliEngine: e}
}

// Available reports whether podman answers.
func (e *PodmanEngine) Available() bool { return e.available(podmanVersionFormat) }

// Version returns the podman version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	return e.version(ctx, podmanVersionFormat)
}

func isSELinuxEnabled() bool {
	data, err := os.ReadFile(selinuxEnforcePath)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// labelMount adds the z label unless the mount already carries one.
func labelMount(v VolumeMount, enforcing bool) VolumeMount {
	if enforcing && v.SELinux == "" {
		v.SELinux = "z"
	}
	return v
}
