// SPDX-License-Identifier: MPL-2.0

package container

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	PortProtocolTCP PortProtocol = "tcp"
	PortProtocolUDP PortProtocol = "udp"
)

var (
	// ErrInvalidPortMapping is returned for malformed port mappings.
	ErrInvalidPortMapping = errors.New("invalid port mapping")
	// ErrInvalidVolumeMount is returned for malformed volume mounts.
	ErrInvalidVolumeMount = errors.New("invalid volume mount")
)

type (
	// PortProtocol is the transport of a published port.
	PortProtocol string

	// PortMapping publishes ContainerPort on HostPort.
	PortMapping struct {
		HostPort      uint16
		ContainerPort uint16
		Protocol      PortProtocol
	}

	// VolumeMount bind-mounts HostPath at ContainerPath.
	VolumeMount struct {
		HostPath      string
		ContainerPath string
		ReadOnly      bool
		// SELinux is "", "z" or "Z".
		SELinux string
	}
)

// Validate reports whether p is usable. Zero host ports are rejected: the
// launcher always allocates a concrete port from the scope.
func (p PortMapping) Validate() error {
	var errs []error
	if p.HostPort == 0 {
		errs = append(errs, errors.New("host port must be greater than zero"))
	}
	if p.ContainerPort == 0 {
		errs = append(errs, errors.New("container port must be greater than zero"))
	}
	switch p.Protocol {
	case "", PortProtocolTCP, PortProtocolUDP:
	default:
		errs = append(errs, fmt.Errorf("protocol %q (valid: tcp, udp)", p.Protocol))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s: %w", ErrInvalidPortMapping, p, errors.Join(errs...))
	}
	return nil
}

// String returns the mapping as "host:container/protocol".
func (p PortMapping) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = PortProtocolTCP
	}
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.ContainerPort, proto)
}

// Validate reports whether v is usable.
func (v VolumeMount) Validate() error {
	var errs []error
	if strings.TrimSpace(v.HostPath) == "" {
		errs = append(errs, errors.New("host path must be non-empty"))
	}
	if strings.TrimSpace(v.ContainerPath) == "" {
		errs = append(errs, errors.New("container path must be non-empty"))
	}
	switch v.SELinux {
	case "", "z", "Z":
	default:
		errs = append(errs, fmt.Errorf("SELinux label %q (valid: empty, z, Z)", v.SELinux))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %s:%s: %w", ErrInvalidVolumeMount, v.HostPath, v.ContainerPath, errors.Join(errs...))
	}
	return nil
}

// FormatVolumeMount renders the -v argument for mount.
func FormatVolumeMount(mount VolumeMount) string {
	var b strings.Builder
	b.WriteString(mount.HostPath)
	b.WriteString(":")
	b.WriteString(mount.ContainerPath)

	var options []string
	if mount.ReadOnly {
		options = append(options, "ro")
	}
	if mount.SELinux != "" {
		options = append(options, mount.SELinux)
	}
	if len(options) > 0 {
		b.WriteString(":")
		b.WriteString(strings.Join(options, ","))
	}
	return b.String()
}

// ParseVolumeMount parses "host:container[:options]".
func ParseVolumeMount(volume string) (VolumeMount, error) {
	var mount VolumeMount
	parts := strings.Split(volume, ":")
	mount.HostPath = parts[0]
	if len(parts) >= 2 {
		mount.ContainerPath = parts[1]
	}
	if len(parts) >= 3 {
		for opt := range strings.SplitSeq(parts[2], ",") {
			switch opt {
			case "ro":
				mount.ReadOnly = true
			case "z", "Z":
				mount.SELinux = opt
			}
		}
	}
	return mount, mount.Validate()
}

// FormatPortMapping renders the -p argument for mapping; tcp is implied.
func FormatPortMapping(mapping PortMapping) string {
	s := fmt.Sprintf("%d:%d", mapping.HostPort, mapping.ContainerPort)
	if mapping.Protocol != "" && mapping.Protocol != PortProtocolTCP {
		s += "/" + string(mapping.Protocol)
	}
	return s
}

// ParsePortMapping parses "hostPort:containerPort[/protocol]".
func ParsePortMapping(s string) (PortMapping, error) {
	var mapping PortMapping
	host, container, ok := strings.Cut(s, ":")
	if !ok {
		return mapping, fmt.Errorf("%w %q: must contain ':' separator", ErrInvalidPortMapping, s)
	}
	hp, err := strconv.ParseUint(host, 10, 16)
	if err != nil {
		return mapping, fmt.Errorf("%w: host port %q: %w", ErrInvalidPortMapping, host, err)
	}
	mapping.HostPort = uint16(hp)

	port, proto, _ := strings.Cut(container, "/")
	cp, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return mapping, fmt.Errorf("%w: container port %q: %w", ErrInvalidPortMapping, port, err)
	}
	mapping.ContainerPort = uint16(cp)
	mapping.Protocol = PortProtocol(proto)

	return mapping, mapping.Validate()
}
