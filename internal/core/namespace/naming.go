// Package namespace derives every OS-visible name and path of one stack
// instance: container names, networks, volumes, socket and PID files,
// state directories and host port bindings.
//
// Derivation is injective across instances. A base name may not contain
// the "_" separator, so "productdb_web" can only come from base
// "productdb", never from "productdb2" or "productdb_x".
package namespace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/artpar/stackd/internal/core/domain"
)

// DefaultBaseName is used when the namespace has no base name.
const DefaultBaseName = "productdb"

// Default name templates.
const (
	DefaultContainerTemplate = "{prefix}_{service}"
	DefaultNetworkTemplate   = "{prefix}_{network}"
	DefaultVolumeTemplate    = "{prefix}_{volume}"
)

// DefaultNetwork is the network name used for services that declare none.
const DefaultNetwork = "default"

var baseNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Dirs are the host directories namespace paths are rooted at.
type Dirs struct {
	Run  string
	Data string
}

// Namespace builds names for one instance. It is immutable after New.
type Namespace struct {
	base      string
	profile   string
	overrides map[string]string
	templates domain.NameTemplates
	dirs      Dirs
}

// New validates ns and returns a name builder for it.
func New(ns domain.InstanceNamespace, dirs Dirs) (*Namespace, error) {
	base := ns.BaseName
	if base == "" {
		base = DefaultBaseName
	}
	if !baseNameRegex.MatchString(base) {
		return nil, domain.NewConfigurationError("instance.name",
			fmt.Sprintf("base name %q must match %s", base, baseNameRegex.String()), domain.ErrInvalidNamespace)
	}

	templates := ns.Templates
	if templates.Container == "" {
		templates.Container = DefaultContainerTemplate
	}
	if templates.Network == "" {
		templates.Network = DefaultNetworkTemplate
	}
	if templates.Volume == "" {
		templates.Volume = DefaultVolumeTemplate
	}
	checks := []struct{ field, tmpl, placeholder string }{
		{"namespace.templates.container", templates.Container, "{service}"},
		{"namespace.templates.network", templates.Network, "{network}"},
		{"namespace.templates.volume", templates.Volume, "{volume}"},
	}
	for _, c := range checks {
		if !strings.Contains(c.tmpl, "{prefix}") || !strings.Contains(c.tmpl, c.placeholder) {
			return nil, domain.NewConfigurationError(c.field,
				fmt.Sprintf("template %q must contain {prefix} and %s", c.tmpl, c.placeholder), domain.ErrInvalidNamespace)
		}
		if !separated(c.tmpl, c.placeholder) {
			return nil, domain.NewConfigurationError(c.field,
				fmt.Sprintf("template %q must follow {prefix} with a separator outside [a-z0-9-], before %s", c.tmpl, c.placeholder),
				domain.ErrInvalidNamespace)
		}
	}

	overrides := make(map[string]string, len(ns.PortOverrides))
	for k, v := range ns.PortOverrides {
		overrides[k] = v
	}

	return &Namespace{
		base:      base,
		profile:   ns.Profile,
		overrides: overrides,
		templates: templates,
		dirs:      dirs,
	}, nil
}

// BaseName returns the instance prefix.
func (n *Namespace) BaseName() string {
	return n.base
}

// Profile returns the configuration profile the namespace was built for.
func (n *Namespace) Profile() string {
	return n.profile
}

// =============================================================================
// Resource Naming
// =============================================================================

// ContainerName returns the process/container name for a service.
// Pattern: {prefix}_{service}
func (n *Namespace) ContainerName(service string) string {
	return expand(n.templates.Container, n.base, "{service}", service)
}

// NetworkName returns the namespaced name of a network.
// Pattern: {prefix}_{network}
func (n *Namespace) NetworkName(network string) string {
	return expand(n.templates.Network, n.base, "{network}", network)
}

// VolumeName returns the namespaced name of a volume.
// Pattern: {prefix}_{volume}
func (n *Namespace) VolumeName(volume string) string {
	return expand(n.templates.Volume, n.base, "{volume}", volume)
}

// SocketPath returns the unix socket path for a service.
func (n *Namespace) SocketPath(service string) string {
	return filepath.Join(n.dirs.Run, n.ContainerName(service)+".sock")
}

// PIDPath returns the PID record path for a service.
func (n *Namespace) PIDPath(service string) string {
	return filepath.Join(n.dirs.Run, n.ContainerName(service)+".pid")
}

// StatePath returns a per-instance state directory under the data dir.
func (n *Namespace) StatePath(name string) string {
	return filepath.Join(n.dirs.Data, n.base, name)
}

// Networks returns the namespaced names of every network used by services,
// in first-seen order.
func (n *Namespace) Networks(services []domain.ServiceDescriptor) []string {
	return n.collect(services, func(d domain.ServiceDescriptor) []string {
		if len(d.Networks) == 0 {
			return []string{DefaultNetwork}
		}
		return d.Networks
	}, n.NetworkName)
}

// Volumes returns the namespaced names of every volume used by services,
// in first-seen order.
func (n *Namespace) Volumes(services []domain.ServiceDescriptor) []string {
	return n.collect(services, func(d domain.ServiceDescriptor) []string {
		return d.Volumes
	}, n.VolumeName)
}

func (n *Namespace) collect(services []domain.ServiceDescriptor, pick func(domain.ServiceDescriptor) []string, name func(string) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, svc := range services {
		for _, v := range pick(svc) {
			full := name(v)
			if seen[full] {
				continue
			}
			seen[full] = true
			out = append(out, full)
		}
	}
	return out
}

// separated reports whether {prefix} is followed by a character no base
// name can contain and comes before the placeholder. Otherwise "productdb"
// with service "2-web" and "productdb-2" with service "web" expand alike.
func separated(tmpl, placeholder string) bool {
	i := strings.Index(tmpl, "{prefix}")
	rest := tmpl[i+len("{prefix}"):]
	if rest == "" || strings.Index(tmpl, placeholder) < i {
		return false
	}
	c := rest[0]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-')
}

func expand(tmpl, prefix, placeholder, value string) string {
	return strings.NewReplacer("{prefix}", prefix, placeholder, value).Replace(tmpl)
}
