package namespace

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// Port Bindings
// =============================================================================

// Binding is one host address a service listens on.
type Binding struct {
	Service       string `json:"service"`
	HostIP        string `json:"host_ip"`
	HostPort      string `json:"host_port"`
	ContainerPort string `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Address returns the host side as host:port. An empty HostIP binds all
// interfaces.
func (b Binding) Address() string {
	ip := b.HostIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	return net.JoinHostPort(ip, b.HostPort)
}

// Spec renders the binding in ip:host:container/proto form.
func (b Binding) Spec() string {
	return fmt.Sprintf("%s:%s/%s", b.Address(), b.ContainerPort, b.Protocol)
}

// Bindings parses the port specs of one service. Specs use the docker
// "[ip:]host:container[/proto]" syntax; a bare container port is rejected
// because it would leave the host side to chance. A port override for the
// service ("host:port" or "port") replaces the host side of its first
// spec.
func (n *Namespace) Bindings(service string, specs []string) ([]Binding, error) {
	var out []Binding
	override, hasOverride := n.overrides[service]
	for _, spec := range specs {
		mappings, err := nat.ParsePortSpec(spec)
		if err != nil {
			return nil, domain.NewConfigurationError(portField(service),
				fmt.Sprintf("invalid port spec %q: %v", spec, err), domain.ErrInvalidPort)
		}
		for _, m := range mappings {
			if m.Binding.HostPort == "" {
				return nil, domain.NewConfigurationError(portField(service),
					fmt.Sprintf("port spec %q has no host port", spec), domain.ErrInvalidPort)
			}
			b := Binding{
				Service:       service,
				HostIP:        m.Binding.HostIP,
				HostPort:      m.Binding.HostPort,
				ContainerPort: m.Port.Port(),
				Protocol:      m.Port.Proto(),
			}
			if hasOverride {
				if err := applyOverride(&b, override); err != nil {
					return nil, err
				}
				hasOverride = false
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// applyOverride replaces the host side of b. Overrides name the address
// explicitly; a bare port would silently bind every interface.
func applyOverride(b *Binding, override string) error {
	field := "namespace.port_overrides." + b.Service
	host, port, err := net.SplitHostPort(override)
	if err != nil {
		return domain.NewConfigurationError(field,
			fmt.Sprintf("invalid override %q, want host:port: %v", override, err), domain.ErrInvalidPort)
	}
	if host == "" {
		return domain.NewConfigurationError(field,
			fmt.Sprintf("override %q has no host address", override), domain.ErrInvalidPort)
	}
	if _, err := nat.ParsePort(port); err != nil || port == "" {
		return domain.NewConfigurationError(field,
			fmt.Sprintf("invalid override port %q", port), domain.ErrInvalidPort)
	}
	b.HostIP = host
	b.HostPort = port
	return nil
}

// CheckConflicts rejects two bindings that claim the same host port and
// protocol on overlapping addresses. The wildcard address overlaps every
// other address.
func CheckConflicts(bindings []Binding) error {
	type key struct{ port, proto string }
	claimed := make(map[key][]Binding)
	var clashes []string

	for _, b := range bindings {
		k := key{b.HostPort, b.Protocol}
		for _, other := range claimed[k] {
			if overlaps(b.HostIP, other.HostIP) {
				clashes = append(clashes, fmt.Sprintf("%s and %s on %s", other.Service, b.Service, b.Address()))
			}
		}
		claimed[k] = append(claimed[k], b)
	}
	if len(clashes) == 0 {
		return nil
	}
	sort.Strings(clashes)
	return domain.NewConfigurationError("services.ports",
		"host port claimed twice: "+strings.Join(clashes, "; "), domain.ErrPortConflict)
}

func overlaps(a, b string) bool {
	if isWildcard(a) || isWildcard(b) {
		return true
	}
	return a == b
}

func isWildcard(ip string) bool {
	return ip == "" || ip == "0.0.0.0" || ip == "::"
}

func portField(service string) string {
	return "services." + service + ".ports"
}
