// Package domain holds the typed model shared by every stackd component:
// service descriptors, the environment profile, restart policies,
// certificates, instance namespaces, the service state machine and the
// error taxonomy.
package domain

import (
	"path/filepath"
	"sort"
	"time"
)

// =============================================================================
// Service Descriptor
// =============================================================================

// ServiceDescriptor is the immutable definition of one service in the
// topology. Descriptors are built once from the manifest and never mutated.
type ServiceDescriptor struct {
	Name         string         `yaml:"-" json:"name"`
	Command      []string       `yaml:"command" json:"command"`
	DependsOn    []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Restart      *RestartPolicy `yaml:"restart,omitempty" json:"restart,omitempty"`
	Requires     []string       `yaml:"requires,omitempty" json:"requires,omitempty"`
	Owns         []string       `yaml:"owns,omitempty" json:"owns,omitempty"`
	Networks     []string       `yaml:"networks,omitempty" json:"networks,omitempty"`
	Volumes      []string       `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Ports        []string       `yaml:"ports,omitempty" json:"ports,omitempty"`
	WorkDir      string         `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	ReloadSignal string         `yaml:"reload_signal,omitempty" json:"reload_signal,omitempty"`
	Socket       bool           `yaml:"socket,omitempty" json:"socket,omitempty"`
	TLS          bool           `yaml:"tls,omitempty" json:"tls,omitempty"`
	Oneshot      bool           `yaml:"oneshot,omitempty" json:"oneshot,omitempty"`
}

// HasDependency reports whether name is a direct hard dependency.
func (d ServiceDescriptor) HasDependency(name string) bool {
	for _, dep := range d.DependsOn {
		if dep == name {
			return true
		}
	}
	return false
}

// =============================================================================
// Restart Policy
// =============================================================================

// RestartPolicy bounds automatic restarts: at most MaxRestarts unexpected
// exits inside any trailing Window, with Delay between attempts.
type RestartPolicy struct {
	MaxRestarts int           `yaml:"max_restarts" json:"max_restarts"`
	Window      time.Duration `yaml:"window" json:"window"`
	Delay       time.Duration `yaml:"delay" json:"delay"`
}

// DefaultRestartPolicy returns the budget used by the reference deployment:
// 3 exits per 400 seconds, 30 seconds apart.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts: 3,
		Window:      400 * time.Second,
		Delay:       30 * time.Second,
	}
}

// =============================================================================
// Environment Profile
// =============================================================================

// EnvironmentProfile is the single resolved variable mapping shared by every
// service in a namespace.
type EnvironmentProfile struct {
	Instance string
	Profile  string
	Source   string
	Vars     map[string]string
}

// Lookup returns a variable from the profile.
func (p *EnvironmentProfile) Lookup(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v, ok := p.Vars[key]
	return v, ok
}

// Keys returns the variable names in sorted order.
func (p *EnvironmentProfile) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, 0, len(p.Vars))
	for k := range p.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Certificate
// =============================================================================

// CertSubject holds the distinguished-name fields of a certificate.
type CertSubject struct {
	Country      string `mapstructure:"country"`
	State        string `mapstructure:"state"`
	Location     string `mapstructure:"location"`
	Organization string `mapstructure:"organization"`
	CommonName   string `mapstructure:"common_name"`
}

// Certificate describes the TLS material the reverse proxy serves.
type Certificate struct {
	Subject    CertSubject
	SelfSigned bool
	Dir        string
}

// CertPath is the well-known location of the PEM certificate.
func (c Certificate) CertPath() string {
	return filepath.Join(c.Dir, "server.crt")
}

// KeyPath is the well-known location of the PEM private key.
func (c Certificate) KeyPath() string {
	return filepath.Join(c.Dir, "server.key")
}

// =============================================================================
// Instance Namespace
// =============================================================================

// NameTemplates override the default resource-name patterns. Every template
// must contain {prefix}; {service}, {network} and {volume} are substituted
// where applicable.
type NameTemplates struct {
	Container string `mapstructure:"container"`
	Network   string `mapstructure:"network"`
	Volume    string `mapstructure:"volume"`
}

// InstanceNamespace identifies one deployment of the topology on a host.
type InstanceNamespace struct {
	BaseName      string
	Profile       string
	PortOverrides map[string]string // service → "host:port"
	Templates     NameTemplates
}
