// Package orchestrator assembles one namespace from the manifest, the
// environment profile and the namespace rules, then brings its services up
// in dependency order and down in reverse.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/core/envprofile"
	"github.com/artpar/stackd/internal/core/graph"
	"github.com/artpar/stackd/internal/core/manifest"
	"github.com/artpar/stackd/internal/core/namespace"
	"github.com/artpar/stackd/internal/shell/certs"
)

// Options locate the inputs of a namespace.
type Options struct {
	Instance string
	Profile  string

	ManifestPath string
	ComposePath  string // used instead of ManifestPath when set
	EnvDir       string
	RunDir       string
	DataDir      string
	LogDir       string

	PortOverrides map[string]string
	Templates     domain.NameTemplates

	TLSSelfSigned bool
	TLSCertDir    string
	TLSSubject    domain.CertSubject
}

// Stack is a fully resolved namespace: every check that can reject the
// configuration has already passed, so nothing is left that could abort
// the namespace after the first process starts.
type Stack struct {
	Instance  string
	Profile   *domain.EnvironmentProfile
	Namespace *namespace.Namespace
	Order     graph.Order
	Plans     map[string]namespace.ServicePlan
	Env       map[string][]string
	Cert      *domain.Certificate // nil when no service needs TLS
	LogDir    string
}

// Descriptors returns the services in start order.
func (s *Stack) Descriptors() []domain.ServiceDescriptor {
	return s.Order.StartOrder()
}

// Networks returns the namespaced networks the stack uses.
func (s *Stack) Networks() []string {
	return s.Namespace.Networks(s.Order.StartOrder())
}

// Volumes returns the namespaced volumes the stack uses.
func (s *Stack) Volumes() []string {
	return s.Namespace.Volumes(s.Order.StartOrder())
}

// LogPath returns where a service's output is written.
func (s *Stack) LogPath(service string) string {
	if s.LogDir == "" {
		return ""
	}
	return filepath.Join(s.LogDir, s.Namespace.ContainerName(service)+".log")
}

// LoadServices reads the service descriptors named by opts.
func LoadServices(ctx context.Context, opts Options) ([]domain.ServiceDescriptor, error) {
	if opts.ComposePath != "" {
		data, err := os.ReadFile(opts.ComposePath)
		if err != nil {
			return nil, domain.NewConfigurationError("paths.compose", err.Error(), domain.ErrInvalidManifest)
		}
		return manifest.ImportCompose(ctx, data)
	}
	data, err := os.ReadFile(opts.ManifestPath)
	if err != nil {
		return nil, domain.NewConfigurationError("paths.manifest", err.Error(), domain.ErrInvalidManifest)
	}
	return manifest.Parse(data)
}

// Assemble resolves a namespace. Any error is a ConfigurationError and
// means no service of the namespace may start.
func Assemble(ctx context.Context, opts Options) (*Stack, error) {
	services, err := LoadServices(ctx, opts)
	if err != nil {
		return nil, err
	}
	return AssembleServices(services, opts)
}

// AssembleServices is Assemble for descriptors already in memory.
func AssembleServices(services []domain.ServiceDescriptor, opts Options) (*Stack, error) {
	order, err := graph.Resolve(services)
	if err != nil {
		return nil, err
	}

	instance, profileName := envprofile.Resolve(opts.Instance, opts.Profile)
	profile, err := envprofile.Load(os.DirFS(opts.EnvDir), instance, profileName)
	if err != nil {
		return nil, err
	}

	ns, err := namespace.New(domain.InstanceNamespace{
		BaseName:      instance,
		Profile:       profileName,
		PortOverrides: opts.PortOverrides,
		Templates:     opts.Templates,
	}, namespace.Dirs{Run: opts.RunDir, Data: opts.DataDir})
	if err != nil {
		return nil, err
	}

	descs := order.StartOrder()

	var cert *domain.Certificate
	for _, d := range descs {
		if d.TLS {
			cert = &domain.Certificate{
				Subject:    opts.TLSSubject,
				SelfSigned: opts.TLSSelfSigned,
				Dir:        filepath.Join(opts.TLSCertDir, instance),
			}
			break
		}
	}

	// Injected names count as present for the requires check.
	injected := make(map[string]string)
	for _, d := range descs {
		env, err := ns.ServiceEnv(d)
		if err != nil {
			return nil, err
		}
		for k, v := range env {
			injected[k] = v
		}
	}
	if cert != nil {
		for k, v := range certs.Env(*cert) {
			injected[k] = v
		}
	}
	if err := envprofile.CheckRequired(profile, descs, injected); err != nil {
		return nil, err
	}

	plans, err := ns.Plan(descs, profile.Vars)
	if err != nil {
		return nil, err
	}

	stack := &Stack{
		Instance:  instance,
		Profile:   profile,
		Namespace: ns,
		Order:     order,
		Plans:     make(map[string]namespace.ServicePlan, len(plans)),
		Env:       make(map[string][]string, len(plans)),
		Cert:      cert,
		LogDir:    opts.LogDir,
	}
	for i, plan := range plans {
		extra := plan.Env
		if descs[i].TLS && cert != nil {
			extra = merge(plan.Env, certs.Env(*cert))
		}
		stack.Plans[plan.Name] = plan
		stack.Env[plan.Name] = envprofile.Environ(profile, extra)
	}
	return stack, nil
}

// PrepareDirs creates the run, state and log directories of the stack.
func (s *Stack) PrepareDirs() error {
	for _, plan := range s.Plans {
		dirs := []string{filepath.Dir(plan.PIDPath), plan.StateDir}
		if plan.SocketPath != "" {
			dirs = append(dirs, filepath.Dir(plan.SocketPath))
		}
		for _, owned := range plan.Owns {
			dirs = append(dirs, filepath.Dir(owned))
		}
		for _, d := range dirs {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", d, err)
			}
		}
	}
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", s.LogDir, err)
		}
	}
	return nil
}

func merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
