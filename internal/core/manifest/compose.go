package manifest

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/core/namespace"
	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// Placeholders resolved per service by the namespace.
const (
	containerNamePlaceholder = "${" + namespace.VarContainerName + "}"
	networkPlaceholder       = "${" + namespace.VarNetwork + "}"
)

// variablePlaceholderRegex matches ${VAR_NAME} or ${VAR_NAME:-default}.
var variablePlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-[^}]*)?\}`)

// =============================================================================
// Compose Import
// =============================================================================

// ImportCompose converts a docker-compose file into descriptors. Each
// service runs as a foreground "docker run --rm" so the supervisor owns the
// container's lifetime through the docker client process:
//
//   - container name, network and named volumes come from the namespace
//   - published ports become "-p ${STACK_PUBLISH_n}"
//   - environment values keep their ${VAR} placeholders, which are resolved
//     against the profile and listed in Requires
//   - a service that others depend on with condition
//     service_completed_successfully becomes a oneshot
//
// Interpolation is left to the namespace so one compose file serves every
// profile.
func ImportCompose(ctx context.Context, content []byte) ([]domain.ServiceDescriptor, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, parseError("", "compose file is empty", ErrEmptyInput)
	}

	project, err := loadProject(ctx, content)
	if err != nil {
		return nil, err
	}
	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}
	if len(project.Services) == 0 {
		return nil, parseError("services", "no services defined", ErrNoServices)
	}

	oneshots := make(map[string]bool)
	for _, svc := range project.Services {
		for dep, cfg := range svc.DependsOn {
			if cfg.Condition == types.ServiceConditionCompletedSuccessfully {
				oneshots[dep] = true
			}
		}
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	services := make([]domain.ServiceDescriptor, 0, len(names))
	for _, name := range names {
		desc, err := convertService(name, project.Services[name], oneshots[name])
		if err != nil {
			return nil, err
		}
		services = append(services, desc)
	}

	if err := Validate(services); err != nil {
		return nil, err
	}
	return services, nil
}

// loadProject loads a compose file with compose-go, entirely in memory.
func loadProject(ctx context.Context, content []byte) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil {
		return nil, parseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, parseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(ctx, types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: content,
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("stackd-import", false)
		opts.SkipInterpolation = true
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.ResolvePaths = false
	})
	if err != nil {
		return nil, parseError("", err.Error(), ErrInvalidYAML)
	}
	return project, nil
}

// checkUnsupportedFeatures rejects compose features that have no
// foreground-process equivalent.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return parseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return parseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for name, svc := range project.Services {
		if svc.Extends != nil && svc.Extends.File != "" {
			return parseError("services."+name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

func convertService(name string, svc types.ServiceConfig, oneshot bool) (domain.ServiceDescriptor, error) {
	field := "services." + name
	if svc.Image == "" {
		return domain.ServiceDescriptor{}, parseError(field, "service must have an image", ErrNoImage)
	}

	desc := domain.ServiceDescriptor{
		Name:    name,
		Oneshot: oneshot,
	}

	args := []string{"docker", "run", "--rm", "--name", containerNamePlaceholder, "--network", networkPlaceholder}

	for i, p := range svc.Ports {
		if p.Published == "" {
			return domain.ServiceDescriptor{}, parseError(fmt.Sprintf("%s.ports[%d]", field, i), "published port is required", domain.ErrInvalidPort)
		}
		spec := p.Published + ":" + strconv.FormatUint(uint64(p.Target), 10)
		if p.HostIP != "" {
			spec = p.HostIP + ":" + spec
		}
		if p.Protocol != "" {
			spec += "/" + p.Protocol
		}
		desc.Ports = append(desc.Ports, spec)
		args = append(args, "-p", "${"+namespace.PublishVar(i)+"}")
	}

	for _, v := range svc.Volumes {
		mount := v.Source + ":" + v.Target
		if v.Type == types.VolumeTypeVolume && v.Source != "" {
			desc.Volumes = append(desc.Volumes, v.Source)
			mount = "${" + namespace.VolumeVar(v.Source) + "}:" + v.Target
		}
		if v.Source == "" {
			mount = v.Target
		}
		if v.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}

	envKeys := make([]string, 0, len(svc.Environment))
	for k := range svc.Environment {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	seen := make(map[string]bool)
	for _, k := range envKeys {
		v := svc.Environment[k]
		if v == nil {
			args = append(args, "-e", k)
			continue
		}
		args = append(args, "-e", k+"="+*v)
		for _, m := range variablePlaceholderRegex.FindAllStringSubmatch(*v, -1) {
			if !strings.Contains(m[0], ":-") && !seen[m[1]] {
				seen[m[1]] = true
				desc.Requires = append(desc.Requires, m[1])
			}
		}
	}

	// docker run attaches a single --network; extra ones would be dropped.
	if len(svc.Networks) > 1 {
		return domain.ServiceDescriptor{}, parseError(field+".networks",
			fmt.Sprintf("service joins %d networks, only one is supported", len(svc.Networks)), ErrUnsupportedFeature)
	}
	for network := range svc.Networks {
		desc.Networks = append(desc.Networks, network)
	}

	for dep := range svc.DependsOn {
		desc.DependsOn = append(desc.DependsOn, dep)
	}
	sort.Strings(desc.DependsOn)

	if svc.WorkingDir != "" {
		args = append(args, "-w", svc.WorkingDir)
	}
	if len(svc.Entrypoint) > 0 {
		args = append(args, "--entrypoint", svc.Entrypoint[0])
	}
	args = append(args, svc.Image)
	if len(svc.Entrypoint) > 1 {
		args = append(args, svc.Entrypoint[1:]...)
	}
	args = append(args, svc.Command...)
	desc.Command = args

	switch svc.Restart {
	case types.RestartPolicyAlways, types.RestartPolicyUnlessStopped, types.RestartPolicyOnFailure:
		p := domain.DefaultRestartPolicy()
		desc.Restart = &p
	}

	return desc, nil
}
