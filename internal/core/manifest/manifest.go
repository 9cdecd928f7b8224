package manifest

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/artpar/stackd/internal/core/domain"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

var serviceNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Restart shorthands accepted in place of a policy mapping.
const (
	RestartDefault = "default"
	RestartNever   = "no"
)

// =============================================================================
// Parser Functions
// =============================================================================

// Parse decodes a native manifest. Services are returned in document order,
// which the dependency resolver uses as its tie-break.
//
//	services:
//	  broker:
//	    command: [redis-server, --port, "${PDB_REDIS_PORT}"]
//	    restart: default
//	  worker:
//	    command: [celery, -A, productdb, worker]
//	    depends_on: [broker]
//	    requires: [PDB_REDIS_HOST]
func Parse(data []byte) ([]domain.ServiceDescriptor, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, parseError("", "manifest is empty", ErrEmptyInput)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, parseError("", err.Error(), ErrInvalidYAML)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, parseError("", "top level must be a mapping", ErrInvalidYAML)
	}

	servicesNode := lookup(doc.Content[0], "services")
	if servicesNode == nil || servicesNode.Kind != yaml.MappingNode || len(servicesNode.Content) == 0 {
		return nil, parseError("services", "no services defined", ErrNoServices)
	}

	services := make([]domain.ServiceDescriptor, 0, len(servicesNode.Content)/2)
	for i := 0; i+1 < len(servicesNode.Content); i += 2 {
		name := servicesNode.Content[i].Value
		desc, err := decodeService(name, servicesNode.Content[i+1])
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

func decodeService(name string, node *yaml.Node) (domain.ServiceDescriptor, error) {
	field := "services." + name
	if node.Kind != yaml.MappingNode {
		return domain.ServiceDescriptor{}, parseError(field, "service must be a mapping", ErrInvalidYAML)
	}

	var restart *domain.RestartPolicy
	restartSet := false
	if idx := indexOf(node, "restart"); idx >= 0 && node.Content[idx+1].Kind == yaml.ScalarNode {
		switch v := node.Content[idx+1].Value; v {
		case RestartDefault:
			p := domain.DefaultRestartPolicy()
			restart = &p
		case RestartNever, "":
		default:
			return domain.ServiceDescriptor{}, parseError(field+".restart", fmt.Sprintf("unknown restart shorthand %q", v), ErrInvalidRestart)
		}
		restartSet = true
		node.Content = append(node.Content[:idx], node.Content[idx+2:]...)
	}

	var desc domain.ServiceDescriptor
	if err := node.Decode(&desc); err != nil {
		return domain.ServiceDescriptor{}, parseError(field, err.Error(), ErrInvalidYAML)
	}
	desc.Name = name
	if restartSet {
		desc.Restart = restart
	}
	return desc, nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks each descriptor on its own. Cross-service checks
// (dependencies, ports, owned paths) belong to the resolver and the
// namespace.
func Validate(services []domain.ServiceDescriptor) error {
	if len(services) == 0 {
		return parseError("services", "no services defined", ErrNoServices)
	}
	for _, svc := range services {
		field := "services." + svc.Name
		if !serviceNameRegex.MatchString(svc.Name) {
			return parseError(field, fmt.Sprintf("name %q must match %s", svc.Name, serviceNameRegex.String()), ErrInvalidServiceName)
		}
		if len(svc.Command) == 0 || svc.Command[0] == "" {
			return parseError(field+".command", "command is required", ErrNoCommand)
		}
		if p := svc.Restart; p != nil {
			if p.MaxRestarts < 0 || p.Delay < 0 || (p.MaxRestarts > 0 && p.Window <= 0) {
				return parseError(field+".restart", "max_restarts and delay must be non-negative and window positive", ErrInvalidRestart)
			}
		}
		if svc.ReloadSignal != "" && unix.SignalNum(svc.ReloadSignal) == 0 {
			return parseError(field+".reload_signal", fmt.Sprintf("unknown signal %q", svc.ReloadSignal), domain.ErrInvalidManifest)
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func indexOf(mapping *yaml.Node, key string) int {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return i
		}
	}
	return -1
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	if idx := indexOf(mapping, key); idx >= 0 {
		return mapping.Content[idx+1]
	}
	return nil
}
