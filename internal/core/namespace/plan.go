package namespace

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/stackd/internal/core/domain"
)

// Variables injected into each service's environment.
const (
	VarContainerName = "STACK_CONTAINER_NAME"
	VarNetwork       = "STACK_NETWORK"
	VarVolumePrefix  = "STACK_VOLUME_"
	VarPublishPrefix = "STACK_PUBLISH_"
	VarSocket        = "STACK_SOCKET"
	VarBindAddress   = "STACK_BIND_ADDRESS"
	VarPIDFile       = "STACK_PID_FILE"
	VarStateDir      = "STACK_STATE_DIR"
)

// ServicePlan is everything the namespace derives for one service.
type ServicePlan struct {
	Name          string
	ContainerName string
	Command       []string
	Env           map[string]string
	Bindings      []Binding
	Owns          []string
	PIDPath       string
	SocketPath    string
	StateDir      string
}

// ServiceEnv returns the variables injected into one service.
func (n *Namespace) ServiceEnv(desc domain.ServiceDescriptor) (map[string]string, error) {
	env := map[string]string{
		VarContainerName: n.ContainerName(desc.Name),
		VarPIDFile:       n.PIDPath(desc.Name),
		VarStateDir:      n.StatePath(desc.Name),
	}

	network := DefaultNetwork
	if len(desc.Networks) > 0 {
		network = desc.Networks[0]
	}
	env[VarNetwork] = n.NetworkName(network)

	volumeOf := make(map[string]string, len(desc.Volumes))
	for _, v := range desc.Volumes {
		key := VolumeVar(v)
		if prev, ok := volumeOf[key]; ok && prev != v {
			return nil, domain.NewConfigurationError("services."+desc.Name+".volumes",
				fmt.Sprintf("volumes %q and %q both map to %s", prev, v, key), domain.ErrInvalidNamespace)
		}
		volumeOf[key] = v
		env[key] = n.VolumeName(v)
	}

	if desc.Socket {
		env[VarSocket] = n.SocketPath(desc.Name)
	}

	bindings, err := n.Bindings(desc.Name, desc.Ports)
	if err != nil {
		return nil, err
	}
	if len(bindings) > 0 {
		env[VarBindAddress] = bindings[0].Address()
	}
	for i, b := range bindings {
		env[PublishVar(i)] = b.Spec()
	}
	return env, nil
}

// VolumeVar names the variable carrying a volume's namespaced name.
func VolumeVar(volume string) string {
	return VarVolumePrefix + envKey(volume)
}

// PublishVar names the variable carrying the i-th binding in docker
// "-p" form.
func PublishVar(i int) string {
	return VarPublishPrefix + strconv.Itoa(i)
}

// Plan derives names, paths, bindings and substituted commands for every
// service and rejects clashes inside the namespace: a host port bound twice
// or a path owned by two services.
func (n *Namespace) Plan(services []domain.ServiceDescriptor, profileVars map[string]string) ([]ServicePlan, error) {
	plans := make([]ServicePlan, 0, len(services))
	var all []Binding
	owners := make(map[string]string)
	var pathClashes []string

	for _, desc := range services {
		env, err := n.ServiceEnv(desc)
		if err != nil {
			return nil, err
		}
		bindings, err := n.Bindings(desc.Name, desc.Ports)
		if err != nil {
			return nil, err
		}
		all = append(all, bindings...)

		vars := make(map[string]string, len(profileVars)+len(env))
		for k, v := range profileVars {
			vars[k] = v
		}
		for k, v := range env {
			vars[k] = v
		}

		owns := make([]string, 0, len(desc.Owns))
		for _, p := range desc.Owns {
			path := filepath.Clean(Substitute(p, vars))
			if prev, ok := owners[path]; ok && prev != desc.Name {
				pathClashes = append(pathClashes, fmt.Sprintf("%s owned by %s and %s", path, prev, desc.Name))
				continue
			}
			owners[path] = desc.Name
			owns = append(owns, path)
		}

		plans = append(plans, ServicePlan{
			Name:          desc.Name,
			ContainerName: env[VarContainerName],
			Command:       SubstituteAll(desc.Command, vars),
			Env:           env,
			Bindings:      bindings,
			Owns:          owns,
			PIDPath:       env[VarPIDFile],
			SocketPath:    env[VarSocket],
			StateDir:      env[VarStateDir],
		})
	}

	if len(pathClashes) > 0 {
		sort.Strings(pathClashes)
		return nil, domain.NewConfigurationError("services.owns",
			strings.Join(pathClashes, "; "), domain.ErrPathConflict)
	}
	if err := CheckConflicts(all); err != nil {
		return nil, err
	}
	return plans, nil
}

// envKey upper-cases a name and maps every non-alphanumeric rune to "_".
func envKey(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}
