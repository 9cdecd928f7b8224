// Package envprofile resolves an instance name and configuration profile
// into the single environment mapping shared by every service of a
// namespace.
//
// The file for a profile lives at a deterministic path, "<profile>.env",
// relative to the env directory handed in as an fs.FS. A missing file is a
// ConfigurationError: all services share one mapping, so no service of
// the namespace may start without it.
package envprofile

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/subosito/gotenv"
)

// Defaults used when the instance or profile selector is unset.
const (
	DefaultInstance = "productdb"
	DefaultProfile  = "default"
)

// Variables injected into every profile.
const (
	VarInstance = "STACK_INSTANCE"
	VarProfile  = "STACK_PROFILE"
)

var profileNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Resolve applies the defaults to unset selectors.
func Resolve(instance, profile string) (string, string) {
	if instance == "" {
		instance = DefaultInstance
	}
	if profile == "" {
		profile = DefaultProfile
	}
	return instance, profile
}

// Path returns the env file location for a profile, relative to the env
// directory.
func Path(profile string) string {
	return profile + ".env"
}

// Load reads and parses the env file for profile from fsys.
func Load(fsys fs.FS, instance, profile string) (*domain.EnvironmentProfile, error) {
	instance, profile = Resolve(instance, profile)

	if !profileNameRegex.MatchString(profile) {
		return nil, domain.NewConfigurationError("instance.profile", fmt.Sprintf("invalid profile name %q", profile), domain.ErrInvalidNamespace)
	}

	path := Path(profile)
	f, err := fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewConfigurationError("instance.profile", fmt.Sprintf("no env file %s for profile %q", path, profile), domain.ErrMissingEnvFile)
		}
		return nil, domain.NewConfigurationError("instance.profile", fmt.Sprintf("open %s: %v", path, err), err)
	}
	defer f.Close()

	parsed, err := gotenv.StrictParse(f)
	if err != nil {
		return nil, domain.NewConfigurationError(path, err.Error(), domain.ErrInvalidManifest)
	}

	vars := make(map[string]string, len(parsed)+2)
	for k, v := range parsed {
		vars[k] = v
	}
	vars[VarInstance] = instance
	vars[VarProfile] = profile

	return &domain.EnvironmentProfile{
		Instance: instance,
		Profile:  profile,
		Source:   path,
		Vars:     vars,
	}, nil
}

// CheckRequired verifies that every variable a service requires is present
// in the profile. Extra holds variables stackd injects itself.
func CheckRequired(profile *domain.EnvironmentProfile, services []domain.ServiceDescriptor, extra map[string]string) error {
	var missing []string
	for _, svc := range services {
		for _, name := range svc.Requires {
			if _, ok := profile.Lookup(name); ok {
				continue
			}
			if _, ok := extra[name]; ok {
				continue
			}
			missing = append(missing, svc.Name+":"+name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return domain.NewConfigurationError(
		"services.requires",
		fmt.Sprintf("profile %q is missing %v", profile.Profile, missing),
		domain.ErrMissingVariable,
	)
}

// Environ merges the profile with per-service variables into a sorted
// KEY=value slice suitable for exec. Per-service variables win.
func Environ(profile *domain.EnvironmentProfile, extra map[string]string) []string {
	merged := make(map[string]string, len(profile.Vars)+len(extra))
	for k, v := range profile.Vars {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
