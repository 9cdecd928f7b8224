// Package manifest turns a stack definition into typed service
// descriptors. Two inputs are accepted: the native YAML manifest and a
// docker-compose file, whose services become foreground "docker run"
// processes wired to the namespace's derived names.
// This is part of the Functional Core - no I/O beyond the bytes handed in.
package manifest

import (
	"fmt"

	"github.com/artpar/stackd/internal/core/domain"
)

// =============================================================================
// Error Types
// =============================================================================

// Every manifest error wraps domain.ErrInvalidManifest.
var (
	ErrEmptyInput         = fmt.Errorf("%w: manifest is empty", domain.ErrInvalidManifest)
	ErrInvalidYAML        = fmt.Errorf("%w: invalid YAML syntax", domain.ErrInvalidManifest)
	ErrNoServices         = fmt.Errorf("%w: manifest must define at least one service", domain.ErrInvalidManifest)
	ErrInvalidServiceName = fmt.Errorf("%w: invalid service name", domain.ErrInvalidManifest)
	ErrNoCommand          = fmt.Errorf("%w: service must have a command", domain.ErrInvalidManifest)
	ErrNoImage            = fmt.Errorf("%w: service must have an image", domain.ErrInvalidManifest)
	ErrInvalidRestart     = fmt.Errorf("%w: invalid restart policy", domain.ErrInvalidManifest)
	ErrUnsupportedFeature = fmt.Errorf("%w: unsupported compose feature", domain.ErrInvalidManifest)
)

func parseError(field, message string, err error) error {
	return domain.NewConfigurationError(field, message, err)
}
