package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Configuration errors (namespace-fatal)
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDuplicateService   = errors.New("duplicate service name")
	ErrMissingEnvFile     = errors.New("environment file not found")
	ErrMissingVariable    = errors.New("required variable is missing")
	ErrMissingCertificate = errors.New("certificate material not found")
	ErrInvalidNamespace   = errors.New("invalid namespace")
	ErrInvalidPort        = errors.New("invalid port binding")
	ErrPortConflict       = errors.New("port binding already claimed")
	ErrPathConflict       = errors.New("path owned by more than one service")
	ErrInvalidManifest    = errors.New("invalid manifest")
	ErrStopGraceRequired  = errors.New("stop grace period must be configured")

	// Process errors (contained to a service subtree)
	ErrExecutableNotFound     = errors.New("executable not found")
	ErrExitedDuringStart      = errors.New("process exited during start grace")
	ErrTransientCrash         = errors.New("process exited unexpectedly")
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	ErrProcessGone            = errors.New("process already gone")
	ErrStoppedDuringStart     = errors.New("stopped before start completed")
	ErrDependencyFailed       = errors.New("dependency failed to start")
	ErrPartialStart           = errors.New("some services failed to start")
	ErrServiceNotFound        = errors.New("service not found")
)

// ConfigurationError aborts the whole namespace before any process starts.
type ConfigurationError struct {
	Field   string // e.g. "services.web.depends_on"
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string, err error) *ConfigurationError {
	return &ConfigurationError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// IsConfigurationError reports whether err is namespace-fatal configuration.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// ServiceError wraps a per-service failure with the operation that raised it.
// Err is one of the process sentinels above.
type ServiceError struct {
	Op      string // "start", "restart", "reload", "stop"
	Service string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Service, e.Message)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewProcessStartError reports a service that could not be launched.
func NewProcessStartError(service, message string, err error) *ServiceError {
	return &ServiceError{Op: "start", Service: service, Message: message, Err: err}
}

// NewTransientCrashError reports an unexpected exit the restart loop may
// still absorb.
func NewTransientCrashError(service string, exitCode int) *ServiceError {
	return &ServiceError{
		Op:      "run",
		Service: service,
		Message: fmt.Sprintf("exited unexpectedly with code %d", exitCode),
		Err:     ErrTransientCrash,
	}
}

// NewRestartBudgetError reports a service whose restart budget ran out.
func NewRestartBudgetError(service string, exits int) *ServiceError {
	return &ServiceError{
		Op:      "restart",
		Service: service,
		Message: fmt.Sprintf("%d unexpected exits inside the restart window", exits),
		Err:     ErrRestartBudgetExhausted,
	}
}

// NewSignalDeliveryError reports a signal that found no process to deliver to.
func NewSignalDeliveryError(op, service string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Service: service,
		Message: fmt.Sprintf("signal delivery failed: %v", err),
		Err:     errors.Join(ErrProcessGone, err),
	}
}

// IsProcessStartError reports whether err is a start failure.
func IsProcessStartError(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Op == "start"
}
