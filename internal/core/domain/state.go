package domain

import "errors"

// ErrInvalidTransition is returned when a service state change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// =============================================================================
// Service State
// =============================================================================

// ServiceState is the lifecycle state of one supervised service.
type ServiceState string

const (
	StateStopped   ServiceState = "stopped"
	StateStarting  ServiceState = "starting"
	StateRunning   ServiceState = "running"
	StateReloading ServiceState = "reloading"
	StateStopping  ServiceState = "stopping"
	StateFailed    ServiceState = "failed"
)

// String implements fmt.Stringer.
func (s ServiceState) String() string {
	return string(s)
}

// Launched reports whether the service has a lifecycle in progress, that is
// it left Stopped and has not returned there.
func (s ServiceState) Launched() bool {
	return s != StateStopped && s != ""
}

// Terminal reports whether no further automatic transition will happen.
func (s ServiceState) Terminal() bool {
	return s == StateFailed
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions. A crash while
// Running or Reloading goes back to Starting for a restart, or to Failed
// once the budget is spent.
var validTransitions = map[ServiceState][]ServiceState{
	StateStopped:   {StateStarting},
	StateStarting:  {StateRunning, StateStopping, StateFailed},
	StateRunning:   {StateReloading, StateStopping, StateStarting, StateStopped, StateFailed},
	StateReloading: {StateRunning, StateStarting, StateStopping, StateStopped, StateFailed},
	StateStopping:  {StateStopped},
	StateFailed:    {StateStopping, StateStopped},
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to ServiceState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// CanTransition is the boolean form of ValidateTransition.
func CanTransition(from, to ServiceState) bool {
	return ValidateTransition(from, to) == nil
}

// AllStates returns every state in a stable order.
func AllStates() []ServiceState {
	return []ServiceState{
		StateStopped,
		StateStarting,
		StateRunning,
		StateReloading,
		StateStopping,
		StateFailed,
	}
}
