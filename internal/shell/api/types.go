package api

import (
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/shell/store"
	"github.com/artpar/stackd/internal/shell/supervisor"
)

// =============================================================================
// Response Types
// =============================================================================

// ServiceResponse is one service's supervisor status.
type ServiceResponse struct {
	Name         string              `json:"name"`
	State        domain.ServiceState `json:"state"`
	PID          int                 `json:"pid,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	Restarts     int                 `json:"restarts"`
	RecentExits  int                 `json:"recent_exits"`
	LastExitCode int                 `json:"last_exit_code"`
	LastError    string              `json:"last_error,omitempty"`
}

// ServiceListResponse is the response for listing services.
type ServiceListResponse struct {
	Instance string            `json:"instance"`
	Profile  string            `json:"profile"`
	Services []ServiceResponse `json:"services"`
}

// EventListResponse is the persisted transition history of a service.
type EventListResponse struct {
	RunID  string        `json:"run_id"`
	Events []store.Event `json:"events"`
}

// ActionResponse acknowledges a reload or stop.
type ActionResponse struct {
	Service string              `json:"service"`
	Action  string              `json:"action"`
	State   domain.ServiceState `json:"state"`
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func toServiceResponse(s supervisor.Status) ServiceResponse {
	resp := ServiceResponse{
		Name:         s.Name,
		State:        s.State,
		PID:          s.PID,
		Restarts:     s.Restarts,
		RecentExits:  s.RecentExits,
		LastExitCode: s.LastExitCode,
		LastError:    s.LastError,
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		resp.StartedAt = &started
	}
	return resp
}
