package store

import (
	"context"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	LatestRun(ctx context.Context, instance, profile string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus) error
	FinishRun(ctx context.Context, id string, status RunStatus, at time.Time) error
	ListRuns(ctx context.Context, instance string, limit int) ([]Run, error)

	// Transition operations
	RecordTransition(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, opts ListOptions) ([]Event, error)
	LatestStates(ctx context.Context, runID string) ([]Event, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}

// =============================================================================
// Entities
// =============================================================================

// RunStatus is the outcome of one namespace run.
type RunStatus string

const (
	RunStarting RunStatus = "starting"
	RunUp       RunStatus = "up"
	RunPartial  RunStatus = "partial"
	RunStopped  RunStatus = "stopped"
)

// Run is one `up` of a namespace.
type Run struct {
	ID        string     `json:"id"`
	Instance  string     `json:"instance"`
	Profile   string     `json:"profile"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Event is one persisted supervisor state transition.
type Event struct {
	ID      string              `json:"id"`
	RunID   string              `json:"run_id"`
	Service string              `json:"service"`
	From    domain.ServiceState `json:"from"`
	To      domain.ServiceState `json:"to"`
	PID     int                 `json:"pid,omitempty"`
	Detail  string              `json:"detail,omitempty"`
	At      time.Time           `json:"at"`
}

// =============================================================================
// Options
// =============================================================================

// ListOptions contains filtering and pagination options for event lists.
type ListOptions struct {
	Service string
	Limit   int
	Offset  int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
