package orchestrator

import (
	"log/slog"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/shell/supervisor"
)

// SupervisorOptions are the knobs shared by every supervisor of a stack.
type SupervisorOptions struct {
	StartGrace   time.Duration
	StopGrace    time.Duration
	Logger       *slog.Logger
	OnTransition func(supervisor.Transition)
}

// SupervisorFactory returns a Factory that runs each service as a local
// process under a supervisor.Supervisor.
func SupervisorFactory(opts SupervisorOptions) Factory {
	return func(stack *Stack, desc domain.ServiceDescriptor) (Service, error) {
		plan := stack.Plans[desc.Name]
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		return supervisor.New(supervisor.Config{
			Name:         desc.Name,
			Command:      plan.Command,
			Env:          stack.Env[desc.Name],
			WorkDir:      desc.WorkDir,
			PIDPath:      plan.PIDPath,
			LogPath:      stack.LogPath(desc.Name),
			Policy:       desc.Restart,
			Oneshot:      desc.Oneshot,
			ReloadSignal: desc.ReloadSignal,
			StartGrace:   opts.StartGrace,
			StopGrace:    opts.StopGrace,
			Logger:       logger.With("instance", stack.Instance),
			OnTransition: opts.OnTransition,
		})
	}
}
