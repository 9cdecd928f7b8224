package main

import (
	"log/slog"

	"github.com/artpar/stackd/internal/shell/certs"
	"github.com/artpar/stackd/internal/shell/docker"
	"github.com/artpar/stackd/internal/shell/orchestrator"
	"github.com/artpar/stackd/internal/shell/supervisor"
)

// fanOut delivers every transition to each observer in turn. Observers run
// on the supervisor's goroutine and must not block.
func fanOut(observers ...func(supervisor.Transition)) func(supervisor.Transition) {
	return func(t supervisor.Transition) {
		for _, observe := range observers {
			if observe != nil {
				observe(t)
			}
		}
	}
}

// logTransition logs state changes, failures at error level.
func logTransition(logger *slog.Logger) func(supervisor.Transition) {
	return func(t supervisor.Transition) {
		attrs := []any{
			"service", t.Service,
			"from", t.From,
			"to", t.To,
		}
		if t.PID > 0 {
			attrs = append(attrs, "pid", t.PID)
		}
		if t.Err != nil {
			attrs = append(attrs, "error", t.Err)
		}
		if t.To.Terminal() {
			logger.Error("service transition", attrs...)
			return
		}
		logger.Info("service transition", attrs...)
	}
}

// newOrchestrator wires the supervisors of a stack. d may be nil when
// docker resources are disabled.
func newOrchestrator(cfg *Config, stack *orchestrator.Stack, d *docker.DockerClient, onTransition func(supervisor.Transition), logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	var resources orchestrator.Resources
	if d != nil {
		resources = d
	}

	return orchestrator.New(orchestrator.Config{
		Stack: stack,
		Factory: orchestrator.SupervisorFactory(orchestrator.SupervisorOptions{
			StartGrace:   cfg.Supervisor.StartGrace,
			StopGrace:    cfg.Supervisor.StopGrace,
			Logger:       logger,
			OnTransition: onTransition,
		}),
		Certs:      certs.NewProvisioner(certs.SelfSigned{}, logger),
		Resources:  resources,
		MaxWorkers: cfg.Supervisor.MaxWorkers,
		StopGrace:  cfg.Supervisor.StopGrace,
		Logger:     logger,
	})
}
