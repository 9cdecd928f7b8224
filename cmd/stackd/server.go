package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/shell/api"
	"github.com/artpar/stackd/internal/shell/docker"
	"github.com/artpar/stackd/internal/shell/metrics"
	"github.com/artpar/stackd/internal/shell/orchestrator"
	"github.com/artpar/stackd/internal/shell/store"
	"github.com/artpar/stackd/internal/shell/supervisor"
	"github.com/artpar/stackd/internal/shell/workers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitNamespaceLocked = 5
	ExitCommandError    = 6
)

// =============================================================================
// Server
// =============================================================================

// Server supervises one namespace until it is signalled.
type Server struct {
	config     *Config
	stack      *orchestrator.Stack
	orch       *orchestrator.Orchestrator
	store      store.Store
	run        *store.Run
	recorder   *workers.Recorder
	docker     *docker.DockerClient
	httpServer *http.Server
	pidFile    *supervisor.PIDFile
	logger     *slog.Logger
}

// NewServer resolves the namespace and wires every collaborator. Nothing
// is started; every configuration error surfaces here.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	stack, err := orchestrator.Assemble(ctx, cfg.Options())
	if err != nil {
		return nil, &ServerError{Op: "Assemble", Err: err, ExitCode: ExitConfigError}
	}
	logger = logger.With("instance", stack.Instance, "profile", stack.Profile.Profile)

	// One daemon per namespace
	pidFile := supervisor.NewPIDFile(cfg.DaemonPIDPath())
	if err := pidFile.Write(os.Getpid()); err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitNamespaceLocked}
	}

	srv := &Server{
		config:  cfg,
		stack:   stack,
		pidFile: pidFile,
		logger:  logger,
	}

	// Connect to database
	if dir := filepath.Dir(cfg.Database.DSN); cfg.Database.DSN != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			srv.release()
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		srv.release()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}
	srv.store = s

	run := &store.Run{Instance: stack.Instance, Profile: stack.Profile.Profile}
	if err := s.CreateRun(ctx, run); err != nil {
		srv.release()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}
	srv.run = run

	// Connect to Docker
	if cfg.Docker.Enabled {
		d, err := docker.NewDockerClient(ctx, cfg.Docker.Host, logger)
		if err != nil {
			srv.release()
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
		}
		srv.docker = d
	} else {
		logger.Info("docker resources disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry, stack.Instance)
	for _, name := range stack.Order.Names() {
		m.Register(name)
	}

	srv.recorder = workers.NewRecorder(s, run.ID, workers.DefaultRecorderConfig(), logger)

	orch, err := newOrchestrator(cfg, stack, srv.docker,
		fanOut(logTransition(logger), m.Observe, srv.recorder.Observe), logger)
	if err != nil {
		srv.release()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}
	srv.orch = orch

	if cfg.API.Address != "" {
		handler := api.NewHandler(api.Config{
			Controller: orch,
			Store:      s,
			RunID:      func() string { return run.ID },
			Gatherer:   registry,
			Instance:   stack.Instance,
			Profile:    stack.Profile.Profile,
			Token:      cfg.API.Token,
			Logger:     logger,
		})
		srv.httpServer = &http.Server{
			Addr:              cfg.API.Address,
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	} else {
		logger.Info("control API disabled")
	}

	return srv, nil
}

// Start brings the namespace up and blocks until SIGINT or SIGTERM. SIGHUP
// reloads every running service.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	s.recorder.Start()

	errCh := make(chan error, 1)
	if s.httpServer != nil {
		go func() {
			s.logger.Info("starting control API", "address", s.config.API.Address)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	type upResult struct {
		report *orchestrator.StartReport
		err    error
	}
	upCh := make(chan upResult, 1)
	go func() {
		report, err := s.orch.Up(ctx)
		upCh <- upResult{report, err}
	}()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.logger.Info("reloading services")
				if err := s.orch.ReloadAll(); err != nil {
					s.logger.Error("reload failed", "error", err)
				}
				continue
			}
			s.logger.Info("received shutdown signal", "signal", sig)
			return s.Shutdown(context.Background())

		case res := <-upCh:
			if res.report == nil {
				// Preparation failed before any process started.
				s.logger.Error("namespace failed to start", "error", res.err)
				s.Shutdown(context.Background())
				code := ExitCommandError
				if domain.IsConfigurationError(res.err) {
					code = ExitConfigError
				}
				return &ServerError{Op: "Up", Err: res.err, ExitCode: code}
			}
			status := store.RunUp
			if !res.report.OK() {
				status = store.RunPartial
			}
			if err := s.store.UpdateRunStatus(context.Background(), s.run.ID, status); err != nil {
				s.logger.Error("failed to record run status", "error", err)
			}

		case err := <-errCh:
			s.Shutdown(context.Background())
			return &ServerError{
				Op:       "Start",
				Err:      err,
				ExitCode: ExitHTTPServerError,
			}

		case <-ctx.Done():
			s.logger.Info("context cancelled")
			return s.Shutdown(context.Background())
		}
	}
}

// Shutdown stops every service in reverse dependency order, then releases
// the daemon's resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.API.ShutdownTimeout)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("control API shutdown error", "error", err)
		}
		cancel()
	}

	downErr := s.orch.Down(ctx)
	if downErr != nil {
		s.logger.Error("namespace stopped with errors", "error", downErr)
	}

	// Final transitions are queued by now.
	s.recorder.Stop()
	if err := s.store.FinishRun(ctx, s.run.ID, store.RunStopped, time.Now()); err != nil {
		s.logger.Error("failed to record run end", "error", err)
	}

	s.release()
	s.logger.Info("shutdown complete")
	return downErr
}

// release closes whatever NewServer opened.
func (s *Server) release() {
	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			s.logger.Error("Docker client close error", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}
	if err := s.pidFile.Remove(); err != nil {
		s.logger.Error("pid file removal error", "error", err)
	}
}

// =============================================================================
// Errors
// =============================================================================

// ServerError represents a server error with an exit code.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
