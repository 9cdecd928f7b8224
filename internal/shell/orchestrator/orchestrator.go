package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/core/graph"
	"github.com/artpar/stackd/internal/shell/supervisor"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers bounds concurrent service launches.
const DefaultMaxWorkers = 4

// LabelInstance marks docker resources created for a namespace.
const LabelInstance = "com.stackd.instance"

// =============================================================================
// Interfaces
// =============================================================================

// Service is one supervised service as the orchestrator sees it.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload() error
	Status() supervisor.Status
}

// Factory builds the Service for one entry of the stack.
type Factory func(stack *Stack, desc domain.ServiceDescriptor) (Service, error)

// CertEnsurer provisions TLS material.
type CertEnsurer interface {
	Ensure(ctx context.Context, cert domain.Certificate) error
}

// Resources provisions the namespace's docker networks and volumes.
type Resources interface {
	EnsureNetwork(ctx context.Context, name string, labels map[string]string) error
	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string, labels map[string]string) error
}

// Config contains the orchestrator's collaborators.
type Config struct {
	Stack      *Stack
	Factory    Factory
	Certs      CertEnsurer // required when the stack has a certificate
	Resources  Resources   // optional
	MaxWorkers int
	StopGrace  time.Duration
	Logger     *slog.Logger
}

// StartReport summarises one Up.
type StartReport struct {
	Started []string          `json:"started"`
	Failed  map[string]string `json:"failed,omitempty"`
	Skipped map[string]string `json:"skipped,omitempty"`
}

// OK reports whether every service started.
func (r *StartReport) OK() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator owns the supervisors of one namespace.
type Orchestrator struct {
	stack      *Stack
	certs      CertEnsurer
	resources  Resources
	maxWorkers int
	stopGrace  time.Duration
	logger     *slog.Logger

	services map[string]Service

	mu       sync.Mutex
	launched []string
	cancel   context.CancelFunc
	upDone   chan struct{}
}

// New builds a supervisor for every service of the stack. Nothing is
// started.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Stack == nil {
		return nil, errors.New("orchestrator: stack is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("orchestrator: factory is required")
	}
	if cfg.Stack.Cert != nil && cfg.Certs == nil {
		return nil, errors.New("orchestrator: certificate provisioner is required")
	}
	if cfg.StopGrace <= 0 {
		return nil, domain.NewConfigurationError("supervisor.stop_grace", "stop grace must be positive", domain.ErrStopGraceRequired)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		stack:      cfg.Stack,
		certs:      cfg.Certs,
		resources:  cfg.Resources,
		maxWorkers: cfg.MaxWorkers,
		stopGrace:  cfg.StopGrace,
		logger:     logger.With("component", "orchestrator", "instance", cfg.Stack.Instance),
		services:   make(map[string]Service),
	}

	for _, desc := range cfg.Stack.Descriptors() {
		svc, err := cfg.Factory(cfg.Stack, desc)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", desc.Name, err)
		}
		o.services[desc.Name] = svc
	}
	return o, nil
}

// Stack returns the resolved namespace.
func (o *Orchestrator) Stack() *Stack {
	return o.stack
}

// =============================================================================
// Up
// =============================================================================

// Up prepares the namespace and starts every service. A service waits for
// each hard dependency's Start to return; it starts as soon as they all
// did, with no readiness check beyond that. A dependency that failed to
// start causes its whole dependent subtree to be skipped while unrelated
// branches carry on. The returned error wraps domain.ErrPartialStart when
// anything failed or was skipped, and domain.ErrDependencyFailed when a
// service was skipped for a failed dependency.
func (o *Orchestrator) Up(ctx context.Context) (*StartReport, error) {
	o.mu.Lock()
	if o.upDone != nil {
		o.mu.Unlock()
		return nil, errors.New("orchestrator: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.upDone = make(chan struct{})
	upDone := o.upDone
	o.mu.Unlock()
	defer close(upDone)

	if err := o.prepare(ctx); err != nil {
		return nil, err
	}

	descs := o.stack.Descriptors()
	finished := make(map[string]chan struct{}, len(descs))
	for _, d := range descs {
		finished[d.Name] = make(chan struct{})
	}

	var (
		mu      sync.Mutex
		report  = &StartReport{Failed: map[string]string{}, Skipped: map[string]string{}}
		failErr []error
		skipErr []error
	)
	blocked := func(name string) bool {
		mu.Lock()
		defer mu.Unlock()
		_, failed := report.Failed[name]
		_, skipped := report.Skipped[name]
		return failed || skipped
	}
	skip := func(name, reason string) {
		mu.Lock()
		defer mu.Unlock()
		report.Skipped[name] = reason
	}

	var g errgroup.Group
	g.SetLimit(o.maxWorkers)

	// Scheduling in start order means every dependency already holds or
	// released a worker slot, so waiting goroutines cannot starve it.
	for _, d := range descs {
		desc := d
		g.Go(func() error {
			defer close(finished[desc.Name])

			for _, dep := range desc.DependsOn {
				select {
				case <-finished[dep]:
				case <-ctx.Done():
					skip(desc.Name, ctx.Err().Error())
					return nil
				}
				if blocked(dep) {
					err := fmt.Errorf("%w: %s", domain.ErrDependencyFailed, dep)
					skip(desc.Name, err.Error())
					mu.Lock()
					skipErr = append(skipErr, err)
					mu.Unlock()
					return nil
				}
			}
			if err := ctx.Err(); err != nil {
				skip(desc.Name, err.Error())
				return nil
			}

			o.mu.Lock()
			o.launched = append(o.launched, desc.Name)
			o.mu.Unlock()

			if err := o.services[desc.Name].Start(ctx); err != nil {
				o.logger.Error("service failed to start",
					"service", desc.Name,
					"error", err,
					"dependents", graph.Dependents(descs, desc.Name),
				)
				mu.Lock()
				report.Failed[desc.Name] = err.Error()
				failErr = append(failErr, err)
				mu.Unlock()
				return nil
			}

			mu.Lock()
			report.Started = append(report.Started, desc.Name)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if report.OK() {
		o.logger.Info("namespace up", "services", len(report.Started))
		return report, nil
	}

	skipped := make([]string, 0, len(report.Skipped))
	for name := range report.Skipped {
		skipped = append(skipped, name)
	}
	sort.Strings(skipped)
	o.logger.Warn("namespace partially up",
		"started", len(report.Started),
		"failed", len(report.Failed),
		"skipped", skipped,
	)
	err := fmt.Errorf("%w: %d failed, %d skipped", domain.ErrPartialStart, len(report.Failed), len(report.Skipped))
	if causes := append(failErr, skipErr...); len(causes) > 0 {
		err = fmt.Errorf("%w: %w", err, errors.Join(causes...))
	}
	return report, err
}

// prepare runs the side effects that must precede any process: directories,
// TLS material and docker resources.
func (o *Orchestrator) prepare(ctx context.Context) error {
	if err := o.stack.PrepareDirs(); err != nil {
		return err
	}
	if o.stack.Cert != nil {
		if err := o.certs.Ensure(ctx, *o.stack.Cert); err != nil {
			return err
		}
	}
	if o.resources == nil {
		return nil
	}
	labels := o.labels()
	for _, name := range o.stack.Networks() {
		if err := o.resources.EnsureNetwork(ctx, name, labels); err != nil {
			return fmt.Errorf("network %s: %w", name, err)
		}
	}
	for _, name := range o.stack.Volumes() {
		if err := o.resources.EnsureVolume(ctx, name, labels); err != nil {
			return fmt.Errorf("volume %s: %w", name, err)
		}
	}
	return nil
}

// =============================================================================
// Down
// =============================================================================

// Down cancels any in-flight startup, waits for the launch workers, then
// stops every service in reverse dependency order regardless of its state.
func (o *Orchestrator) Down(ctx context.Context) error {
	o.mu.Lock()
	cancel, upDone := o.cancel, o.upDone
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if upDone != nil {
		select {
		case <-upDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var errs []error
	for _, desc := range o.stack.Order.StopOrder() {
		svc := o.services[desc.Name]
		stopCtx, stopCancel := context.WithTimeout(ctx, 2*o.stopGrace+time.Second)
		err := svc.Stop(stopCtx)
		stopCancel()
		if err != nil {
			o.logger.Error("stop failed", "service", desc.Name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", desc.Name, err))
		}
	}

	o.logger.Info("namespace down")
	return errors.Join(errs...)
}

// Purge removes the namespace's docker networks and volumes. Call after
// Down. Resources without this namespace's label are left in place.
func (o *Orchestrator) Purge(ctx context.Context) error {
	if o.resources == nil {
		return nil
	}
	labels := o.labels()
	var errs []error
	for _, name := range o.stack.Networks() {
		if err := o.resources.RemoveNetwork(ctx, name, labels); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range o.stack.Volumes() {
		if err := o.resources.RemoveVolume(ctx, name, labels); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// labels mark docker resources as owned by this namespace.
func (o *Orchestrator) labels() map[string]string {
	return map[string]string{LabelInstance: o.stack.Instance}
}

// =============================================================================
// Per-service Operations
// =============================================================================

// Reload delivers the reload signal to one service.
func (o *Orchestrator) Reload(name string) error {
	svc, ok := o.services[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, domain.ErrServiceNotFound)
	}
	return svc.Reload()
}

// ReloadAll reloads every Running service. Services in other states are
// left alone.
func (o *Orchestrator) ReloadAll() error {
	var errs []error
	for _, desc := range o.stack.Descriptors() {
		svc := o.services[desc.Name]
		if svc.Status().State != domain.StateRunning {
			continue
		}
		if err := svc.Reload(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops one service.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	svc, ok := o.services[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, domain.ErrServiceNotFound)
	}
	return svc.Stop(ctx)
}

// Status returns one service's status.
func (o *Orchestrator) Status(name string) (supervisor.Status, error) {
	svc, ok := o.services[name]
	if !ok {
		return supervisor.Status{}, fmt.Errorf("%s: %w", name, domain.ErrServiceNotFound)
	}
	return svc.Status(), nil
}

// Statuses returns every service's status in start order.
func (o *Orchestrator) Statuses() []supervisor.Status {
	descs := o.stack.Descriptors()
	out := make([]supervisor.Status, 0, len(descs))
	for _, desc := range descs {
		out = append(out, o.services[desc.Name].Status())
	}
	return out
}

// Launched returns the services whose Start was called, in call order.
func (o *Orchestrator) Launched() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.launched...)
}
