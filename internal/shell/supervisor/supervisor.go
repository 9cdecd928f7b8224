// Package supervisor runs one service process through the Stopped →
// Starting → Running → {Reloading | Stopping} → Stopped lifecycle, with
// automatic restarts bounded by a sliding-window budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/core/restart"
	"golang.org/x/sys/unix"
)

// DefaultStartGrace is how long a process must stay up before it counts as
// Running.
const DefaultStartGrace = time.Second

// Config contains configuration for a supervisor.
type Config struct {
	Name    string
	Command []string
	Env     []string
	WorkDir string

	PIDPath string
	LogPath string // stdout and stderr, appended; empty discards output

	Policy       *domain.RestartPolicy // nil: the first unexpected exit is fatal
	Oneshot      bool
	ReloadSignal string // default SIGHUP

	StartGrace time.Duration
	StopGrace  time.Duration // required

	Logger       *slog.Logger
	OnTransition func(Transition)
}

// Transition is emitted on every state change.
type Transition struct {
	Service string
	From    domain.ServiceState
	To      domain.ServiceState
	At      time.Time
	PID     int
	Err     error
}

// Status is a point-in-time view of a supervised service.
type Status struct {
	Name         string              `json:"name"`
	State        domain.ServiceState `json:"state"`
	PID          int                 `json:"pid,omitempty"`
	StartedAt    time.Time           `json:"started_at,omitempty"`
	Restarts     int                 `json:"restarts"`
	RecentExits  int                 `json:"recent_exits"`
	LastExitCode int                 `json:"last_exit_code"`
	LastError    string              `json:"last_error,omitempty"`
}

// process is one launch of the service command.
type process struct {
	cmd      *exec.Cmd
	pid      int
	exited   chan struct{}
	exitCode int
}

// Supervisor manages a single service process with restart logic.
type Supervisor struct {
	cfg          Config
	reloadSignal unix.Signal
	logger       *slog.Logger
	pidFile      *PIDFile

	mu           sync.Mutex
	state        domain.ServiceState
	proc         *process
	window       *restart.Window
	startedAt    time.Time
	restarts     int
	lastExitCode int
	lastErr      error
	stopping     bool
	stopCh       chan struct{}
	done         chan struct{}
}

// New validates cfg and returns a stopped supervisor.
func New(cfg Config) (*Supervisor, error) {
	field := "services." + cfg.Name
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, domain.NewConfigurationError(field+".command", "command is required", domain.ErrInvalidManifest)
	}
	if cfg.StopGrace <= 0 {
		return nil, domain.NewConfigurationError("supervisor.stop_grace", "stop grace must be positive", domain.ErrStopGraceRequired)
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = DefaultStartGrace
	}

	sig := unix.SIGHUP
	if cfg.ReloadSignal != "" {
		sig = unix.SignalNum(cfg.ReloadSignal)
		if sig == 0 {
			return nil, domain.NewConfigurationError(field+".reload_signal",
				fmt.Sprintf("unknown signal %q", cfg.ReloadSignal), domain.ErrInvalidManifest)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var policy domain.RestartPolicy
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}

	s := &Supervisor{
		cfg:          cfg,
		reloadSignal: sig,
		logger:       logger.With("component", "supervisor", "service", cfg.Name),
		state:        domain.StateStopped,
		window:       restart.NewWindow(policy),
	}
	if cfg.PIDPath != "" {
		s.pidFile = NewPIDFile(cfg.PIDPath)
	}
	return s, nil
}

// Name returns the service name.
func (s *Supervisor) Name() string {
	return s.cfg.Name
}

// =============================================================================
// Start
// =============================================================================

// Start launches the process and returns once it is Running, i.e. it
// survived the start grace. A oneshot service instead returns when its
// process completes. Failures during the first launch are
// ProcessStartErrors and leave the service Failed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("start %s from %s: %w", s.cfg.Name, state, domain.ErrInvalidTransition)
	}
	s.state = domain.StateStarting
	s.stopping = false
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.window.Reset()
	s.restarts = 0
	s.lastErr = nil
	done := s.done
	s.mu.Unlock()

	s.emit(Transition{Service: s.cfg.Name, From: domain.StateStopped, To: domain.StateStarting, At: time.Now()})

	p, err := s.launch()
	if err != nil {
		s.fail(err)
		close(done)
		return err
	}

	started := make(chan error, 1)
	go s.run(p, started)

	select {
	case err := <-started:
		return err
	case <-ctx.Done():
		s.requestStop()
		<-done
		return domain.NewProcessStartError(s.cfg.Name, "start cancelled", errors.Join(domain.ErrStoppedDuringStart, ctx.Err()))
	}
}

// launch spawns the command and writes the PID record.
func (s *Supervisor) launch() (*process, error) {
	path, err := exec.LookPath(s.cfg.Command[0])
	if err != nil {
		return nil, domain.NewProcessStartError(s.cfg.Name,
			fmt.Sprintf("resolve %q: %v", s.cfg.Command[0], err), domain.ErrExecutableNotFound)
	}

	cmd := exec.Command(path, s.cfg.Command[1:]...)
	cmd.Args[0] = s.cfg.Command[0]
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out, err := s.openLog()
	if err != nil {
		return nil, domain.NewProcessStartError(s.cfg.Name, err.Error(), err)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, domain.NewProcessStartError(s.cfg.Name, err.Error(), err)
	}

	p := &process{cmd: cmd, pid: cmd.Process.Pid, exited: make(chan struct{})}

	if s.pidFile != nil {
		if err := s.pidFile.Write(p.pid); err != nil {
			unix.Kill(-p.pid, unix.SIGKILL)
			cmd.Wait()
			out.Close()
			return nil, domain.NewProcessStartError(s.cfg.Name, err.Error(), err)
		}
	}

	go func() {
		cmd.Wait()
		out.Close()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		p.exitCode = code
		close(p.exited)
	}()

	s.mu.Lock()
	s.proc = p
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Debug("process launched", "pid", p.pid, "command", s.cfg.Command)
	return p, nil
}

func (s *Supervisor) openLog() (io.WriteCloser, error) {
	if s.cfg.LogPath == "" {
		return nopCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.LogPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(s.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// =============================================================================
// Run Loop
// =============================================================================

// run owns the process from launch until the supervisor settles in Stopped
// or Failed. started receives the result of the first launch exactly once.
func (s *Supervisor) run(p *process, started chan<- error) {
	defer close(s.done)

	report := func(err error) {
		if started != nil {
			started <- err
			started = nil
		}
	}
	first := true

	for {
		exitedEarly := false

		if s.cfg.Oneshot {
			s.transition(domain.StateRunning, nil)
		} else {
			timer := time.NewTimer(s.cfg.StartGrace)
			select {
			case <-p.exited:
				timer.Stop()
				if first {
					err := domain.NewProcessStartError(s.cfg.Name,
						fmt.Sprintf("exited with code %d during start grace", p.exitCode), domain.ErrExitedDuringStart)
					s.recordExit(p)
					s.fail(err)
					report(err)
					return
				}
				exitedEarly = true
			case <-s.stopCh:
				timer.Stop()
				s.shutdown(p)
				report(domain.NewProcessStartError(s.cfg.Name, "stopped during start grace", domain.ErrStoppedDuringStart))
				return
			case <-timer.C:
				s.transition(domain.StateRunning, nil)
				report(nil)
			}
		}

		if !exitedEarly {
			select {
			case <-p.exited:
				if s.isStopping() {
					s.shutdown(p)
					return
				}
			case <-s.stopCh:
				s.shutdown(p)
				if s.cfg.Oneshot {
					report(domain.NewProcessStartError(s.cfg.Name, "stopped before completion", domain.ErrStoppedDuringStart))
				}
				return
			}
		}

		s.recordExit(p)

		if s.cfg.Oneshot && p.exitCode == 0 {
			s.logger.Info("oneshot completed")
			s.transition(domain.StateStopped, nil)
			report(nil)
			return
		}

		crash := domain.NewTransientCrashError(s.cfg.Name, p.exitCode)
		if s.cfg.Policy == nil {
			s.logger.Error("process exited, no restart policy", "exit_code", p.exitCode)
			if s.cfg.Oneshot && first {
				s.fail(domain.NewProcessStartError(s.cfg.Name, crash.Message, domain.ErrTransientCrash))
			} else {
				s.fail(crash)
			}
			report(s.lastError())
			return
		}

		now := time.Now()
		s.mu.Lock()
		exits := s.window.Record(now)
		allowed := s.window.Allow(now)
		s.mu.Unlock()
		if !allowed {
			err := domain.NewRestartBudgetError(s.cfg.Name, exits)
			s.logger.Error("restart budget exhausted",
				"exits", exits,
				"window", s.cfg.Policy.Window,
				"exit_code", p.exitCode,
			)
			s.fail(err)
			report(err)
			return
		}

		s.mu.Lock()
		s.restarts++
		restarts := s.restarts
		s.mu.Unlock()

		s.logger.Warn("process exited unexpectedly, restarting",
			"exit_code", p.exitCode,
			"exits_in_window", exits,
			"restarts", restarts,
			"delay", s.cfg.Policy.Delay,
		)
		s.transition(domain.StateStarting, crash)

		delay := time.NewTimer(s.cfg.Policy.Delay)
		select {
		case <-s.stopCh:
			delay.Stop()
			s.transition(domain.StateStopping, nil)
			s.transition(domain.StateStopped, nil)
			report(domain.NewProcessStartError(s.cfg.Name, "stopped during restart delay", domain.ErrStoppedDuringStart))
			return
		case <-delay.C:
		}

		next, err := s.launch()
		if err != nil {
			s.fail(err)
			report(err)
			return
		}
		p = next
		first = false
	}
}

func (s *Supervisor) recordExit(p *process) {
	if s.pidFile != nil {
		if err := s.pidFile.Remove(); err != nil {
			s.logger.Warn("remove pid file", "error", err)
		}
	}
	s.mu.Lock()
	s.lastExitCode = p.exitCode
	if s.proc == p {
		s.proc = nil
	}
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.transition(domain.StateFailed, err)
}

func (s *Supervisor) lastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// =============================================================================
// Stop
// =============================================================================

// Stop terminates the service: SIGTERM, then SIGKILL once StopGrace has
// passed. It works from any non-terminal state, including mid-startup and
// during a restart delay, and returns when the supervisor has settled. A
// Failed service has no process left and only moves to Stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	state, done := s.state, s.done
	s.mu.Unlock()

	if !state.Launched() || done == nil {
		return nil
	}
	if state.Terminal() {
		<-done
		s.transitionFrom(domain.StateFailed, domain.StateStopped, nil)
		return nil
	}

	s.requestStop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Supervisor) requestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopping && s.stopCh != nil {
		s.stopping = true
		close(s.stopCh)
	}
}

// shutdown terminates p. The caller owns p.
func (s *Supervisor) shutdown(p *process) {
	s.transition(domain.StateStopping, nil)

	if err := signalGroup(p.pid, unix.SIGTERM); err != nil {
		s.logger.Debug("terminate", "error", err)
	}

	timer := time.NewTimer(s.cfg.StopGrace)
	select {
	case <-p.exited:
		timer.Stop()
	case <-timer.C:
		s.logger.Warn("stop grace elapsed, killing", "grace", s.cfg.StopGrace, "pid", p.pid)
		signalGroup(p.pid, unix.SIGKILL)
		<-p.exited
	}

	s.recordExit(p)
	s.transition(domain.StateStopped, nil)
}

// sendSignal delivers the reload signal. Tests replace it.
var sendSignal = unix.Kill

// signalGroup delivers sig to the process group led by pid, falling back
// to the process itself.
func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

// =============================================================================
// Reload
// =============================================================================

// Reload delivers the reload signal to a Running service. If the process
// is gone the result is a SignalDeliveryError and the service is stopped.
func (s *Supervisor) Reload() error {
	s.mu.Lock()
	if s.state != domain.StateRunning || s.proc == nil {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("reload %s from %s: %w", s.cfg.Name, state, domain.ErrInvalidTransition)
	}
	pid := s.proc.pid
	s.mu.Unlock()

	if !s.transitionFrom(domain.StateRunning, domain.StateReloading, nil) {
		return fmt.Errorf("reload %s: %w", s.cfg.Name, domain.ErrInvalidTransition)
	}

	if err := sendSignal(pid, s.reloadSignal); err != nil {
		sigErr := domain.NewSignalDeliveryError("reload", s.cfg.Name, err)
		s.logger.Warn("reload signal not delivered, treating service as stopped", "pid", pid, "error", err)
		s.mu.Lock()
		s.lastErr = sigErr
		s.mu.Unlock()
		s.requestStop()
		return sigErr
	}

	s.logger.Info("reload signal delivered", "signal", unix.SignalName(s.reloadSignal), "pid", pid)
	s.transitionFrom(domain.StateReloading, domain.StateRunning, nil)
	return nil
}

// =============================================================================
// Status
// =============================================================================

// State returns the current lifecycle state.
func (s *Supervisor) State() domain.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Name:         s.cfg.Name,
		State:        s.state,
		StartedAt:    s.startedAt,
		Restarts:     s.restarts,
		RecentExits:  s.window.Count(time.Now()),
		LastExitCode: s.lastExitCode,
	}
	if s.proc != nil {
		st.PID = s.proc.pid
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Done is closed when the current run settles in Stopped or Failed. It is
// nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// =============================================================================
// Transitions
// =============================================================================

// transition moves to state to if the state machine allows it. Repeating
// the current state is a no-op.
func (s *Supervisor) transition(to domain.ServiceState, cause error) bool {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return false
	}
	if !domain.CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.Debug("ignoring transition", "from", from, "to", to)
		return false
	}
	s.state = to
	pid := 0
	if s.proc != nil {
		pid = s.proc.pid
	}
	s.mu.Unlock()

	s.emit(Transition{Service: s.cfg.Name, From: from, To: to, At: time.Now(), PID: pid, Err: cause})
	return true
}

// transitionFrom is a compare-and-set transition.
func (s *Supervisor) transitionFrom(from, to domain.ServiceState, cause error) bool {
	s.mu.Lock()
	if s.state != from || !domain.CanTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	pid := 0
	if s.proc != nil {
		pid = s.proc.pid
	}
	s.mu.Unlock()

	s.emit(Transition{Service: s.cfg.Name, From: from, To: to, At: time.Now(), PID: pid, Err: cause})
	return true
}

func (s *Supervisor) emit(t Transition) {
	attrs := []any{"from", t.From, "to", t.To}
	if t.PID != 0 {
		attrs = append(attrs, "pid", t.PID)
	}
	if t.Err != nil {
		attrs = append(attrs, "error", t.Err)
	}
	s.logger.Info("state transition", attrs...)

	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(t)
	}
}
