package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/artpar/stackd/internal/core/domain"
	"github.com/artpar/stackd/internal/shell/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(e string) int {
	for i, got := range l.snapshot() {
		if got == e {
			return i
		}
	}
	return -1
}

func (l *eventLog) filter(prefix string) []string {
	var out []string
	for _, e := range l.snapshot() {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e[len(prefix):])
		}
	}
	return out
}

type stubService struct {
	name             string
	log              *eventLog
	startErr         error
	startDelay       time.Duration
	blockUntilCancel bool
	onStart          func()

	mu      sync.Mutex
	state   domain.ServiceState
	reloads int
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Start(ctx context.Context) error {
	s.log.add("start:" + s.name)
	s.setState(domain.StateStarting)
	if s.onStart != nil {
		s.onStart()
	}
	if s.blockUntilCancel {
		<-ctx.Done()
		s.setState(domain.StateStopped)
		return domain.NewProcessStartError(s.name, "cancelled", domain.ErrStoppedDuringStart)
	}
	time.Sleep(s.startDelay)
	if s.startErr != nil {
		s.setState(domain.StateFailed)
		return s.startErr
	}
	s.setState(domain.StateRunning)
	s.log.add("ready:" + s.name)
	return nil
}

func (s *stubService) Stop(ctx context.Context) error {
	s.log.add("stop:" + s.name)
	s.setState(domain.StateStopped)
	return nil
}

func (s *stubService) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateRunning {
		return domain.ErrInvalidTransition
	}
	s.reloads++
	return nil
}

func (s *stubService) Status() supervisor.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return supervisor.Status{Name: s.name, State: s.state}
}

func (s *stubService) setState(st domain.ServiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

type stubCerts struct {
	log *eventLog
	err error
}

func (c *stubCerts) Ensure(ctx context.Context, cert domain.Certificate) error {
	c.log.add("cert:" + cert.Dir)
	return c.err
}

type stubResources struct {
	log *eventLog
}

func (r *stubResources) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	r.log.add("network:" + name + ":" + labels[LabelInstance])
	return nil
}

func (r *stubResources) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	r.log.add("volume:" + name)
	return nil
}

func (r *stubResources) RemoveNetwork(ctx context.Context, name string, labels map[string]string) error {
	r.log.add("rm-network:" + name + ":" + labels[LabelInstance])
	return nil
}

func (r *stubResources) RemoveVolume(ctx context.Context, name string, labels map[string]string) error {
	r.log.add("rm-volume:" + name + ":" + labels[LabelInstance])
	return nil
}

func writeEnv(t *testing.T, dir, profile, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, profile+".env"), []byte(content), 0o644))
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	envDir := filepath.Join(dir, "env")
	writeEnv(t, envDir, "default", "PDB_REDIS_HOST=redis\nPDB_DATABASE_HOST=database\n")
	return Options{
		Instance:      "productdb",
		EnvDir:        envDir,
		RunDir:        filepath.Join(dir, "run"),
		DataDir:       filepath.Join(dir, "data"),
		LogDir:        filepath.Join(dir, "log"),
		TLSSelfSigned: true,
		TLSCertDir:    filepath.Join(dir, "certs"),
	}
}

func productDBServices() []domain.ServiceDescriptor {
	return []domain.ServiceDescriptor{
		{Name: "broker", Command: []string{"redis-server"}},
		{Name: "store", Command: []string{"postgres"}, Volumes: []string{"pgdata"}},
		{Name: "build", Command: []string{"collectstatic"}, DependsOn: []string{"broker", "store"}, Oneshot: true},
		{Name: "web", Command: []string{"gunicorn"}, DependsOn: []string{"build", "store", "broker"}, Socket: true},
		{Name: "proxy", Command: []string{"nginx"}, DependsOn: []string{"build", "web"}, Ports: []string{"8443:443"}},
	}
}

type fixture struct {
	orch  *Orchestrator
	log   *eventLog
	stubs map[string]*stubService
}

func newFixture(t *testing.T, services []domain.ServiceDescriptor, tweak func(map[string]*stubService), cfg Config) *fixture {
	t.Helper()
	stack, err := AssembleServices(services, testOptions(t))
	require.NoError(t, err)

	log := &eventLog{}
	stubs := make(map[string]*stubService)
	for _, s := range services {
		stubs[s.Name] = &stubService{name: s.Name, log: log, state: domain.StateStopped}
	}
	if tweak != nil {
		tweak(stubs)
	}

	cfg.Stack = stack
	cfg.Factory = func(_ *Stack, desc domain.ServiceDescriptor) (Service, error) {
		return stubs[desc.Name], nil
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = time.Second
	}
	if cfg.Certs == nil {
		cfg.Certs = &stubCerts{log: log}
	}
	orch, err := New(cfg)
	require.NoError(t, err)
	return &fixture{orch: orch, log: log, stubs: stubs}
}

func assertStartedAfterDeps(t *testing.T, log *eventLog, services []domain.ServiceDescriptor) {
	t.Helper()
	for _, svc := range services {
		start := log.index("start:" + svc.Name)
		if start < 0 {
			continue
		}
		for _, dep := range svc.DependsOn {
			ready := log.index("ready:" + dep)
			require.GreaterOrEqual(t, ready, 0, "%s started although %s never became ready", svc.Name, dep)
			assert.Less(t, ready, start, "%s started before %s was ready", svc.Name, dep)
		}
	}
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_StopGraceRequired(t *testing.T) {
	stack, err := AssembleServices(productDBServices(), testOptions(t))
	require.NoError(t, err)

	_, err = New(Config{
		Stack:   stack,
		Factory: func(*Stack, domain.ServiceDescriptor) (Service, error) { return nil, nil },
	})
	assert.ErrorIs(t, err, domain.ErrStopGraceRequired)
}

// =============================================================================
// Up Tests
// =============================================================================

func TestUp_ProductDBRespectsDependencies(t *testing.T) {
	services := productDBServices()
	f := newFixture(t, services, nil, Config{})

	report, err := f.orch.Up(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.ElementsMatch(t, []string{"broker", "store", "build", "web", "proxy"}, report.Started)
	assertStartedAfterDeps(t, f.log, services)
}

func TestUp_IndependentServicesStartInParallel(t *testing.T) {
	storeStarted := make(chan struct{})
	services := []domain.ServiceDescriptor{
		{Name: "broker", Command: []string{"x"}},
		{Name: "store", Command: []string{"x"}},
	}
	f := newFixture(t, services, func(stubs map[string]*stubService) {
		stubs["store"].onStart = func() { close(storeStarted) }
		stubs["broker"].onStart = func() {
			select {
			case <-storeStarted:
			case <-time.After(5 * time.Second):
			}
		}
	}, Config{MaxWorkers: 2})

	begin := time.Now()
	_, err := f.orch.Up(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 4*time.Second, "broker waited for store, so the two ran concurrently")
}

func TestUp_SingleWorkerNoDeadlock(t *testing.T) {
	services := productDBServices()
	f := newFixture(t, services, nil, Config{MaxWorkers: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.orch.Up(context.Background())
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Up did not finish with a single worker")
	}
	assertStartedAfterDeps(t, f.log, services)
}

func TestUp_StartErrorSkipsDependentSubtree(t *testing.T) {
	services := productDBServices()
	f := newFixture(t, services, func(stubs map[string]*stubService) {
		stubs["build"].startErr = domain.NewProcessStartError("build", "exited with code 1 during start grace", domain.ErrExitedDuringStart)
	}, Config{})

	report, err := f.orch.Up(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPartialStart)
	assert.ErrorIs(t, err, domain.ErrExitedDuringStart)
	assert.ErrorIs(t, err, domain.ErrDependencyFailed)

	assert.ElementsMatch(t, []string{"broker", "store"}, report.Started)
	assert.Contains(t, report.Failed, "build")
	assert.Contains(t, report.Skipped, "web")
	assert.Contains(t, report.Skipped, "proxy")

	assert.Equal(t, -1, f.log.index("start:web"), "dependents never start")
	assert.Equal(t, -1, f.log.index("start:proxy"))
}

func TestUp_IndependentBranchContinues(t *testing.T) {
	services := []domain.ServiceDescriptor{
		{Name: "db", Command: []string{"x"}},
		{Name: "api", Command: []string{"x"}, DependsOn: []string{"db"}},
		{Name: "cache", Command: []string{"x"}},
		{Name: "worker", Command: []string{"x"}, DependsOn: []string{"cache"}},
	}
	f := newFixture(t, services, func(stubs map[string]*stubService) {
		stubs["db"].startErr = domain.NewProcessStartError("db", "boom", domain.ErrExecutableNotFound)
	}, Config{})

	report, err := f.orch.Up(context.Background())
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"cache", "worker"}, report.Started)
	assert.Equal(t, map[string]string{"api": "dependency failed to start: db"}, report.Skipped)
	assert.ErrorIs(t, err, domain.ErrDependencyFailed)
	assert.ErrorIs(t, err, domain.ErrExecutableNotFound)
}

func TestUp_TwiceIsRejected(t *testing.T) {
	f := newFixture(t, productDBServices(), nil, Config{})
	_, err := f.orch.Up(context.Background())
	require.NoError(t, err)
	_, err = f.orch.Up(context.Background())
	assert.Error(t, err)
}

func TestUp_CertificateBeforeTLSService(t *testing.T) {
	services := productDBServices()
	services[4].TLS = true
	f := newFixture(t, services, nil, Config{})

	_, err := f.orch.Up(context.Background())
	require.NoError(t, err)

	certs := f.log.filter("cert:")
	require.Len(t, certs, 1)
	assert.Equal(t, "productdb", filepath.Base(certs[0]))
	assert.Less(t, f.log.index("cert:"+certs[0]), f.log.index("start:broker"))
}

func TestUp_CertificateFailureStartsNothing(t *testing.T) {
	services := productDBServices()
	services[4].TLS = true
	log := &eventLog{}
	f := newFixture(t, services, nil, Config{Certs: &stubCerts{
		log: log,
		err: domain.NewConfigurationError("tls.cert_dir", "missing", domain.ErrMissingCertificate),
	}})

	_, err := f.orch.Up(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMissingCertificate)
	assert.Empty(t, f.log.filter("start:"))
}

func TestUp_ResourcesBeforeServices(t *testing.T) {
	log := &eventLog{}
	f := newFixture(t, productDBServices(), nil, Config{Resources: &stubResources{log: log}})

	_, err := f.orch.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"network:productdb_default:productdb",
		"volume:productdb_pgdata",
	}, log.snapshot())

	require.NoError(t, f.orch.Purge(context.Background()))
	assert.Contains(t, log.snapshot(), "rm-network:productdb_default:productdb")
	assert.Contains(t, log.snapshot(), "rm-volume:productdb_pgdata:productdb")
}

// =============================================================================
// Down Tests
// =============================================================================

func TestDown_ReverseOrderRegardlessOfState(t *testing.T) {
	services := productDBServices()
	f := newFixture(t, services, func(stubs map[string]*stubService) {
		stubs["web"].startErr = errors.New("boom")
	}, Config{})

	_, err := f.orch.Up(context.Background())
	require.Error(t, err)

	require.NoError(t, f.orch.Down(context.Background()))
	assert.Equal(t, []string{"proxy", "web", "build", "store", "broker"}, f.log.filter("stop:"))
}

func TestDown_CancelsInFlightStartup(t *testing.T) {
	services := productDBServices()
	buildStarted := make(chan struct{})
	f := newFixture(t, services, func(stubs map[string]*stubService) {
		stubs["build"].blockUntilCancel = true
		stubs["build"].onStart = func() { close(buildStarted) }
	}, Config{})

	upErr := make(chan error, 1)
	go func() {
		_, err := f.orch.Up(context.Background())
		upErr <- err
	}()

	select {
	case <-buildStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("build never started")
	}

	require.NoError(t, f.orch.Down(context.Background()))

	err := <-upErr
	assert.ErrorIs(t, err, domain.ErrPartialStart)
	assert.Equal(t, -1, f.log.index("start:web"))
	assert.Len(t, f.log.filter("stop:"), len(services))
}

func TestDown_WithoutUp(t *testing.T) {
	f := newFixture(t, productDBServices(), nil, Config{})
	require.NoError(t, f.orch.Down(context.Background()))
	assert.Len(t, f.log.filter("stop:"), 5)
}

// =============================================================================
// Per-service Operation Tests
// =============================================================================

func TestReloadAll_OnlyRunning(t *testing.T) {
	f := newFixture(t, productDBServices(), func(stubs map[string]*stubService) {
		stubs["proxy"].startErr = errors.New("boom")
	}, Config{})
	f.orch.Up(context.Background())

	require.NoError(t, f.orch.ReloadAll())
	assert.Equal(t, 1, f.stubs["web"].reloads)
	assert.Equal(t, 0, f.stubs["proxy"].reloads)
}

func TestUnknownService(t *testing.T) {
	f := newFixture(t, productDBServices(), nil, Config{})

	assert.ErrorIs(t, f.orch.Reload("nope"), domain.ErrServiceNotFound)
	assert.ErrorIs(t, f.orch.Stop(context.Background(), "nope"), domain.ErrServiceNotFound)
	_, err := f.orch.Status("nope")
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestStatuses_StartOrder(t *testing.T) {
	f := newFixture(t, productDBServices(), nil, Config{})
	_, err := f.orch.Up(context.Background())
	require.NoError(t, err)

	statuses := f.orch.Statuses()
	require.Len(t, statuses, 5)
	assert.Equal(t, "broker", statuses[0].Name)
	assert.Equal(t, "proxy", statuses[4].Name)
	for _, s := range statuses {
		assert.Equal(t, domain.StateRunning, s.State)
	}
}
