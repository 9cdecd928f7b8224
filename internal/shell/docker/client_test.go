package docker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeEngine struct {
	mu       sync.Mutex
	networks map[string]map[string]string
	volumes  map[string]map[string]string
	inUse    map[string]bool
	failWith error
	creates  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		networks: map[string]map[string]string{},
		volumes:  map[string]map[string]string{},
		inUse:    map[string]bool{},
	}
}

func notFound(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, cerrdefs.ErrNotFound)
}

func (f *fakeEngine) NetworkInspect(ctx context.Context, id string, _ network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return network.Inspect{}, f.failWith
	}
	labels, ok := f.networks[id]
	if !ok {
		return network.Inspect{}, notFound("network", id)
	}
	return network.Inspect{Name: id, Labels: labels}, nil
}

func (f *fakeEngine) NetworkCreate(ctx context.Context, name string, opts network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.networks[name] = opts.Labels
	return network.CreateResponse{ID: "net-" + name}, nil
}

func (f *fakeEngine) NetworkRemove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[id]; !ok {
		return notFound("network", id)
	}
	if f.inUse[id] {
		return errors.New("error response from daemon: network " + id + " has active endpoints")
	}
	delete(f.networks, id)
	return nil
}

func (f *fakeEngine) VolumeInspect(ctx context.Context, id string) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels, ok := f.volumes[id]
	if !ok {
		return volume.Volume{}, notFound("volume", id)
	}
	return volume.Volume{Name: id, Labels: labels}, nil
}

func (f *fakeEngine) VolumeCreate(ctx context.Context, opts volume.CreateOptions) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.volumes[opts.Name] = opts.Labels
	return volume.Volume{Name: opts.Name, Driver: opts.Driver, Labels: opts.Labels}, nil
}

func (f *fakeEngine) VolumeRemove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.volumes[id]; !ok {
		return notFound("volume", id)
	}
	if f.inUse[id] {
		return errors.New("error response from daemon: remove " + id + ": volume is in use")
	}
	delete(f.volumes, id)
	return nil
}

func (f *fakeEngine) Close() error { return nil }

var productdbLabels = map[string]string{"com.stackd.instance": "productdb"}

// =============================================================================
// Network Tests
// =============================================================================

func TestEnsureNetwork_CreatesOnce(t *testing.T) {
	engine := newFakeEngine()
	d := newClient(engine, nil)
	ctx := context.Background()

	require.NoError(t, d.EnsureNetwork(ctx, "productdb_default", productdbLabels))
	require.NoError(t, d.EnsureNetwork(ctx, "productdb_default", productdbLabels))

	assert.Equal(t, 1, engine.creates)
	assert.Equal(t, productdbLabels, engine.networks["productdb_default"])
}

func TestEnsureNetwork_ForeignOwner(t *testing.T) {
	engine := newFakeEngine()
	engine.networks["productdb_default"] = map[string]string{"com.stackd.instance": "productdb2"}
	d := newClient(engine, nil)

	err := d.EnsureNetwork(context.Background(), "productdb_default", productdbLabels)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForeignResource)

	var dockerErr *DockerError
	require.True(t, errors.As(err, &dockerErr))
	assert.Equal(t, "EnsureNetwork", dockerErr.Op)
	assert.Equal(t, "productdb_default", dockerErr.ID)
}

func TestEnsureNetwork_DaemonError(t *testing.T) {
	engine := newFakeEngine()
	engine.failWith = errors.New("connection refused")
	d := newClient(engine, nil)

	err := d.EnsureNetwork(context.Background(), "productdb_default", productdbLabels)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, engine.creates)
}

func TestRemoveNetwork(t *testing.T) {
	engine := newFakeEngine()
	d := newClient(engine, nil)
	ctx := context.Background()

	require.NoError(t, d.EnsureNetwork(ctx, "productdb_default", productdbLabels))
	engine.inUse["productdb_default"] = true
	assert.ErrorIs(t, d.RemoveNetwork(ctx, "productdb_default", productdbLabels), ErrNetworkInUse)

	engine.inUse["productdb_default"] = false
	require.NoError(t, d.RemoveNetwork(ctx, "productdb_default", productdbLabels))
	assert.NoError(t, d.RemoveNetwork(ctx, "productdb_default", productdbLabels), "already gone")
}

func TestRemoveNetwork_ForeignOwnerIsKept(t *testing.T) {
	engine := newFakeEngine()
	engine.networks["productdb_default"] = map[string]string{"com.docker.compose.project": "productdb"}
	d := newClient(engine, nil)

	err := d.RemoveNetwork(context.Background(), "productdb_default", productdbLabels)
	assert.ErrorIs(t, err, ErrForeignResource)
	assert.Contains(t, engine.networks, "productdb_default")
}

// =============================================================================
// Volume Tests
// =============================================================================

func TestEnsureVolume(t *testing.T) {
	tests := []struct {
		name     string
		existing map[string]string
		exists   bool
		wantErr  error
		creates  int
	}{
		{name: "missing volume is created", creates: 1},
		{name: "own volume is reused", existing: productdbLabels, exists: true},
		{name: "unlabelled volume is refused", existing: map[string]string{}, exists: true, wantErr: ErrForeignResource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			if tt.exists {
				engine.volumes["productdb_pgdata"] = tt.existing
			}
			d := newClient(engine, nil)

			err := d.EnsureVolume(context.Background(), "productdb_pgdata", productdbLabels)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.creates, engine.creates)
		})
	}
}

func TestRemoveVolume(t *testing.T) {
	engine := newFakeEngine()
	d := newClient(engine, nil)
	ctx := context.Background()

	require.NoError(t, d.EnsureVolume(ctx, "productdb_pgdata", productdbLabels))
	engine.inUse["productdb_pgdata"] = true
	assert.ErrorIs(t, d.RemoveVolume(ctx, "productdb_pgdata", productdbLabels), ErrVolumeInUse)

	engine.inUse["productdb_pgdata"] = false
	require.NoError(t, d.RemoveVolume(ctx, "productdb_pgdata", productdbLabels))
	assert.NoError(t, d.RemoveVolume(ctx, "productdb_pgdata", productdbLabels), "already gone")
}

func TestRemoveVolume_ForeignOwnerIsKept(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
	}{
		{"compose project", map[string]string{"com.docker.compose.project": "productdb"}},
		{"other instance", map[string]string{"com.stackd.instance": "productdb2"}},
		{"unlabelled", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.volumes["productdb_pgdata"] = tt.labels
			d := newClient(engine, nil)
			ctx := context.Background()

			assert.ErrorIs(t, d.EnsureVolume(ctx, "productdb_pgdata", productdbLabels), ErrForeignResource)

			err := d.RemoveVolume(ctx, "productdb_pgdata", productdbLabels)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrForeignResource)
			assert.Contains(t, engine.volumes, "productdb_pgdata", "foreign volume survives purge")
		})
	}
}

// =============================================================================
// Daemon Tests
// =============================================================================

func TestDockerClient_AgainstDaemon(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a docker daemon")
	}
	d, err := NewDockerClient(context.Background(), "", nil)
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	defer d.Close()

	ctx := context.Background()
	name := "stackd-test_default"
	labels := map[string]string{"com.stackd.instance": "stackd-test"}
	t.Cleanup(func() { d.RemoveNetwork(ctx, name, labels) })

	require.NoError(t, d.EnsureNetwork(ctx, name, labels))
	require.NoError(t, d.EnsureNetwork(ctx, name, labels))
	require.NoError(t, d.RemoveNetwork(ctx, name, labels))
}
