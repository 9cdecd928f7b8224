// Package docker provisions the Docker networks and named volumes of a
// namespace before its processes start, and removes them on purge.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
)

// =============================================================================
// Docker Client Implementation
// =============================================================================

// DockerClient manages namespaced networks and volumes through the Docker
// SDK. It implements orchestrator.Resources.
type DockerClient struct {
	cli    engineAPI
	logger *slog.Logger
}

// NewDockerClient creates a new Docker client.
// If host is empty, it uses the default Docker host from environment.
// On macOS with Docker Desktop, it automatically detects the correct socket.
func NewDockerClient(ctx context.Context, host string, logger *slog.Logger) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, NewDockerError("NewDockerClient", "", "", "failed to create client", ErrConnectionFailed)
	}

	if _, pingErr := cli.Ping(ctx); pingErr != nil {
		if host == "" {
			if desktop := dockerDesktop(ctx); desktop != nil {
				cli.Close()
				return newClient(desktop, logger), nil
			}
		}
		cli.Close()
		return nil, NewDockerError("NewDockerClient", "", host, fmt.Sprintf("failed to ping docker: %v", pingErr), ErrConnectionFailed)
	}

	return newClient(cli, logger), nil
}

// dockerDesktop returns a client on the Docker Desktop socket when that
// one answers.
func dockerDesktop(ctx context.Context) *client.Client {
	homeDir, _ := os.UserHomeDir()
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+homeDir+"/.docker/run/docker.sock"),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil
	}
	return cli
}

func newClient(cli engineAPI, logger *slog.Logger) *DockerClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerClient{cli: cli, logger: logger.With("component", "docker")}
}

// Close closes the Docker client connection.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// =============================================================================
// Network Operations
// =============================================================================

// EnsureNetwork creates the network unless it already exists with the same
// labels. A network of the same name owned by another namespace is an
// error rather than something to share.
func (d *DockerClient) EnsureNetwork(ctx context.Context, name string, labels map[string]string) error {
	existing, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		if !ownedBy(existing.Labels, labels) {
			return NewDockerError("EnsureNetwork", "network", name, "network belongs to another owner", ErrForeignResource)
		}
		return nil
	}
	if !client.IsErrNotFound(err) {
		return NewDockerError("EnsureNetwork", "network", name, err.Error(), err)
	}

	_, err = d.createNetwork(ctx, NetworkSpec{Name: name, Labels: labels})
	if err != nil {
		return err
	}
	d.logger.Info("network created", "network", name)
	return nil
}

func (d *DockerClient) createNetwork(ctx context.Context, spec NetworkSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "bridge"
	}

	resp, err := d.cli.NetworkCreate(ctx, spec.Name, network.CreateOptions{
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return "", NewDockerError("CreateNetwork", "network", spec.Name, err.Error(), err)
	}
	return resp.ID, nil
}

// RemoveNetwork removes a network this namespace owns. A network that is
// already gone is not an error; one carrying other labels is refused.
func (d *DockerClient) RemoveNetwork(ctx context.Context, name string, labels map[string]string) error {
	existing, err := d.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return NewDockerError("RemoveNetwork", "network", name, err.Error(), err)
	}
	if !ownedBy(existing.Labels, labels) {
		return NewDockerError("RemoveNetwork", "network", name, "network belongs to another owner", ErrForeignResource)
	}

	if err := d.cli.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "has active endpoints") {
			return NewDockerError("RemoveNetwork", "network", name, "network has active endpoints", ErrNetworkInUse)
		}
		return NewDockerError("RemoveNetwork", "network", name, err.Error(), err)
	}
	d.logger.Info("network removed", "network", name)
	return nil
}

// =============================================================================
// Volume Operations
// =============================================================================

// EnsureVolume creates the named volume unless it already exists with the
// same labels.
func (d *DockerClient) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	existing, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		if !ownedBy(existing.Labels, labels) {
			return NewDockerError("EnsureVolume", "volume", name, "volume belongs to another owner", ErrForeignResource)
		}
		return nil
	}
	if !client.IsErrNotFound(err) {
		return NewDockerError("EnsureVolume", "volume", name, err.Error(), err)
	}

	if _, err := d.createVolume(ctx, VolumeSpec{Name: name, Labels: labels}); err != nil {
		return err
	}
	d.logger.Info("volume created", "volume", name)
	return nil
}

func (d *DockerClient) createVolume(ctx context.Context, spec VolumeSpec) (string, error) {
	driver := spec.Driver
	if driver == "" {
		driver = "local"
	}

	resp, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   spec.Name,
		Driver: driver,
		Labels: spec.Labels,
	})
	if err != nil {
		return "", NewDockerError("CreateVolume", "volume", spec.Name, err.Error(), err)
	}
	return resp.Name, nil
}

// RemoveVolume removes a named volume this namespace owns. A volume that
// is already gone is not an error; one carrying other labels is refused.
func (d *DockerClient) RemoveVolume(ctx context.Context, name string, labels map[string]string) error {
	existing, err := d.cli.VolumeInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return NewDockerError("RemoveVolume", "volume", name, err.Error(), err)
	}
	if !ownedBy(existing.Labels, labels) {
		return NewDockerError("RemoveVolume", "volume", name, "volume belongs to another owner", ErrForeignResource)
	}

	if err := d.cli.VolumeRemove(ctx, name, false); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "in use") {
			return NewDockerError("RemoveVolume", "volume", name, "volume is in use", ErrVolumeInUse)
		}
		return NewDockerError("RemoveVolume", "volume", name, err.Error(), err)
	}
	d.logger.Info("volume removed", "volume", name)
	return nil
}

// ownedBy reports whether have carries every label of want.
func ownedBy(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
