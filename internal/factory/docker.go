package factory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/poolhouse/poolhouse/internal/config"
	"github.com/poolhouse/poolhouse/pkg/logging"
)

// managedLabel marks containers owned by this process so stray ones can
// be found and removed after a crash.
const managedLabel = "io.poolhouse.managed"

// readyPollInterval is how often Create re-inspects a starting container.
const readyPollInterval = 100 * time.Millisecond

// Container is the handle produced by ContainerFactory.
type Container struct {
	ID        string
	Name      string
	HostPort  int // ephemeral host port bound to the published container port
	StartedAt time.Time
}

// ContainerFactory keeps a pool of warm, already-running containers. Each
// handle is one container whose lifetime matches its slot: Create runs
// the image and waits for it to come up, Destroy stops and removes it.
type ContainerFactory struct {
	client      *client.Client
	image       string
	port        int
	network     string
	stopTimeout time.Duration
	logger      *logging.Logger
}

func NewContainer(cfg *config.FactoryConfig, logger *logging.Logger) (*ContainerFactory, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &ContainerFactory{
		client:      cli,
		image:       cfg.DockerImage,
		port:        cfg.DockerPort,
		network:     cfg.DockerNetwork,
		stopTimeout: cfg.DockerStopTimeout,
		logger:      logger.With("component", "container-factory"),
	}, nil
}

func (f *ContainerFactory) Create(ctx context.Context) (any, error) {
	name := "poolhouse-" + uuid.NewString()[:8]
	port := nat.Port(fmt.Sprintf("%d/tcp", f.port))

	containerCfg := &container.Config{
		Image:        f.image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels:       map[string]string{managedLabel: "true"},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			// Empty HostPort lets the daemon pick an ephemeral port.
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
	}
	var netCfg *network.NetworkingConfig
	if f.network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{f.network: {}},
		}
	}

	resp, err := f.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := f.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave a created-but-dead container behind.
		if rmErr := f.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			f.logger.Warn("failed to remove container after start failure",
				"container_id", shortID(resp.ID), "error", rmErr)
		}
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	hostPort, err := f.waitRunning(ctx, resp.ID, port)
	if err != nil {
		if rmErr := f.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			f.logger.Warn("failed to remove container that never became ready",
				"container_id", shortID(resp.ID), "error", rmErr)
		}
		return nil, err
	}

	f.logger.Debug("container started",
		"container_id", shortID(resp.ID), "name", name, "host_port", hostPort)

	return &Container{
		ID:        resp.ID,
		Name:      name,
		HostPort:  hostPort,
		StartedAt: time.Now(),
	}, nil
}

// waitRunning polls the container until it is running and its published
// port has a host binding, then returns the bound host port.
func (f *ContainerFactory) waitRunning(ctx context.Context, id string, port nat.Port) (int, error) {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		info, err := f.client.ContainerInspect(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect container: %w", err)
		}
		if info.State != nil && info.State.Running {
			if bindings, ok := info.NetworkSettings.Ports[port]; ok && len(bindings) > 0 {
				hostPort, err := strconv.Atoi(bindings[0].HostPort)
				if err == nil && hostPort > 0 {
					return hostPort, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("container %s not ready: %w", shortID(id), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (f *ContainerFactory) Destroy(handle any) error {
	c, ok := handle.(*Container)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}

	// Destroy runs during reaping and shutdown, so it cannot borrow a
	// caller context; bound the work itself.
	ctx, cancel := context.WithTimeout(context.Background(), f.stopTimeout+10*time.Second)
	defer cancel()

	timeout := int(f.stopTimeout.Seconds())
	if err := f.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to stop container: %w", err)
		}
	}
	if err := f.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}

	f.logger.Debug("container removed", "container_id", shortID(c.ID), "name", c.Name)
	return nil
}

func (f *ContainerFactory) Ping(ctx context.Context, handle any) error {
	c, ok := handle.(*Container)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", handle)
	}
	info, err := f.client.ContainerInspect(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return fmt.Errorf("container %s is not running", shortID(c.ID))
	}
	return nil
}

// Close releases the Docker API client. Handles already created are not
// affected; destroy them through the pool first.
func (f *ContainerFactory) Close() error {
	return f.client.Close()
}

// shortID truncates a container ID the way the Docker CLI does.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

var _ Factory = (*ContainerFactory)(nil)
var _ Pinger = (*ContainerFactory)(nil)
