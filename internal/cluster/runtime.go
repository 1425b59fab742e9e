package cluster

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// API is the slice of the Docker Engine API the harness uses. It is injected
// into the fabric and lifecycle managers at construction, scoped to one run,
// never a process-wide singleton; tests substitute a fake.
type API interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)

	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	NetworkRemove(ctx context.Context, networkID string) error
}

var _ API = (*client.Client)(nil)

// NewAPI connects to the local Docker daemon.
func NewAPI() (API, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// runLabel tags every container and network the harness creates so that
// teardown and sweep cleanup can find them by label rather than by guessing.
const runLabel = "drover.run"

// Config holds the conductor's runtime knobs.
type Config struct {
	// Group namespaces this run's containers and networks.
	Group string
	// Image is the tag of the image nodes run.
	Image string
	// Port is the service port inside each container.
	Port int
	// ExternalPortBase: node i publishes Port on ExternalPortBase+i.
	ExternalPortBase int
	// Env is extra environment injected into every node.
	Env map[string]string

	// ReadyTimeout bounds the per-node readiness probe.
	ReadyTimeout time.Duration
	// PollInterval between readiness probe attempts.
	PollInterval time.Duration
	// StopTimeout for graceful container stop before the kill.
	StopTimeout time.Duration
	// SettleDelay after each topology mutation, giving the data plane time
	// to converge before assertions run.
	SettleDelay time.Duration
	// FabricRetries for transient network create/attach/detach failures.
	// Zero surfaces a FabricError on the first failure.
	FabricRetries int
}

// DefaultConfig returns the conductor defaults.
func DefaultConfig() Config {
	return Config{
		Image:            "kvs-node",
		Port:             8081,
		ExternalPortBase: 9000,
		ReadyTimeout:     10 * time.Second,
		PollInterval:     200 * time.Millisecond,
		StopTimeout:      10 * time.Second,
		SettleDelay:      2 * time.Second,
	}
}
