package cluster

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeRuntime is an in-memory stand-in for the container daemon, tracking
// just enough state to verify the conductor's bookkeeping against it.
type fakeRuntime struct {
	mu sync.Mutex

	containers map[string]*fakeContainer
	networks   map[string]*fakeNetwork
	nextIP     int
	nextID     int

	// ops records every connect/disconnect in call order.
	ops []string

	imagePresent bool
	buildCalls   int
	buildFailure string
	failCreate   map[string]bool
	logs         map[string][]byte
	failLogs     bool
}

type fakeContainer struct {
	id      string
	name    string
	running bool
	labels  map[string]string

	// networks maps attached network name to the assigned address.
	networks map[string]string
}

type fakeNetwork struct {
	id     string
	name   string
	subnet string
	labels map[string]string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers:   make(map[string]*fakeContainer),
		networks:     make(map[string]*fakeNetwork),
		imagePresent: true,
		failCreate:   make(map[string]bool),
		logs:         make(map[string][]byte),
	}
}

func (f *fakeRuntime) allocID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeRuntime) allocIP() string {
	f.nextIP++
	return fmt.Sprintf("172.16.0.%d", f.nextIP)
}

func (f *fakeRuntime) container(ref string) *fakeContainer {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.id == ref {
			return c
		}
	}

	return nil
}

func (f *fakeRuntime) network(ref string) *fakeNetwork {
	if n, ok := f.networks[ref]; ok {
		return n
	}
	for _, n := range f.networks {
		if n.id == ref {
			return n
		}
	}

	return nil
}

// membersOf returns the container names attached to the named network.
func (f *fakeRuntime) membersOf(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var members []string
	for _, c := range f.containers {
		if _, ok := c.networks[name]; ok {
			members = append(members, c.name)
		}
	}

	return members
}

// sharedNetworks returns the networks both containers are attached to.
func (f *fakeRuntime) sharedNetworks(a, b string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var shared []string
	ca, cb := f.container(a), f.container(b)
	if ca == nil || cb == nil {
		return nil
	}

	for name := range ca.networks {
		if _, ok := cb.networks[name]; ok {
			shared = append(shared, name)
		}
	}

	return shared
}

func (f *fakeRuntime) ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buildCalls++
	_, _ = io.Copy(io.Discard, buildContext)

	stream := `{"stream":"Step 1/2 : FROM scratch\n"}` + "\n"
	if f.buildFailure != "" {
		stream += fmt.Sprintf(`{"errorDetail":{"message":%q}}`, f.buildFailure) + "\n"
	} else {
		stream += `{"stream":"Successfully built abc123\n"}` + "\n"
		f.imagePresent = true
	}

	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(stream))}, nil
}

func (f *fakeRuntime) ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.imagePresent {
		return nil, nil
	}

	return []image.Summary{{ID: "sha256:abc123"}}, nil
}

func (f *fakeRuntime) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreate[containerName] {
		return container.CreateResponse{}, fmt.Errorf("no such image: %s", config.Image)
	}
	if f.container(containerName) != nil {
		return container.CreateResponse{}, fmt.Errorf("container name %s already in use", containerName)
	}

	c := &fakeContainer{
		id:       f.allocID("ctr"),
		name:     containerName,
		labels:   config.Labels,
		networks: make(map[string]string),
	}
	if networkingConfig != nil {
		for name := range networkingConfig.EndpointsConfig {
			c.networks[name] = f.allocIP()
		}
	}

	f.containers[containerName] = c
	return container.CreateResponse{ID: c.id}, nil
}

func (f *fakeRuntime) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wanted := options.Filters.Get("label")

	var out []types.Container
	for _, c := range f.containers {
		if !labelsMatch(c.labels, wanted) {
			continue
		}

		out = append(out, types.Container{ID: c.id, Names: []string{"/" + c.name}, Labels: c.labels})
	}

	return out, nil
}

func (f *fakeRuntime) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.container(containerID)
	if c == nil {
		return fmt.Errorf("no such container: %s", containerID)
	}

	c.running = true
	return nil
}

func (f *fakeRuntime) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.container(containerID)
	if c == nil {
		return fmt.Errorf("no such container: %s", containerID)
	}

	c.running = false
	return nil
}

func (f *fakeRuntime) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.container(containerID)
	if c == nil {
		return fmt.Errorf("no such container: %s", containerID)
	}
	if c.running && !options.Force {
		return fmt.Errorf("container %s is running", c.name)
	}

	delete(f.containers, c.name)
	return nil
}

func (f *fakeRuntime) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.container(containerID)
	if c == nil {
		return types.ContainerJSON{}, fmt.Errorf("no such container: %s", containerID)
	}

	endpoints := make(map[string]*network.EndpointSettings, len(c.networks))
	for name, ip := range c.networks {
		endpoints[name] = &network.EndpointSettings{IPAddress: ip}
	}

	return types.ContainerJSON{
		NetworkSettings: &types.NetworkSettings{Networks: endpoints},
	}, nil
}

func (f *fakeRuntime) ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failLogs {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}

	c := f.container(containerID)
	if c == nil {
		return nil, fmt.Errorf("no such container: %s", containerID)
	}

	return io.NopCloser(strings.NewReader(string(f.logs[c.name]))), nil
}

func (f *fakeRuntime) NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subnet := ""
	if options.IPAM != nil && len(options.IPAM.Config) > 0 {
		subnet = options.IPAM.Config[0].Subnet
	}
	for _, n := range f.networks {
		if n.subnet == subnet {
			return network.CreateResponse{}, fmt.Errorf("Pool overlaps with other one on this address space")
		}
	}

	n := &fakeNetwork{
		id:     f.allocID("net"),
		name:   name,
		subnet: subnet,
		labels: options.Labels,
	}
	f.networks[name] = n

	return network.CreateResponse{ID: n.id}, nil
}

func (f *fakeRuntime) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.network(networkID)
	if n == nil {
		return network.Inspect{}, fmt.Errorf("no such network: %s", networkID)
	}

	attached := make(map[string]network.EndpointResource)
	for _, c := range f.containers {
		if ip, ok := c.networks[n.name]; ok {
			attached[c.id] = network.EndpointResource{Name: c.name, IPv4Address: ip}
		}
	}

	return network.Inspect{ID: n.id, Name: n.name, Containers: attached}, nil
}

func (f *fakeRuntime) NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	wanted := options.Filters.Get("label")

	var out []network.Summary
	for _, n := range f.networks {
		if !labelsMatch(n.labels, wanted) {
			continue
		}

		out = append(out, network.Summary{
			ID:   n.id,
			Name: n.name,
			IPAM: network.IPAM{Config: []network.IPAMConfig{{Subnet: n.subnet}}},
		})
	}

	return out, nil
}

func (f *fakeRuntime) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.network(networkID)
	c := f.container(containerID)
	if n == nil || c == nil {
		return fmt.Errorf("no such network or container")
	}

	f.ops = append(f.ops, fmt.Sprintf("connect %s %s", c.name, n.name))
	c.networks[n.name] = f.allocIP()
	return nil
}

func (f *fakeRuntime) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.network(networkID)
	c := f.container(containerID)
	if n == nil || c == nil {
		return fmt.Errorf("no such network or container")
	}

	f.ops = append(f.ops, fmt.Sprintf("disconnect %s %s", c.name, n.name))
	delete(c.networks, n.name)
	return nil
}

func (f *fakeRuntime) NetworkRemove(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.network(networkID)
	if n == nil {
		return fmt.Errorf("no such network: %s", networkID)
	}
	for _, c := range f.containers {
		if _, ok := c.networks[n.name]; ok {
			return fmt.Errorf("network %s has active endpoints", n.name)
		}
	}

	delete(f.networks, n.name)
	return nil
}

// labelsMatch reports whether labels satisfy every "key" or "key=value"
// filter term.
func labelsMatch(labels map[string]string, wanted []string) bool {
	for _, term := range wanted {
		key, value, exact := strings.Cut(term, "=")
		have, ok := labels[key]
		if !ok || (exact && have != value) {
			return false
		}
	}

	return true
}

// inspectFailRuntime fails ContainerInspect for selected containers while
// delegating everything else to the inner fake.
type inspectFailRuntime struct {
	*fakeRuntime
	failInspect map[string]bool
}

func (f *inspectFailRuntime) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	f.mu.Lock()
	c := f.container(containerID)
	f.mu.Unlock()

	if c != nil && f.failInspect[c.name] {
		return types.ContainerJSON{}, fmt.Errorf("inspect %s: connection reset", c.name)
	}

	return f.fakeRuntime.ContainerInspect(ctx, containerID)
}

// testConfig keeps probe and settle windows tight so tests stay fast.
func testConfig() Config {
	return Config{
		Group:            "t",
		Image:            "kvs-node",
		Port:             8081,
		ExternalPortBase: 9000,
		ReadyTimeout:     250 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		StopTimeout:      time.Second,
		SettleDelay:      0,
	}
}

// newTestConductor wires a conductor to the fake with an always-ready probe.
func newTestConductor(f *fakeRuntime) *Conductor {
	c := New(f, testConfig(), ".", true)
	c.probe = func(ctx context.Context, node *Node) bool { return true }
	return c
}
