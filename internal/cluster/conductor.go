package cluster

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/drover/pkg/threadsafe"
)

// Conductor states. Partitioning is transient: it is only held while a
// topology mutation is in flight, and the mutex keeps any other operation
// from observing it.
type state int

const (
	stateUninitialized state = iota
	stateStandingUp
	stateReady
	statePartitioning
	stateTearingDown
	stateTerminated
)

// Conductor composes the lifecycle and fabric managers behind the
// declarative operations scenarios use. It owns the topology: every mutation
// goes through here, one at a time, and by the time a call returns the
// requested topology is in effect.
type Conductor struct {
	mu    sync.Mutex
	state state

	cfg        Config
	projectDir string
	skipBuild  bool

	lifecycle *Lifecycle
	fabric    *Fabric
	log       *logrus.Entry

	// probe decides node readiness; overridable so tests don't need a
	// live HTTP endpoint.
	probe func(ctx context.Context, node *Node) bool

	nodes         *threadsafe.Map[int, *Node]
	removed       map[int]bool
	nextIndex     int
	nextPartition int
	baseNet       NetworkHandle
}

// New creates a conductor for one run. projectDir holds the Dockerfile of
// the system under test. An empty cfg.Group gets a fresh per-run suffix so
// parallel runs never collide on container or network names.
func New(api API, cfg Config, projectDir string, skipBuild bool) *Conductor {
	if cfg.Group == "" {
		cfg.Group = uuid.NewString()[:8]
	}

	c := &Conductor{
		cfg:        cfg,
		projectDir: projectDir,
		skipBuild:  skipBuild,
		lifecycle:  NewLifecycle(api, cfg),
		fabric:     NewFabric(api, cfg.Group, cfg.FabricRetries),
		log:        logrus.WithField("group", cfg.Group),
		nodes:      threadsafe.NewMap[int, *Node](),
		removed:    make(map[int]bool),
	}
	c.probe = func(ctx context.Context, node *Node) bool {
		return pingNode(ctx, node, cfg.PollInterval*5)
	}

	return c
}

// Group returns the run's namespace identifier.
func (c *Conductor) Group() string {
	return c.cfg.Group
}

// Lifecycle exposes the node lifecycle manager, used by the diagnostics
// collector and the CLI's build step.
func (c *Conductor) Lifecycle() *Lifecycle {
	return c.lifecycle
}

// StandUp builds the image (once), creates n nodes in parallel, attaches all
// of them to a fresh base network, and waits for every node to answer the
// readiness probe. On any failure everything already created is torn down
// before the error propagates: a failed stand-up leaves no partial cluster.
func (c *Conductor) StandUp(ctx context.Context, n int) (*Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateUninitialized {
		return nil, fmt.Errorf("cluster already stood up")
	}
	c.state = stateStandingUp

	if err := c.ensureImage(ctx); err != nil {
		c.state = stateTerminated
		return nil, err
	}

	c.log.WithField("nodes", n).Info("standing up cluster")

	baseNet, err := c.fabric.CreateNetwork(ctx, c.networkName("base"))
	if err != nil {
		c.teardownLocked(ctx)
		return nil, &ClusterStartupError{Err: err}
	}
	c.baseNet = baseNet

	// Container creation is independent per node; parallelize it. Nothing
	// shares fabric state until all creates have finished.
	created := make([]*Node, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created[i], errs[i] = c.lifecycle.CreateNode(ctx, i, baseNet)
		}(i)
	}
	wg.Wait()
	c.nextIndex = n

	for i, node := range created {
		if node != nil {
			c.nodes.Set(i, node)
		}
	}
	for _, err := range errs {
		if err != nil {
			c.teardownLocked(ctx)
			return nil, &ClusterStartupError{Err: err}
		}
	}

	c.log.Info("waiting for nodes to come online")
	for i := 0; i < n; i++ {
		node, _ := c.nodes.Get(i)
		if err := c.waitReady(ctx, node); err != nil {
			c.teardownLocked(ctx)
			return nil, &ClusterStartupError{Err: err}
		}

		c.log.WithField("node", node.Name).Info("node online")
	}

	c.state = stateReady
	return c.snapshot(), nil
}

// Partition declaratively re-groups the live nodes into disjoint
// reachability sets, one network per group. All detaches happen before any
// conflicting attach, so a node changing groups is never transiently a
// member of two networks that should be separated. Fabric failures are
// surfaced, not rolled back: the topology stays in its last applied state
// and the caller must not assume the requested connectivity.
func (c *Conductor) Partition(ctx context.Context, groups [][]int) (*Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.partitionLocked(ctx, groups)
}

func (c *Conductor) partitionLocked(ctx context.Context, groups [][]int) (*Topology, error) {
	if c.state != stateReady {
		return nil, fmt.Errorf("cluster is not ready")
	}

	if err := validateGroups(c.liveIndices(), groups); err != nil {
		return nil, err
	}

	c.state = statePartitioning
	defer func() { c.state = stateReady }()

	c.log.WithField("groups", groups).Info("applying partition")

	// Resolve each group to a network, reusing any network whose current
	// membership already matches the group exactly.
	membership := c.networkMembership()
	targets := make([]NetworkHandle, len(groups))
	for i, group := range groups {
		sorted := slices.Clone(group)
		sort.Ints(sorted)

		name := c.matchingNetwork(membership, sorted)
		if name == "" {
			name = c.networkName(fmt.Sprintf("p%d", c.nextPartition))
			c.nextPartition++
		}

		handle, err := c.fabric.CreateNetwork(ctx, name)
		if err != nil {
			return nil, err
		}
		targets[i] = handle
	}

	// Phase one: detach every node from every network that is not its
	// target. This is the ordering the whole harness depends on.
	for i, group := range groups {
		target := targets[i]
		for _, idx := range group {
			node, _ := c.nodes.Get(idx)
			for _, netName := range slices.Clone(node.Networks) {
				if netName == target.Name {
					continue
				}

				handle, ok := c.fabric.networks.Get(netName)
				if !ok {
					handle = NetworkHandle{Name: netName, ID: netName}
				}
				if err := c.fabric.Detach(ctx, node.Name, handle); err != nil {
					return nil, err
				}

				node.Networks = slices.DeleteFunc(node.Networks, func(s string) bool {
					return s == netName
				})
			}
		}
	}

	// Phase two: attach nodes to their targets and pick up the addresses
	// they were assigned there.
	for i, group := range groups {
		target := targets[i]
		for _, idx := range group {
			node, _ := c.nodes.Get(idx)
			if slices.Contains(node.Networks, target.Name) {
				continue
			}

			if err := c.fabric.Attach(ctx, node.Name, target); err != nil {
				return nil, err
			}
			node.Networks = append(node.Networks, target.Name)

			ip, err := c.lifecycle.NodeIP(ctx, node, target.Name)
			if err != nil {
				return nil, &FabricError{Op: "attach", Network: target.Name, Err: err}
			}
			node.IP = ip
		}
	}

	c.settle(ctx)
	c.log.Info("partition applied")

	return c.snapshot(), nil
}

// Heal merges previously separated groups back into shared networks.
func (c *Conductor) Heal(ctx context.Context, groups [][]int) (*Topology, error) {
	return c.Partition(ctx, groups)
}

// HealAll collapses the topology to a single group of every live node. The
// live set is computed inside the same critical section that applies it, so a
// membership change can never slip in between.
func (c *Conductor) HealAll(ctx context.Context) (*Topology, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.partitionLocked(ctx, [][]int{c.liveIndices()})
}

// AddNode grows the cluster by one node attached to the first group's
// network; the existing partition structure is preserved.
func (c *Conductor) AddNode(ctx context.Context) (*Node, error) {
	return c.AddNodeToGroup(ctx, 0)
}

// AddNodeToGroup grows the cluster by one node attached to the same network
// as the given topology group.
func (c *Conductor) AddNodeToGroup(ctx context.Context, group int) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateReady {
		return nil, fmt.Errorf("cluster is not ready")
	}

	groups := c.groupsLocked()
	if group < 0 || group >= len(groups) {
		return nil, &InvalidTopologyError{Reason: fmt.Sprintf("no group %d", group)}
	}

	handle, ok := c.fabric.networks.Get(groups[group].Network)
	if !ok {
		return nil, &FabricError{Op: "lookup", Network: groups[group].Network, Err: fmt.Errorf("network not owned by this run")}
	}

	index := c.nextIndex
	c.nextIndex++

	node, err := c.lifecycle.CreateNode(ctx, index, handle)
	if err != nil {
		return nil, err
	}
	c.nodes.Set(index, node)

	if err := c.waitReady(ctx, node); err != nil {
		// The newcomer never became ready; take it back out rather than
		// leaving a zombie in the topology.
		if rmErr := c.lifecycle.RemoveNode(ctx, node); rmErr != nil {
			c.log.WithError(rmErr).Warn("failed to remove unready node")
		}
		c.nodes.Delete(index)
		c.removed[index] = true
		return nil, err
	}

	copied := *node
	copied.Networks = slices.Clone(node.Networks)
	return &copied, nil
}

// RemoveNode detaches and permanently destroys a node. Its index is never
// reused; later operations on it fail with UnknownNodeError.
func (c *Conductor) RemoveNode(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateReady {
		return fmt.Errorf("cluster is not ready")
	}

	node, ok := c.nodes.Get(index)
	if !ok {
		return &UnknownNodeError{Index: index}
	}

	for _, netName := range slices.Clone(node.Networks) {
		if handle, ok := c.fabric.networks.Get(netName); ok {
			if err := c.fabric.Detach(ctx, node.Name, handle); err != nil {
				return err
			}
		}
	}

	if err := c.lifecycle.RemoveNode(ctx, node); err != nil {
		return err
	}

	c.nodes.Delete(index)
	c.removed[index] = true
	return nil
}

// CrashNode stops a node's process, keeping its identity and attachments.
func (c *Conductor) CrashNode(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes.Get(index)
	if !ok {
		return &UnknownNodeError{Index: index}
	}

	return c.lifecycle.StopNode(ctx, node)
}

// RestartNode resumes a crashed node and waits for it to answer the
// readiness probe again.
func (c *Conductor) RestartNode(ctx context.Context, index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes.Get(index)
	if !ok {
		return &UnknownNodeError{Index: index}
	}

	if err := c.lifecycle.StartNode(ctx, node); err != nil {
		return err
	}

	return c.waitReady(ctx, node)
}

// Teardown removes every live node and destroys every network this run
// created. Individual failures are logged and skipped so one stuck resource
// never blocks cleanup of the rest; calling it again is a no-op.
func (c *Conductor) Teardown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked(ctx)
}

func (c *Conductor) teardownLocked(ctx context.Context) {
	if c.state == stateTerminated {
		return
	}
	c.state = stateTearingDown

	c.log.Info("tearing down cluster")

	c.nodes.Range(func(index int, node *Node) bool {
		if err := c.lifecycle.RemoveNode(ctx, node); err != nil {
			c.log.WithError(err).Warn("teardown: container removal failed")
		}

		c.removed[index] = true
		return true
	})
	c.nodes.Clear()

	for _, handle := range c.fabric.Networks() {
		if err := c.fabric.DestroyNetwork(ctx, handle); err != nil {
			c.log.WithError(err).Warn("teardown: network removal failed")
		}
	}

	c.state = stateTerminated
}

// Topology returns a read-only snapshot of the current topology.
func (c *Conductor) Topology() *Topology {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshot()
}

func (c *Conductor) ensureImage(ctx context.Context) error {
	if c.skipBuild {
		exists, err := c.lifecycle.ImageExists(ctx)
		if err != nil {
			return err
		}
		if exists {
			c.log.WithField("image", c.cfg.Image).Info("skipping build, image present")
			return nil
		}

		c.log.WithField("image", c.cfg.Image).Warn("image missing, building despite --skip-build")
	}

	return c.lifecycle.BuildImage(ctx, c.projectDir)
}

func (c *Conductor) networkName(suffix string) string {
	return fmt.Sprintf("kvs_%s_net_%s", c.cfg.Group, suffix)
}

func (c *Conductor) liveIndices() []int {
	indices := c.nodes.Keys()
	sort.Ints(indices)
	return indices
}

// networkMembership maps each attached network to the sorted indices of its
// members, from the conductor's own bookkeeping.
func (c *Conductor) networkMembership() map[string][]int {
	membership := make(map[string][]int)
	c.nodes.Range(func(index int, node *Node) bool {
		for _, netName := range node.Networks {
			membership[netName] = append(membership[netName], index)
		}
		return true
	})

	for _, members := range membership {
		sort.Ints(members)
	}

	return membership
}

// matchingNetwork finds a network whose membership equals the sorted group,
// where every member is attached to that network alone.
func (c *Conductor) matchingNetwork(membership map[string][]int, group []int) string {
	for name, members := range membership {
		if !slices.Equal(members, group) {
			continue
		}

		exclusive := true
		for _, idx := range group {
			node, _ := c.nodes.Get(idx)
			if len(node.Networks) != 1 {
				exclusive = false
				break
			}
		}

		if exclusive {
			return name
		}
	}

	return ""
}

func (c *Conductor) groupsLocked() []Group {
	membership := c.networkMembership()

	groups := make([]Group, 0, len(membership))
	for name, members := range membership {
		groups = append(groups, Group{Network: name, Members: members})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Members[0] < groups[j].Members[0]
	})

	return groups
}

func (c *Conductor) snapshot() *Topology {
	topo := &Topology{Groups: c.groupsLocked()}

	for _, index := range c.liveIndices() {
		node, _ := c.nodes.Get(index)
		copied := *node
		copied.Networks = slices.Clone(node.Networks)
		topo.Nodes = append(topo.Nodes, &copied)
	}

	return topo
}
