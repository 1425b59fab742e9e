package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandUp(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	topo, err := c.StandUp(context.Background(), 3)
	require.NoError(t, err)

	require.Len(t, topo.Nodes, 3)
	require.Len(t, topo.Groups, 1)
	assert.Equal(t, []int{0, 1, 2}, topo.Groups[0].Members)

	for i, node := range topo.Nodes {
		assert.Equal(t, i, node.Index)
		assert.Equal(t, fmt.Sprintf("kvs_t_node_%d", i), node.Name)
		assert.Equal(t, 9000+i, node.ExternalPort)
		assert.NotEmpty(t, node.IP)
		assert.Equal(t, []string{"kvs_t_net_base"}, node.Networks)
	}

	members := f.membersOf("kvs_t_net_base")
	assert.Len(t, members, 3)
}

func TestStandUpTwiceFails(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 2)
	require.NoError(t, err)

	_, err = c.StandUp(context.Background(), 2)
	assert.Error(t, err)
}

func TestStandUpFailureRollsBack(t *testing.T) {
	f := newFakeRuntime()
	f.failCreate["kvs_t_node_1"] = true
	c := newTestConductor(f)

	_, err := c.StandUp(context.Background(), 3)
	require.Error(t, err)

	var startupErr *ClusterStartupError
	assert.ErrorAs(t, err, &startupErr)

	// Nothing the failed stand-up created survives it
	assert.Empty(t, f.containers)
	assert.Empty(t, f.networks)
}

func TestStandUpInspectFailureRollsBack(t *testing.T) {
	inner := newFakeRuntime()
	f := &inspectFailRuntime{fakeRuntime: inner, failInspect: map[string]bool{"kvs_t_node_1": true}}

	c := New(f, testConfig(), ".", true)
	c.probe = func(ctx context.Context, node *Node) bool { return true }

	_, err := c.StandUp(context.Background(), 3)
	require.Error(t, err)

	var startupErr *ClusterStartupError
	assert.ErrorAs(t, err, &startupErr)

	// The node whose address lookup failed was already started; it must be
	// removed too, or it pins the base network past teardown.
	assert.Empty(t, inner.containers)
	assert.Empty(t, inner.networks)
}

func TestStandUpProbeTimeoutRollsBack(t *testing.T) {
	f := newFakeRuntime()
	c := New(f, testConfig(), ".", true)
	c.probe = func(ctx context.Context, node *Node) bool { return false }

	_, err := c.StandUp(context.Background(), 2)
	require.Error(t, err)

	var timeoutErr *StartupTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.Empty(t, f.containers)
	assert.Empty(t, f.networks)
}

func TestPartitionReachability(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 5)
	require.NoError(t, err)

	topo, err := c.Partition(context.Background(), [][]int{{0, 1}, {2, 3, 4}})
	require.NoError(t, err)
	require.Len(t, topo.Groups, 2)

	name := func(i int) string { return fmt.Sprintf("kvs_t_node_%d", i) }

	// Same group shares a network, different groups share none
	assert.NotEmpty(t, f.sharedNetworks(name(0), name(1)))
	assert.NotEmpty(t, f.sharedNetworks(name(2), name(3)))
	assert.NotEmpty(t, f.sharedNetworks(name(3), name(4)))
	for _, left := range []int{0, 1} {
		for _, right := range []int{2, 3, 4} {
			assert.Empty(t, f.sharedNetworks(name(left), name(right)),
				"nodes %d and %d should be separated", left, right)
		}
	}

	// Healing merges everyone back onto one network
	topo, err = c.HealAll(context.Background())
	require.NoError(t, err)
	require.Len(t, topo.Groups, 1)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, topo.Groups[0].Members)

	for i := 1; i < 5; i++ {
		assert.NotEmpty(t, f.sharedNetworks(name(0), name(i)))
	}
}

func TestPartitionDetachesBeforeAttaching(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 4)
	require.NoError(t, err)

	f.ops = nil
	_, err = c.Partition(context.Background(), [][]int{{0, 1}, {2, 3}})
	require.NoError(t, err)

	// Every detach must land before the first attach, so no node is ever
	// transiently bridging two groups.
	firstConnect := -1
	lastDisconnect := -1
	for i, op := range f.ops {
		if strings.HasPrefix(op, "connect") && firstConnect == -1 {
			firstConnect = i
		}
		if strings.HasPrefix(op, "disconnect") {
			lastDisconnect = i
		}
	}

	require.NotEqual(t, -1, firstConnect)
	require.NotEqual(t, -1, lastDisconnect)
	assert.Less(t, lastDisconnect, firstConnect, "ops: %v", f.ops)
}

func TestPartitionRefreshesAddresses(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	topo, err := c.StandUp(context.Background(), 2)
	require.NoError(t, err)
	before := topo.Node(0).IP

	topo, err = c.Partition(context.Background(), [][]int{{0}, {1}})
	require.NoError(t, err)

	after := topo.Node(0).IP
	assert.NotEmpty(t, after)
	assert.NotEqual(t, before, after, "a node changing networks gets a fresh address")
}

func TestPartitionRejectsInvalidGroups(t *testing.T) {
	tests := []struct {
		name   string
		groups [][]int
	}{
		{"empty", [][]int{}},
		{"empty group", [][]int{{0, 1, 2}, {}}},
		{"unknown node", [][]int{{0, 1}, {2, 7}}},
		{"duplicate node", [][]int{{0, 1}, {1, 2}}},
		{"uncovered node", [][]int{{0, 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeRuntime()
			c := newTestConductor(f)
			defer c.Teardown(context.Background())

			_, err := c.StandUp(context.Background(), 3)
			require.NoError(t, err)
			before := c.Topology()

			_, err = c.Partition(context.Background(), tt.groups)
			require.Error(t, err)

			var topoErr *InvalidTopologyError
			assert.ErrorAs(t, err, &topoErr)

			// Rejected requests leave the topology untouched
			assert.Equal(t, before.Groups, c.Topology().Groups)
		})
	}
}

func TestPartitionReusesMatchingNetwork(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 4)
	require.NoError(t, err)

	_, err = c.Partition(context.Background(), [][]int{{0, 1}, {2, 3}})
	require.NoError(t, err)
	networksAfterFirst := len(f.networks)

	// Re-applying the same partition creates nothing new
	f.ops = nil
	_, err = c.Partition(context.Background(), [][]int{{0, 1}, {2, 3}})
	require.NoError(t, err)

	assert.Equal(t, networksAfterFirst, len(f.networks))
	assert.Empty(t, f.ops, "an already-realized partition should be a no-op")
}

func TestAddNodeJoinsGroupNetwork(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 2)
	require.NoError(t, err)

	node, err := c.AddNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, node.Index)

	topo := c.Topology()
	require.Len(t, topo.Groups, 1)
	assert.Equal(t, []int{0, 1, 2}, topo.Groups[0].Members)
	assert.NotEmpty(t, f.sharedNetworks("kvs_t_node_0", "kvs_t_node_2"))
}

func TestAddNodeUnreadyIsRemoved(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 2)
	require.NoError(t, err)

	c.probe = func(ctx context.Context, node *Node) bool {
		return node.Index < 2
	}

	_, err = c.AddNode(context.Background())
	require.Error(t, err)

	topo := c.Topology()
	assert.Len(t, topo.Nodes, 2)
	assert.Nil(t, f.container("kvs_t_node_2"))

	// The burned index is not handed out again
	c.probe = func(ctx context.Context, node *Node) bool { return true }
	node, err := c.AddNode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, node.Index)
}

func TestRemoveNodeRetiresIndex(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 3)
	require.NoError(t, err)

	require.NoError(t, c.RemoveNode(context.Background(), 1))
	assert.Nil(t, f.container("kvs_t_node_1"))

	var unknownErr *UnknownNodeError
	assert.ErrorAs(t, c.RemoveNode(context.Background(), 1), &unknownErr)
	assert.ErrorAs(t, c.CrashNode(context.Background(), 1), &unknownErr)

	// A later partition over the remaining nodes works
	_, err = c.Partition(context.Background(), [][]int{{0}, {2}})
	require.NoError(t, err)

	// But naming the removed node does not
	_, err = c.Partition(context.Background(), [][]int{{0, 1}, {2}})
	var topoErr *InvalidTopologyError
	assert.ErrorAs(t, err, &topoErr)
}

func TestCrashAndRestart(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 2)
	require.NoError(t, err)

	require.NoError(t, c.CrashNode(context.Background(), 1))
	assert.False(t, f.container("kvs_t_node_1").running)

	// A crashed node keeps its place in the topology
	topo := c.Topology()
	assert.NotNil(t, topo.Node(1))

	require.NoError(t, c.RestartNode(context.Background(), 1))
	assert.True(t, f.container("kvs_t_node_1").running)
}

func TestHealAllConcurrentWithRemoveNode(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 4)
	require.NoError(t, err)

	// HealAll computes the live set and applies it atomically, so a removal
	// landing in between cannot surface as an invalid-topology rejection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.RemoveNode(context.Background(), 3))
	}()

	for {
		_, err := c.HealAll(context.Background())
		require.NoError(t, err)

		select {
		case <-done:
			topo, err := c.HealAll(context.Background())
			require.NoError(t, err)
			require.Len(t, topo.Groups, 1)
			assert.Equal(t, []int{0, 1, 2}, topo.Groups[0].Members)
			return
		default:
		}
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)

	_, err := c.StandUp(context.Background(), 3)
	require.NoError(t, err)

	_, err = c.Partition(context.Background(), [][]int{{0}, {1, 2}})
	require.NoError(t, err)

	c.Teardown(context.Background())
	assert.Empty(t, f.containers)
	assert.Empty(t, f.networks)

	c.Teardown(context.Background())
	assert.Empty(t, f.containers)
}

func TestTeardownSurvivesStuckResources(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)

	_, err := c.StandUp(context.Background(), 3)
	require.NoError(t, err)

	// A container the daemon has already lost track of must not stop the
	// rest from being cleaned up.
	delete(f.containers, "kvs_t_node_1")

	c.Teardown(context.Background())
	assert.Empty(t, f.containers)
	assert.Empty(t, f.networks)
}

func TestSkipBuildUsesExistingImage(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, f.buildCalls)
}

func TestSkipBuildFallsBackWhenImageMissing(t *testing.T) {
	f := newFakeRuntime()
	f.imagePresent = false
	c := newTestConductor(f)
	c.projectDir = t.TempDir()
	defer c.Teardown(context.Background())

	_, err := c.StandUp(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.buildCalls)
}

func TestOperationsAfterTeardownFail(t *testing.T) {
	f := newFakeRuntime()
	c := newTestConductor(f)

	_, err := c.StandUp(context.Background(), 2)
	require.NoError(t, err)
	c.Teardown(context.Background())

	_, err = c.Partition(context.Background(), [][]int{{0, 1}})
	assert.Error(t, err)

	_, err = c.AddNode(context.Background())
	assert.Error(t, err)

	assert.True(t, errors.As(c.CrashNode(context.Background(), 0), new(*UnknownNodeError)))
}
