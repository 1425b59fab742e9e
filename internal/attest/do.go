package attest

import (
	"context"
	"fmt"
	"sync"

	"github.com/st3v3nmw/drover/internal/cluster"
)

// H represents HTTP headers for requests.
type H map[string]string

// Cluster is the surface a scenario needs from the container runtime.
// *cluster.Conductor implements it.
type Cluster interface {
	StandUp(ctx context.Context, n int) (*cluster.Topology, error)
	Partition(ctx context.Context, groups [][]int) (*cluster.Topology, error)
	HealAll(ctx context.Context) (*cluster.Topology, error)
	AddNode(ctx context.Context) (*cluster.Node, error)
	RemoveNode(ctx context.Context, index int) error
	CrashNode(ctx context.Context, index int) error
	RestartNode(ctx context.Context, index int) error
	Topology() *cluster.Topology
}

var _ Cluster = (*cluster.Conductor)(nil)

// Do orchestrates cluster mutations and HTTP requests within a scenario.
// Every operation panics on failure; the Suite recovers and reports.
type Do struct {
	cluster Cluster
	config  *Config

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDo creates a scenario driver around a running cluster.
func NewDo(ctx context.Context, cl Cluster, config *Config) *Do {
	ctx, cancel := context.WithCancel(ctx)

	return &Do{
		cluster: cl,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Done releases the driver's context.
func (d *Do) Done() {
	d.cancel()
}

// StandUp starts a cluster of n nodes and waits for all of them to be ready.
func (d *Do) StandUp(n int) {
	if _, err := d.cluster.StandUp(d.ctx, n); err != nil {
		panic(fmt.Sprintf("Cluster stand-up failed: %v", err))
	}
}

// Partition splits the cluster into the given groups of node indices.
// Nodes within a group can reach each other; nodes in different groups cannot.
func (d *Do) Partition(groups ...[]int) {
	if _, err := d.cluster.Partition(d.ctx, groups); err != nil {
		panic(fmt.Sprintf("Partition failed: %v", err))
	}
}

// HealAll restores full connectivity between all live nodes.
func (d *Do) HealAll() {
	if _, err := d.cluster.HealAll(d.ctx); err != nil {
		panic(fmt.Sprintf("Healing the cluster failed: %v", err))
	}
}

// AddNode starts a fresh node, waits for it to be ready,
// and returns its index.
func (d *Do) AddNode() int {
	node, err := d.cluster.AddNode(d.ctx)
	if err != nil {
		panic(fmt.Sprintf("Adding a node failed: %v", err))
	}

	return node.Index
}

// RemoveNode permanently removes the node at the given index.
func (d *Do) RemoveNode(index int) {
	if err := d.cluster.RemoveNode(d.ctx, index); err != nil {
		panic(fmt.Sprintf("Removing node %d failed: %v", index, err))
	}
}

// Crash stops the node at the given index without removing it.
func (d *Do) Crash(index int) {
	if err := d.cluster.CrashNode(d.ctx, index); err != nil {
		panic(fmt.Sprintf("Crashing node %d failed: %v", index, err))
	}
}

// Restart starts a previously crashed node and waits for it to be ready.
func (d *Do) Restart(index int) {
	if err := d.cluster.RestartNode(d.ctx, index); err != nil {
		panic(fmt.Sprintf("Restarting node %d failed: %v", index, err))
	}
}

// Nodes returns the indices of all live nodes in ascending order.
func (d *Do) Nodes() []int {
	topo := d.cluster.Topology()

	indices := make([]int, 0, len(topo.Nodes))
	for _, node := range topo.Nodes {
		indices = append(indices, node.Index)
	}

	return indices
}

// InternalAddr returns a node's address on the cluster network, as other
// nodes see it.
func (d *Do) InternalAddr(index int) string {
	node := d.cluster.Topology().Node(index)
	if node == nil {
		panic(fmt.Sprintf("Unknown node %d", index))
	}

	return node.InternalAddr()
}

// HTTP creates a deferred HTTP request against the node at the given index.
// Optional args: a body (string or []byte) and/or headers (H).
func (d *Do) HTTP(node int, method, path string, args ...any) *HTTPPromise {
	target := d.cluster.Topology().Node(node)
	if target == nil {
		panic(fmt.Sprintf("Unknown node %d", node))
	}

	promise := &HTTPPromise{
		PromiseBase: PromiseBase{
			ctx:    d.ctx,
			config: d.config,
		},
		method: method,
		url:    target.ExternalURL() + path,
	}

	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			promise.body = []byte(v)
		case []byte:
			promise.body = v
		case H:
			promise.headers = v
		default:
			panic(fmt.Sprintf("Unexpected argument type %T in HTTP()", arg))
		}
	}

	return promise
}

// Request performs an immediate HTTP request against the node at the given
// index and returns the status code and response body. Used by fixtures that
// need the response, like clients threading metadata between calls.
func (d *Do) Request(node int, method, path string, body []byte) (int, string) {
	target := d.cluster.Topology().Node(node)
	if target == nil {
		panic(fmt.Sprintf("Unknown node %d", node))
	}

	status, responseBody, err := doRequest(d.ctx, d.config, method, target.ExternalURL()+path, nil, body)
	if err != nil {
		panic(fmt.Sprintf("%s %s on node %d failed: %v", method, path, node, err))
	}

	return status, responseBody
}

// Concurrently runs the given functions in parallel and waits for all of
// them. A panic in any function is re-raised after the rest finish.
func (d *Do) Concurrently(fns ...func()) {
	var wg sync.WaitGroup
	panics := make([]any, len(fns))

	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				panics[i] = recover()
			}()

			fn()
		}()
	}

	wg.Wait()

	for _, p := range panics {
		if p != nil {
			panic(p)
		}
	}
}
