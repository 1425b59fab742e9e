package cluster

import (
	"fmt"
	"time"
)

// BuildError means the image build exited with an error. Output carries the
// accumulated build log so failures are diagnosable without re-running.
type BuildError struct {
	Tag    string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building image %q: %v", e.Tag, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// StartupTimeoutError means a node's process is running but its service never
// answered the readiness probe within the configured window.
type StartupTimeoutError struct {
	Node    string
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("node %s did not become ready within %s", e.Node, e.Timeout)
}

// ClusterStartupError aborts a stand-up. By the time it is returned, every
// resource the failed stand-up created has been rolled back.
type ClusterStartupError struct {
	Err error
}

func (e *ClusterStartupError) Error() string {
	return fmt.Sprintf("cluster startup failed: %v", e.Err)
}

func (e *ClusterStartupError) Unwrap() error {
	return e.Err
}

// InvalidTopologyError rejects a partition request that is not a disjoint
// cover of the live node set. The topology is unchanged.
type InvalidTopologyError struct {
	Reason string
}

func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

// UnknownNodeError rejects an operation referencing a node index that is not
// live. Indices are never reused, so a removed node's index stays unknown.
type UnknownNodeError struct {
	Index int
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown node %d", e.Index)
}

// FabricError surfaces a failed network create/attach/detach. Fabric
// mutations are not silently retried; a half-applied partition must be
// visible to the caller.
type FabricError struct {
	Op      string
	Network string
	Err     error
}

func (e *FabricError) Error() string {
	return fmt.Sprintf("fabric %s %s: %v", e.Op, e.Network, e.Err)
}

func (e *FabricError) Unwrap() error {
	return e.Err
}

// LogUnavailableError means a node's logs could not be captured. It is
// reported as a warning and never fails a scenario.
type LogUnavailableError struct {
	Node string
	Err  error
}

func (e *LogUnavailableError) Error() string {
	return fmt.Sprintf("logs unavailable for %s: %v", e.Node, e.Err)
}

func (e *LogUnavailableError) Unwrap() error {
	return e.Err
}
