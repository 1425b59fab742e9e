package cluster

import (
	"fmt"
	"slices"
)

// Node is one running instance of the system under test. Index is assigned
// at creation and never reused within a run.
type Node struct {
	Index        int
	Name         string
	IP           string
	Port         int
	ExternalPort int

	// Networks the node is currently attached to. Exclusively maintained
	// by the Conductor; the first entry is the node's primary network.
	Networks []string
}

// InternalAddr is the node's address as other nodes reach it.
func (n *Node) InternalAddr() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// ExternalURL is the node's address as the harness reaches it, through the
// published host port.
func (n *Node) ExternalURL() string {
	return fmt.Sprintf("http://localhost:%d", n.ExternalPort)
}

// Group is one reachability set of the topology, backed by a single network.
type Group struct {
	Network string
	Members []int
}

// Topology is a snapshot of the current partition structure: every live node
// belongs to exactly one group.
type Topology struct {
	Nodes  []*Node
	Groups []Group
}

// Node returns the node with the given index, or nil.
func (t *Topology) Node(index int) *Node {
	for _, n := range t.Nodes {
		if n.Index == index {
			return n
		}
	}

	return nil
}

// GroupOf returns the index of the group containing the node, or -1.
func (t *Topology) GroupOf(index int) int {
	for i, g := range t.Groups {
		if slices.Contains(g.Members, index) {
			return i
		}
	}

	return -1
}

// validateGroups checks that groups is a partition of the live index set:
// every live node in exactly one group, no unknown nodes, no empty groups.
func validateGroups(live []int, groups [][]int) error {
	if len(groups) == 0 {
		return &InvalidTopologyError{Reason: "no groups given"}
	}

	seen := make(map[int]bool, len(live))
	isLive := make(map[int]bool, len(live))
	for _, idx := range live {
		isLive[idx] = true
	}

	for _, group := range groups {
		if len(group) == 0 {
			return &InvalidTopologyError{Reason: "empty group"}
		}

		for _, idx := range group {
			if !isLive[idx] {
				return &InvalidTopologyError{Reason: fmt.Sprintf("node %d is not live", idx)}
			}
			if seen[idx] {
				return &InvalidTopologyError{Reason: fmt.Sprintf("node %d appears in more than one group", idx)}
			}

			seen[idx] = true
		}
	}

	if len(seen) != len(live) {
		for _, idx := range live {
			if !seen[idx] {
				return &InvalidTopologyError{Reason: fmt.Sprintf("node %d is not covered by any group", idx)}
			}
		}
	}

	return nil
}
