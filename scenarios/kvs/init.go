package kvs

import "github.com/st3v3nmw/drover/internal/registry"

func init() {
	registry.Register("basic", "Basic Operations",
		"Put/get with causal metadata on a healthy cluster", Basic)
	registry.Register("availability", "Availability Under Partition",
		"Both sides of a partition keep serving reads and writes", Availability)
	registry.Register("eventual", "Eventual Consistency",
		"Divergent replicas converge once the partition heals", Eventual)
	registry.Register("causal", "Causal Consistency",
		"Reads never travel backwards along a client's causal history", Causal)
	registry.Register("partitions", "Partition Topologies",
		"Isolation, crashes, and restarts across shifting topologies", Partitions)
	registry.Register("membership", "View Changes",
		"Nodes joining and leaving the replication view", Membership)
	registry.Register("sharding", "Sharded Views",
		"Key distribution across shards and resharding on view changes", Sharding)
}
