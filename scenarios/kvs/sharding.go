package kvs

import (
	"fmt"

	. "github.com/st3v3nmw/drover/internal/attest"
)

// Sharding drives shard-based views: keys spread across disjoint shards,
// causal chains cross shard boundaries, and resharding moves data without
// losing any of it.
func Sharding() *Suite {
	// Every key written so far, so later tests can verify that resharding
	// preserved the whole store.
	written := make(map[string]string)

	put := func(client *client, node int, key, value string) {
		client.mustPut(node, key, value)
		written[key] = value
	}

	// coverage checks that the shard listings are disjoint and together
	// hold exactly the written keys.
	coverage := func(listings ...map[string]string) error {
		merged := make(map[string]string)
		for _, listing := range listings {
			for key, value := range listing {
				if _, dup := merged[key]; dup {
					return fmt.Errorf("key %s appears in more than one shard", key)
				}

				merged[key] = value
			}
		}

		for key, want := range written {
			if merged[key] != want {
				return fmt.Errorf("key %s is %q, want %q", key, merged[key], want)
			}
		}

		if len(merged) != len(written) {
			return fmt.Errorf("shards hold %d keys, want %d", len(merged), len(written))
		}

		return nil
	}

	return New().
		Setup(func(do *Do) {
			do.StandUp(6)
		}).
		Test("A Flat View Acts As A Single Shard", func(do *Do) {
			client := newClient(do, "flat")
			client.broadcast(do.Nodes()...)

			put(client, 0, "compat_key", "compat_value")
			for _, node := range do.Nodes() {
				value := client.mustGet(node, "compat_key")
				expect(value == "compat_value",
					"Node %d returned %q, want %q", node, value, "compat_value")
			}
		}).
		Test("Keys Spread Across Shards Without Overlap", func(do *Do) {
			client := newClient(do, "sharded")
			client.broadcastShards(map[string][]int{
				"alpha": {0, 1, 2},
				"beta":  {3, 4, 5},
			})

			for i := 0; i < 20; i++ {
				key := fmt.Sprintf("shard_key_%02d", i)
				put(client, 0, key, "value_"+key)
			}

			// A node proxies reads for keys its shard does not own
			value := client.mustGet(4, "shard_key_07")
			expect(value == "value_shard_key_07", "Expected the proxied value, got %q", value)

			converges(convergenceWindow, func() error {
				probe := newClient(do, "probe")

				alpha := probe.items(0)
				beta := probe.items(3)
				if len(alpha) == 0 || len(beta) == 0 {
					return fmt.Errorf("lopsided distribution: alpha=%d beta=%d", len(alpha), len(beta))
				}

				return coverage(alpha, beta)
			})
		}).
		Test("Causal Chains Cross Shard Boundaries", func(do *Do) {
			client := newClient(do, "chained")

			put(client, 0, "cross_key1", "cross_value1")
			value := client.mustGet(3, "cross_key1")
			expect(value == "cross_value1", "Expected %q across shards, got %q", "cross_value1", value)

			// This write depends on a read served by the other shard
			put(client, 4, "cross_key2", "cross_value2")
			value = client.mustGet(1, "cross_key2")
			expect(value == "cross_value2", "Expected %q across shards, got %q", "cross_value2", value)
		}).
		Test("Adding A Shard Redistributes Keys", func(do *Do) {
			client := newClient(do, "grown")
			client.broadcastShards(map[string][]int{
				"alpha": {0, 1},
				"beta":  {2, 3},
				"gamma": {4, 5},
			})

			converges(convergenceWindow, func() error {
				probe := newClient(do, "probe")
				return coverage(probe.items(0), probe.items(2), probe.items(4))
			})

			// Every key is still reachable through a single node, proxied
			// wherever it migrated to
			for key, want := range written {
				value := client.mustGet(0, key)
				expect(value == want, "Key %s lost in resharding: got %q, want %q", key, value, want)
			}
		}).
		Test("Removing A Shard Migrates Its Keys", func(do *Do) {
			client := newClient(do, "shrunk")
			shards := map[string][]int{
				"alpha": {0, 1},
				"beta":  {2, 3},
			}
			client.broadcastShards(shards)

			// The departing shard's nodes hear the view that excludes them
			client.shardView(4, shards)
			client.shardView(5, shards)

			converges(convergenceWindow, func() error {
				probe := newClient(do, "probe")
				return coverage(probe.items(0), probe.items(2))
			})

			status := client.put(4, "late_key", "late_value")
			expect(status == 503, "Expected 503 from a node outside every shard, got %d", status)
		})
}
