package kvs

import (
	"fmt"
	"time"

	. "github.com/st3v3nmw/drover/internal/attest"
)

const convergenceWindow = 15 * time.Second

// Eventual checks that divergent replicas converge once the partition heals
// and anti-entropy can run again.
func Eventual() *Suite {
	return New().
		Setup(func(do *Do) {
			do.StandUp(4)

			client := newClient(do, "setup")
			client.broadcast(do.Nodes()...)
		}).
		Test("Divergent Writes Converge After Healing", func(do *Do) {
			do.Partition([]int{0, 1}, []int{2, 3})

			p1 := newClient(do, "p1_client")
			p1.broadcast(0, 1)
			p2 := newClient(do, "p2_client")
			p2.broadcast(2, 3)

			// Same key, different value on each side
			p1.mustPut(0, "shared_key", "p1_value")
			p2.mustPut(2, "shared_key", "p2_value")

			value := p1.mustGet(1, "shared_key")
			expect(value == "p1_value", "Expected %q in p1, got %q", "p1_value", value)
			value = p2.mustGet(3, "shared_key")
			expect(value == "p2_value", "Expected %q in p2, got %q", "p2_value", value)

			do.HealAll()
			healed := newClient(do, "healed")
			healed.broadcast(do.Nodes()...)

			var winner string
			converges(convergenceWindow, func() error {
				probe := newClient(do, "probe")

				seen := make(map[string]bool)
				for _, node := range do.Nodes() {
					status, v := probe.get(node, "shared_key")
					if status != 200 {
						return fmt.Errorf("node %d returned %d", node, status)
					}
					seen[v] = true
					winner = v
				}

				if len(seen) != 1 {
					return fmt.Errorf("nodes disagree on shared_key: %v", seen)
				}

				return nil
			})

			expect(winner == "p1_value" || winner == "p2_value",
				"Converged to %q, which neither side wrote", winner)
		}).
		Test("Concurrent Updates Converge", func(do *Do) {
			nodes := do.Nodes()

			writes := make([]func(), 0, len(nodes))
			for i, node := range nodes {
				writes = append(writes, func() {
					// Independent clients, so the writes are concurrent
					client := newClient(do, fmt.Sprintf("client%d", i))
					client.mustPut(node, "concurrent_key", fmt.Sprintf("value_from_client%d", i))
				})
			}
			do.Concurrently(writes...)

			converges(convergenceWindow, func() error {
				probe := newClient(do, "probe")

				seen := make(map[string]bool)
				for _, node := range nodes {
					status, v := probe.get(node, "concurrent_key")
					if status != 200 {
						return fmt.Errorf("node %d returned %d", node, status)
					}
					seen[v] = true
				}

				if len(seen) != 1 {
					return fmt.Errorf("nodes disagree on concurrent_key: %v", seen)
				}

				return nil
			})
		})
}

// Causal checks that reads never travel backwards along a client's
// causal history.
func Causal() *Suite {
	return New().
		Setup(func(do *Do) {
			do.StandUp(4)

			client := newClient(do, "setup")
			client.broadcast(do.Nodes()...)
		}).
		Test("Write Then Read Sees The Write", func(do *Do) {
			client := newClient(do, "client1")
			client.mustPut(0, "wr_key", "wr_value")

			value := client.mustGet(1, "wr_key")
			expect(value == "wr_value", "Client should read its own write, got %q", value)
		}).
		Test("Read Then Write Preserves The Dependency", func(do *Do) {
			client1 := newClient(do, "client1")
			client2 := newClient(do, "client2")

			client1.mustPut(0, "rw_key1", "value1")

			value := client2.mustGet(1, "rw_key1")
			expect(value == "value1", "Expected %q, got %q", "value1", value)

			// client2's write now depends on having read rw_key1=value1
			client2.mustPut(2, "rw_key2", "value2")

			client1.mustPut(3, "rw_key1", "value1_updated")

			// client2 may see either write, but never anything older
			value = client2.mustGet(0, "rw_key1")
			expect(value == "value1" || value == "value1_updated",
				"Expected %q or %q, got %q", "value1", "value1_updated", value)
		}).
		Test("Dependency Chain Across All Nodes", func(do *Do) {
			client := newClient(do, "client1")
			nodes := do.Nodes()

			// Each write depends on reading the previous one, hopping nodes
			previous := ""
			for i := 0; i < len(nodes); i++ {
				key := fmt.Sprintf("chain_key_%d", i)
				if previous != "" {
					value := client.mustGet(nodes[i], previous)
					expect(value != "", "Broken chain: %s unreadable at node %d", previous, nodes[i])
				}

				client.mustPut(nodes[i], key, fmt.Sprintf("chain_value_%d", i))
				previous = key
			}

			// The tail of the chain implies every link before it
			value := client.mustGet(nodes[0], previous)
			expect(value == fmt.Sprintf("chain_value_%d", len(nodes)-1),
				"Expected the final chain value, got %q", value)
		})
}
