package kvs

import (
	. "github.com/st3v3nmw/drover/internal/attest"
)

// Partitions drives the cluster through isolation, crash, and restart
// topologies and checks each node behaves according to where it landed.
func Partitions() *Suite {
	return New().
		Setup(func(do *Do) {
			do.StandUp(4)

			client := newClient(do, "setup")
			client.broadcast(do.Nodes()...)
		}).
		Test("Singleton Partitions Keep Nodes Serving", func(do *Do) {
			do.Partition([]int{0}, []int{1}, []int{2}, []int{3})

			for _, node := range do.Nodes() {
				// Each node is its own one-member view now
				client := newClient(do, "solo")
				client.broadcast(node)

				client.mustPut(node, "solo_key", "solo_value")
				value := client.mustGet(node, "solo_key")
				expect(value == "solo_value",
					"Isolated node %d returned %q, want %q", node, value, "solo_value")
			}
		}).
		Test("Healing Restores A Single Group", func(do *Do) {
			do.HealAll()

			client := newClient(do, "healed")
			client.broadcast(do.Nodes()...)

			client.mustPut(0, "healed_key", "healed_value")
			value := client.mustGet(3, "healed_key")
			expect(value == "healed_value",
				"Node 3 returned %q after healing, want %q", value, "healed_value")
		}).
		Test("A Crashed Node Refuses Connections", func(do *Do) {
			do.Crash(3)

			do.HTTP(3, "GET", "/ping").T().
				Down().
				Assert("A stopped node should not accept connections at all.")

			// The survivors keep serving
			client := newClient(do, "survivors")
			client.broadcast(0, 1, 2)
			client.mustPut(0, "crash_key", "crash_value")
		}).
		Test("A Restarted Node Rejoins", func(do *Do) {
			do.Restart(3)

			do.HTTP(3, "GET", "/ping").Eventually().T().
				Status(Is(200)).
				Assert("A restarted node should come back up and answer /ping.")

			client := newClient(do, "rejoined")
			client.broadcast(do.Nodes()...)

			client.mustPut(3, "rejoin_key", "rejoin_value")
			value := client.mustGet(0, "rejoin_key")
			expect(value == "rejoin_value",
				"Node 0 returned %q for the restarted node's write, want %q", value, "rejoin_value")
		})
}
