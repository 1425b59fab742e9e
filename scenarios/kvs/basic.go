package kvs

import (
	. "github.com/st3v3nmw/drover/internal/attest"
)

// Basic exercises put/get with causal metadata on a healthy three-node
// cluster, no partitions involved.
func Basic() *Suite {
	return New().
		Setup(func(do *Do) {
			do.StandUp(3)
		}).
		Test("Nodes Respond To Ping", func(do *Do) {
			for _, node := range do.Nodes() {
				do.HTTP(node, "GET", "/ping").T().
					Status(Is(200)).
					Assert("Every node should answer GET /ping once it is up.\n" +
						"The harness uses this endpoint to decide when your node is ready.")
			}
		}).
		Test("Requests Before A View Are Refused", func(do *Do) {
			do.HTTP(0, "PUT", "/data/early_key", `{"value": "early", "causal-metadata": {}}`).T().
				Status(Is(503)).
				Assert("A node that has not received a view yet cannot place writes.\n" +
					"Return 503 Service Unavailable until PUT /view arrives.")
		}).
		Test("Put And Get With Causal Metadata", func(do *Do) {
			client := newClient(do, "client1")
			client.broadcast(do.Nodes()...)

			client.mustPut(0, "test_key", "test_value")

			value := client.mustGet(0, "test_key")
			expect(value == "test_value", "Expected %q, got %q", "test_value", value)
		}).
		Test("Causal Chain Across Nodes", func(do *Do) {
			client := newClient(do, "client1")

			client.mustPut(0, "key1", "value1")
			value := client.mustGet(1, "key1")
			expect(value == "value1", "Expected %q from node 1, got %q", "value1", value)

			// Causally after reading key1
			client.mustPut(2, "key2", "value2")
			value = client.mustGet(0, "key2")
			expect(value == "value2", "Expected %q from node 0, got %q", "value2", value)
		}).
		Test("Every Node Serves Reads", func(do *Do) {
			client := newClient(do, "client1")
			client.mustPut(0, "avail_key", "avail_value")

			for _, node := range do.Nodes() {
				value := client.mustGet(node, "avail_key")
				expect(value == "avail_value",
					"Node %d returned %q, want %q", node, value, "avail_value")
			}
		}).
		Test("List Returns All Items", func(do *Do) {
			client := newClient(do, "client1")
			client.mustPut(0, "kenya:capital", "Nairobi")
			client.mustPut(1, "uganda:capital", "Kampala")

			all := client.items(2)
			for key, want := range map[string]string{
				"kenya:capital":  "Nairobi",
				"uganda:capital": "Kampala",
			} {
				expect(all[key] == want, "Expected %s=%q in the listing, got %q", key, want, all[key])
			}
		})
}
