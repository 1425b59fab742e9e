package kvs

import (
	"fmt"

	. "github.com/st3v3nmw/drover/internal/attest"
)

// Membership checks view changes: a node joining catches up on existing
// data, and a node leaving the view stops serving.
func Membership() *Suite {
	return New().
		Setup(func(do *Do) {
			do.StandUp(3)

			client := newClient(do, "setup")
			client.broadcast(do.Nodes()...)
			client.mustPut(0, "key1", "value1")
			client.mustPut(1, "key2", "value2")
		}).
		Test("A New Node Catches Up", func(do *Do) {
			added := do.AddNode()

			client := newClient(do, "expanded")
			client.broadcast(do.Nodes()...)

			// Replication of existing data takes time
			converges(convergenceWindow, func() error {
				probe := newClient(do, "probe")
				for key, want := range map[string]string{"key1": "value1", "key2": "value2"} {
					status, value := probe.get(added, key)
					if status != 200 {
						return fmt.Errorf("GET %s on node %d returned %d", key, added, status)
					}
					if value != want {
						return fmt.Errorf("node %d has %s=%q, want %q", added, key, value, want)
					}
				}
				return nil
			})

			// And the new node accepts writes the rest of the cluster sees
			client.mustPut(added, "key3", "value3")
			for _, node := range do.Nodes() {
				value := client.mustGet(node, "key3")
				expect(value == "value3", "Node %d returned %q, want %q", node, value, "value3")
			}
		}).
		Test("A Node Dropped From The View Returns 503", func(do *Do) {
			nodes := do.Nodes()
			leaving := nodes[len(nodes)-1]
			remaining := nodes[:len(nodes)-1]

			// Everyone hears the reduced view, including the node leaving it
			client := newClient(do, "reduced")
			client.broadcast(remaining...)
			client.view(leaving, remaining...)

			status := client.put(leaving, "key4", "value4")
			expect(status == 503, "Expected 503 from the departed node, got %d", status)

			client.mustPut(remaining[0], "key4", "value4")
		}).
		Test("A Removed Node Leaves The Survivors Intact", func(do *Do) {
			nodes := do.Nodes()
			leaving := nodes[len(nodes)-1]
			remaining := nodes[:len(nodes)-1]

			do.RemoveNode(leaving)

			client := newClient(do, "survivors")
			client.broadcast(remaining...)

			value := client.mustGet(remaining[0], "key4")
			expect(value == "value4", "Survivors lost key4, got %q", value)
		})
}
