package kvs

import (
	. "github.com/st3v3nmw/drover/internal/attest"
)

// Availability checks that nodes keep serving reads and writes while the
// cluster is split, as long as their view matches their side of the split.
func Availability() *Suite {
	return New().
		Setup(func(do *Do) {
			do.StandUp(5)

			client := newClient(do, "setup")
			client.broadcast(do.Nodes()...)
			client.mustPut(0, "test_key", "initial_value")
		}).
		Test("Both Sides Of A Partition Stay Available", func(do *Do) {
			do.Partition([]int{0, 1}, []int{2, 3, 4})

			p1 := newClient(do, "p1_client")
			p1.broadcast(0, 1)
			p2 := newClient(do, "p2_client")
			p2.broadcast(2, 3, 4)

			p1.mustPut(0, "p1_key", "p1_value")
			value := p1.mustGet(1, "p1_key")
			expect(value == "p1_value", "Expected %q in the minority side, got %q", "p1_value", value)

			p2.mustPut(2, "p2_key", "p2_value")
			value = p2.mustGet(3, "p2_key")
			expect(value == "p2_value", "Expected %q in the majority side, got %q", "p2_value", value)
		}).
		Test("A Node Outside The View Refuses Requests", func(do *Do) {
			do.HealAll()

			// Every node hears the reduced view, including the one leaving it
			client := newClient(do, "reduced")
			client.broadcast(0, 1, 2, 3)
			client.view(4, 0, 1, 2, 3)

			status := client.put(4, "test_key", "test_value")
			expect(status == 503, "Expected 503 from the node outside the view, got %d", status)

			client.mustPut(0, "test_key", "test_value")
		}).
		Test("Sequential Repartitions", func(do *Do) {
			full := newClient(do, "full")
			full.broadcast(do.Nodes()...)
			full.mustPut(0, "shared_key", "round0")

			do.Partition([]int{0, 1, 2}, []int{3, 4})

			left := newClient(do, "left")
			left.broadcast(0, 1, 2)
			right := newClient(do, "right")
			right.broadcast(3, 4)

			left.mustPut(1, "shared_key", "round1_left")
			right.mustPut(3, "shared_key", "round1_right")

			// Shift the split so nodes change sides
			do.Partition([]int{0, 4}, []int{1, 2, 3})

			left = newClient(do, "left2")
			left.broadcast(0, 4)
			right = newClient(do, "right2")
			right.broadcast(1, 2, 3)

			left.mustPut(4, "shared_key", "round2_left")
			right.mustPut(2, "shared_key", "round2_right")

			value := left.mustGet(0, "shared_key")
			expect(value != "", "Node 0 lost %q across repartitions", "shared_key")
		})
}
