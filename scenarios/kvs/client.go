package kvs

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/st3v3nmw/drover/internal/attest"
)

// client talks to the store the way a real session would: every request
// carries the causal metadata from the last response, so the store can
// enforce ordering across nodes.
type client struct {
	do       *attest.Do
	name     string
	metadata json.RawMessage
}

func newClient(do *attest.Do, name string) *client {
	return &client{do: do, name: name, metadata: json.RawMessage(`{}`)}
}

func (c *client) body(fields map[string]any) []byte {
	fields["causal-metadata"] = c.metadata

	bytes, err := json.Marshal(fields)
	if err != nil {
		panic(fmt.Sprintf("client %s: cannot encode request body: %v", c.name, err))
	}

	return bytes
}

func (c *client) absorb(responseBody string) {
	if meta := gjson.Get(responseBody, "causal-metadata"); meta.Exists() {
		c.metadata = json.RawMessage(meta.Raw)
	}
}

// reset drops the causal history, making the next request independent.
func (c *client) reset() {
	c.metadata = json.RawMessage(`{}`)
}

// view installs the given membership on one node. Addresses are the ones
// nodes use to reach each other, not the published host ports.
func (c *client) view(node int, members ...int) int {
	entries := make([]map[string]any, 0, len(members))
	for _, member := range members {
		entries = append(entries, map[string]any{
			"address": c.do.InternalAddr(member),
			"id":      member,
		})
	}

	status, body := c.do.Request(node, "PUT", "/view", c.body(map[string]any{"view": entries}))
	if status == 200 {
		c.absorb(body)
	}

	return status
}

// broadcast installs the given membership on every one of its members.
func (c *client) broadcast(members ...int) {
	for _, node := range members {
		if status := c.view(node, members...); status != 200 {
			panic(fmt.Sprintf("client %s: view update on node %d returned %d", c.name, node, status))
		}
	}
}

// shardView installs a sharded membership on one node. The view maps shard
// names to member lists; a node that ends up in no shard must stop serving.
func (c *client) shardView(node int, shards map[string][]int) int {
	view := make(map[string]any, len(shards))
	for name, members := range shards {
		entries := make([]map[string]any, 0, len(members))
		for _, member := range members {
			entries = append(entries, map[string]any{
				"address": c.do.InternalAddr(member),
				"id":      member,
			})
		}

		view[name] = entries
	}

	status, body := c.do.Request(node, "PUT", "/view", c.body(map[string]any{"view": view}))
	if status == 200 {
		c.absorb(body)
	}

	return status
}

// broadcastShards installs the sharded view on every member of every shard.
func (c *client) broadcastShards(shards map[string][]int) {
	seen := make(map[int]bool)
	members := make([]int, 0)
	for _, shard := range shards {
		for _, node := range shard {
			if !seen[node] {
				seen[node] = true
				members = append(members, node)
			}
		}
	}
	sort.Ints(members)

	for _, node := range members {
		if status := c.shardView(node, shards); status != 200 {
			panic(fmt.Sprintf("client %s: shard view update on node %d returned %d", c.name, node, status))
		}
	}
}

// put stores key=value through the given node and returns the status code.
func (c *client) put(node int, key, value string) int {
	status, body := c.do.Request(node, "PUT", "/data/"+key, c.body(map[string]any{"value": value}))
	if status >= 200 && status < 300 {
		c.absorb(body)
	}

	return status
}

func (c *client) mustPut(node int, key, value string) {
	status := c.put(node, key, value)
	expect(status == 200 || status == 201,
		"client %s: PUT %s on node %d returned %d", c.name, key, node, status)
}

// get returns the status code and the value for key as seen by the given node.
func (c *client) get(node int, key string) (int, string) {
	status, body := c.do.Request(node, "GET", "/data/"+key, c.body(map[string]any{}))
	if status != 200 {
		return status, ""
	}

	c.absorb(body)
	return status, gjson.Get(body, "value").String()
}

func (c *client) mustGet(node int, key string) string {
	status, value := c.get(node, key)
	expect(status == 200, "client %s: GET %s on node %d returned %d", c.name, key, node, status)
	return value
}

// items returns every key-value pair the given node currently has.
func (c *client) items(node int) map[string]string {
	status, body := c.do.Request(node, "GET", "/data", c.body(map[string]any{}))
	expect(status == 200, "client %s: GET /data on node %d returned %d", c.name, node, status)
	c.absorb(body)

	all := make(map[string]string)
	gjson.Get(body, "items").ForEach(func(key, value gjson.Result) bool {
		all[key.String()] = value.String()
		return true
	})

	return all
}

// expect panics with a formatted message unless the condition holds.
func expect(condition bool, format string, args ...any) {
	if !condition {
		panic(fmt.Sprintf(format, args...))
	}
}

// converges retries the check until it passes or the deadline expires, then
// panics with the last failure. Anti-entropy between replicas takes time, so
// convergence checks need slack that single-request assertions don't.
func converges(timeout time.Duration, check func() error) {
	deadline := time.Now().Add(timeout)

	var err error
	for {
		if err = check(); err == nil {
			return
		}

		if time.Now().After(deadline) {
			panic(fmt.Sprintf("Replicas did not converge within %s: %v", timeout, err))
		}

		time.Sleep(500 * time.Millisecond)
	}
}
