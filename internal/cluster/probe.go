package cluster

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// eventually checks that the condition becomes true within the given period.
func eventually(ctx context.Context, condition func() bool, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
			if condition() {
				return true
			}
		}
	}

	return false
}

// pingNode is the liveness probe contract every node must satisfy: GET /ping
// answering 200 once the service accepts requests.
func pingNode(ctx context.Context, node *Node, timeout time.Duration) bool {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s/ping", node.ExternalURL())
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// waitReady polls the node's liveness probe until it answers or the window
// closes. Running is not ready: the container may be up long before the
// service inside accepts requests.
func (c *Conductor) waitReady(ctx context.Context, node *Node) error {
	ready := eventually(ctx, func() bool {
		return c.probe(ctx, node)
	}, c.cfg.ReadyTimeout, c.cfg.PollInterval)

	if !ready {
		return &StartupTimeoutError{Node: node.Name, Timeout: c.cfg.ReadyTimeout}
	}

	return nil
}

// settle waits out the quiescence interval after a topology mutation.
// Network reconfiguration may be asynchronous below the Engine API, so
// assertions about reachability are only valid once this has passed.
func (c *Conductor) settle(ctx context.Context) {
	if c.cfg.SettleDelay <= 0 {
		return
	}

	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.SettleDelay):
	}
}
