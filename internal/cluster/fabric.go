package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/drover/pkg/threadsafe"
)

// NetworkHandle identifies one virtual network owned by this run.
type NetworkHandle struct {
	Name string
	ID   string
}

// Fabric creates and destroys virtual networks and moves nodes between them.
// Attach and Detach are the only primitives; every partition shape is built
// from them by the Conductor. Fabric does not wait for the data plane to
// converge; that is the Conductor's settle step.
type Fabric struct {
	api     API
	group   string
	retries int
	log     *logrus.Entry

	networks *threadsafe.Map[string, NetworkHandle]
}

// NewFabric wires a fabric manager to the given runtime API.
func NewFabric(api API, group string, retries int) *Fabric {
	return &Fabric{
		api:      api,
		group:    group,
		retries:  retries,
		log:      logrus.WithField("component", "fabric"),
		networks: threadsafe.NewMap[string, NetworkHandle](),
	}
}

// Networks lists the handles this fabric has created or adopted.
func (f *Fabric) Networks() []NetworkHandle {
	return f.networks.Values()
}

// CreateNetwork creates a bridge network with a free subnet, or returns the
// existing handle if a network with this name already exists. Partition
// operations are declarative and may be re-applied, so creation must be
// idempotent by name.
func (f *Fabric) CreateNetwork(ctx context.Context, name string) (NetworkHandle, error) {
	if handle, ok := f.networks.Get(name); ok {
		return handle, nil
	}

	networks, err := f.api.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return NetworkHandle{}, &FabricError{Op: "list", Network: name, Err: err}
	}

	used := make(map[string]bool)
	for _, n := range networks {
		if n.Name == name {
			f.log.WithField("network", name).Debug("network already exists, adopting")
			handle := NetworkHandle{Name: name, ID: n.ID}
			f.networks.Set(name, handle)
			return handle, nil
		}

		for _, c := range n.IPAM.Config {
			used[c.Subnet] = true
		}
	}

	// Scan for a free /24; subnets vary by name so parallel runs racing
	// for the 172.16/12 space mostly avoid each other.
	const maxAttempts = 10
	var lastErr error
	for attempt := 0; attempt < maxAttempts+f.retries; attempt++ {
		subnet := candidateSubnet(name, attempt)
		if used[subnet] {
			continue
		}

		resp, err := f.api.NetworkCreate(ctx, name, network.CreateOptions{
			Driver: "bridge",
			IPAM: &network.IPAM{
				Driver: "default",
				Config: []network.IPAMConfig{{Subnet: subnet}},
			},
			Labels: map[string]string{runLabel: f.group},
		})
		if err != nil {
			if strings.Contains(err.Error(), "Pool overlaps") {
				// In use but not visible in the earlier scan.
				used[subnet] = true
				lastErr = err
				continue
			}

			return NetworkHandle{}, &FabricError{Op: "create", Network: name, Err: err}
		}

		f.log.WithFields(logrus.Fields{"network": name, "subnet": subnet}).Info("created network")
		handle := NetworkHandle{Name: name, ID: resp.ID}
		f.networks.Set(name, handle)
		return handle, nil
	}

	return NetworkHandle{}, &FabricError{
		Op:      "create",
		Network: name,
		Err:     fmt.Errorf("no free subnet after %d attempts: %w", maxAttempts, lastErr),
	}
}

// Attach connects a container to a network.
func (f *Fabric) Attach(ctx context.Context, containerName string, net NetworkHandle) error {
	f.log.WithFields(logrus.Fields{"container": containerName, "network": net.Name}).Debug("attach")

	err := f.withRetries(func() error {
		return f.api.NetworkConnect(ctx, net.ID, containerName, &network.EndpointSettings{})
	})
	if err != nil {
		return &FabricError{Op: "attach", Network: net.Name, Err: err}
	}

	return nil
}

// Detach disconnects a container from a network. Detaching a node from every
// network it belongs to fully isolates it.
func (f *Fabric) Detach(ctx context.Context, containerName string, net NetworkHandle) error {
	f.log.WithFields(logrus.Fields{"container": containerName, "network": net.Name}).Debug("detach")

	err := f.withRetries(func() error {
		return f.api.NetworkDisconnect(ctx, net.ID, containerName, true)
	})
	if err != nil {
		return &FabricError{Op: "detach", Network: net.Name, Err: err}
	}

	return nil
}

// DestroyNetwork removes a network. It is a logged no-op while containers
// are still attached: callers must detach all members first, otherwise a
// node could be left orphaned on a half-destroyed network.
func (f *Fabric) DestroyNetwork(ctx context.Context, net NetworkHandle) error {
	inspect, err := f.api.NetworkInspect(ctx, net.ID, network.InspectOptions{})
	if err == nil && len(inspect.Containers) > 0 {
		f.log.WithFields(logrus.Fields{
			"network": net.Name,
			"members": len(inspect.Containers),
		}).Warn("not destroying network with attached members")
		return nil
	}

	if err := f.api.NetworkRemove(ctx, net.ID); err != nil {
		return &FabricError{Op: "destroy", Network: net.Name, Err: err}
	}

	f.networks.Delete(net.Name)
	f.log.WithField("network", net.Name).Info("destroyed network")
	return nil
}

func (f *Fabric) withRetries(fn func() error) error {
	var err error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
	}

	return err
}

// candidateSubnet picks a /24 in 172.16.0.0/12, deterministic per name but
// varying across attempts.
func candidateSubnet(name string, attempt int) string {
	h := fnv.New32a()
	h.Write([]byte(name))

	second := 16 + (attempt % 16)
	third := (int(h.Sum32()%256) + attempt*7) % 256

	return fmt.Sprintf("172.%d.%d.0/24", second, third)
}
