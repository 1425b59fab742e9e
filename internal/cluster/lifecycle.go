package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
)

// Lifecycle builds the node image and creates, starts, stops, and removes
// node containers. It owns the runtime handles; nothing outside this package
// sees a container ID.
type Lifecycle struct {
	api API
	cfg Config
	log *logrus.Entry

	// built caches image tags by build-context fingerprint so repeated
	// builds within a run are no-ops.
	built map[string]string
}

// NewLifecycle wires a lifecycle manager to the given runtime API.
func NewLifecycle(api API, cfg Config) *Lifecycle {
	return &Lifecycle{
		api:   api,
		cfg:   cfg,
		log:   logrus.WithField("component", "lifecycle"),
		built: make(map[string]string),
	}
}

// BuildImage builds the node image from the project directory's Dockerfile.
// Idempotent per source fingerprint within a run.
func (l *Lifecycle) BuildImage(ctx context.Context, dir string) error {
	fingerprint, err := contextFingerprint(dir)
	if err != nil {
		return &BuildError{Tag: l.cfg.Image, Err: err}
	}

	if tag, ok := l.built[fingerprint]; ok {
		l.log.WithField("image", tag).Debug("build context unchanged, reusing image")
		return nil
	}

	l.log.WithFields(logrus.Fields{"image": l.cfg.Image, "dir": dir}).Info("building image")

	buildContext, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return &BuildError{Tag: l.cfg.Image, Err: err}
	}
	defer buildContext.Close()

	resp, err := l.api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:   []string{l.cfg.Image},
		Remove: true,
		Labels: map[string]string{runLabel: l.cfg.Group},
	})
	if err != nil {
		return &BuildError{Tag: l.cfg.Image, Err: err}
	}
	defer resp.Body.Close()

	// Consume the message stream to completion; the daemon reports build
	// failures as error messages inside the stream, not via the call.
	var output strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return &BuildError{Tag: l.cfg.Image, Output: output.String(), Err: err}
		}

		if msg.Stream != "" {
			output.WriteString(msg.Stream)
		}
		if msg.Error != nil {
			return &BuildError{
				Tag:    l.cfg.Image,
				Output: output.String(),
				Err:    errors.New(msg.Error.Message),
			}
		}
	}

	l.built[fingerprint] = l.cfg.Image
	l.log.WithField("image", l.cfg.Image).Info("image built")
	return nil
}

// ImageExists reports whether the configured image tag is already present,
// used by --skip-build to reuse a previous build.
func (l *Lifecycle) ImageExists(ctx context.Context) (bool, error) {
	images, err := l.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", l.cfg.Image)),
	})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}

	return len(images) > 0, nil
}

// CreateNode creates and starts a container for logical index, attached to
// the given network and publishing the service port on the host. The node is
// running when this returns, not necessarily ready.
func (l *Lifecycle) CreateNode(ctx context.Context, index int, net NetworkHandle) (*Node, error) {
	name := fmt.Sprintf("kvs_%s_node_%d", l.cfg.Group, index)
	externalPort := l.cfg.ExternalPortBase + index

	l.log.WithFields(logrus.Fields{"node": name, "external_port": externalPort}).Info("starting container")

	env := []string{fmt.Sprintf("NODE_IDENTIFIER=%d", index)}
	for k, v := range l.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", l.cfg.Port))
	resp, err := l.api.ContainerCreate(ctx,
		&container.Config{
			Image:        l.cfg.Image,
			Env:          env,
			ExposedPorts: nat.PortSet{port: struct{}{}},
			Labels:       map[string]string{runLabel: l.cfg.Group},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(externalPort)}},
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				net.Name: {NetworkID: net.ID},
			},
		},
		nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", name, err)
	}

	if err := l.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave the half-created container behind.
		_ = l.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("starting container %s: %w", name, err)
	}

	node := &Node{
		Index:        index,
		Name:         name,
		Port:         l.cfg.Port,
		ExternalPort: externalPort,
		Networks:     []string{net.Name},
	}

	node.IP, err = l.NodeIP(ctx, node, net.Name)
	if err != nil {
		_ = l.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, err
	}

	l.log.WithFields(logrus.Fields{"node": name, "ip": node.IP}).Info("container started")
	return node, nil
}

// NodeIP inspects the container for its address on the given network. A node
// gets a fresh address every time it changes networks.
func (l *Lifecycle) NodeIP(ctx context.Context, node *Node, networkName string) (string, error) {
	inspect, err := l.api.ContainerInspect(ctx, node.Name)
	if err != nil {
		return "", fmt.Errorf("inspecting container %s: %w", node.Name, err)
	}

	endpoint, ok := inspect.NetworkSettings.Networks[networkName]
	if !ok {
		return "", fmt.Errorf("container %s is not attached to network %s", node.Name, networkName)
	}

	return endpoint.IPAddress, nil
}

// StopNode pauses the node's process without destroying its identity or
// network attachments, simulating a crash.
func (l *Lifecycle) StopNode(ctx context.Context, node *Node) error {
	l.log.WithField("node", node.Name).Info("stopping container")

	timeout := int(l.cfg.StopTimeout.Seconds())
	if err := l.api.ContainerStop(ctx, node.Name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stopping container %s: %w", node.Name, err)
	}

	return nil
}

// StartNode resumes a stopped node, simulating recovery.
func (l *Lifecycle) StartNode(ctx context.Context, node *Node) error {
	l.log.WithField("node", node.Name).Info("restarting container")

	if err := l.api.ContainerStart(ctx, node.Name, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", node.Name, err)
	}

	return nil
}

// RemoveNode force-removes the node's container.
func (l *Lifecycle) RemoveNode(ctx context.Context, node *Node) error {
	l.log.WithField("node", node.Name).Info("removing container")

	if err := l.api.ContainerRemove(ctx, node.Name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", node.Name, err)
	}

	return nil
}

// contextFingerprint hashes the build context's file names, modes, and
// contents so unchanged sources map to the same cache key.
func contextFingerprint(dir string) (string, error) {
	h := sha256.New()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		fmt.Fprintf(h, "%s %o %d\n", rel, info.Mode(), info.Size())

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("fingerprinting %s: %w", dir, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
