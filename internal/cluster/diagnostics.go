package cluster

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"

	"github.com/st3v3nmw/drover/pkg/threadsafe"
)

// Diagnostics captures node output streams and persists them per scenario.
// It never affects pass/fail: capture failures degrade to warnings.
type Diagnostics struct {
	api API
	log *logrus.Entry

	blobs *threadsafe.Map[string, []byte]
}

// NewDiagnostics wires a collector to the given runtime API.
func NewDiagnostics(api API) *Diagnostics {
	return &Diagnostics{
		api:   api,
		log:   logrus.WithField("component", "diagnostics"),
		blobs: threadsafe.NewMap[string, []byte](),
	}
}

// Capture reads the node's accumulated output at the time of call. Safe on a
// stopped node; if the runtime no longer has the logs, an empty blob is
// recorded and a LogUnavailableError returned as a warning.
func (d *Diagnostics) Capture(ctx context.Context, node *Node) ([]byte, error) {
	reader, err := d.api.ContainerLogs(ctx, node.Name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		d.blobs.Set(node.Name, nil)
		return nil, &LogUnavailableError{Node: node.Name, Err: err}
	}
	defer reader.Close()

	blob, err := io.ReadAll(reader)
	if err != nil {
		d.blobs.Set(node.Name, nil)
		return nil, &LogUnavailableError{Node: node.Name, Err: err}
	}

	d.blobs.Set(node.Name, blob)
	return blob, nil
}

// CaptureAll captures every node in the topology, downgrading individual
// failures to warnings.
func (d *Diagnostics) CaptureAll(ctx context.Context, topo *Topology) {
	for _, node := range topo.Nodes {
		if _, err := d.Capture(ctx, node); err != nil {
			d.log.WithError(err).Warn("log capture failed")
		}
	}
}

// Flush persists all captured blobs under dir/scenario, one file per node.
// Re-running a scenario overwrites the previous files: latest run wins.
func (d *Diagnostics) Flush(dir, scenario string) error {
	target := filepath.Join(dir, scenario)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	var flushErr error
	d.blobs.Range(func(name string, blob []byte) bool {
		path := filepath.Join(target, name+".log")
		if err := os.WriteFile(path, blob, 0o644); err != nil {
			d.log.WithError(err).WithField("node", name).Warn("log flush failed")
			flushErr = err
			return true
		}

		d.log.WithField("path", path).Debug("dumped logs")
		return true
	})

	d.blobs.Clear()
	return flushErr
}
