package cluster

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureAndFlush(t *testing.T) {
	f := newFakeRuntime()
	f.containers["kvs_t_node_0"] = &fakeContainer{
		id: "ctr-0", name: "kvs_t_node_0", networks: make(map[string]string),
	}
	f.logs["kvs_t_node_0"] = []byte("starting up\nserving on :8081\n")

	d := NewDiagnostics(f)

	blob, err := d.Capture(context.Background(), &Node{Index: 0, Name: "kvs_t_node_0"})
	require.NoError(t, err)
	assert.Contains(t, string(blob), "serving on :8081")

	dir := t.TempDir()
	require.NoError(t, d.Flush(dir, "basic"))

	written, err := os.ReadFile(filepath.Join(dir, "basic", "kvs_t_node_0.log"))
	require.NoError(t, err)
	assert.Equal(t, blob, written)
}

func TestCaptureUnavailableLogs(t *testing.T) {
	f := newFakeRuntime()
	f.failLogs = true

	d := NewDiagnostics(f)

	_, err := d.Capture(context.Background(), &Node{Index: 0, Name: "kvs_t_node_0"})
	require.Error(t, err)

	var logErr *LogUnavailableError
	assert.ErrorAs(t, err, &logErr)

	// The failure is still flushed as an empty file, so a missing log is
	// visible rather than silently absent.
	dir := t.TempDir()
	require.NoError(t, d.Flush(dir, "basic"))

	written, err := os.ReadFile(filepath.Join(dir, "basic", "kvs_t_node_0.log"))
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestCaptureAllNeverFails(t *testing.T) {
	f := newFakeRuntime()
	f.containers["kvs_t_node_0"] = &fakeContainer{
		id: "ctr-0", name: "kvs_t_node_0", networks: make(map[string]string),
	}
	f.logs["kvs_t_node_0"] = []byte("fine\n")

	d := NewDiagnostics(f)
	topo := &Topology{Nodes: []*Node{
		{Index: 0, Name: "kvs_t_node_0"},
		{Index: 1, Name: "kvs_t_node_1"}, // gone from the daemon
	}}

	d.CaptureAll(context.Background(), topo)

	dir := t.TempDir()
	require.NoError(t, d.Flush(dir, "crashy"))

	entries, err := os.ReadDir(filepath.Join(dir, "crashy"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFlushOverwritesPreviousRun(t *testing.T) {
	f := newFakeRuntime()
	f.containers["kvs_t_node_0"] = &fakeContainer{
		id: "ctr-0", name: "kvs_t_node_0", networks: make(map[string]string),
	}

	d := NewDiagnostics(f)
	dir := t.TempDir()

	f.logs["kvs_t_node_0"] = []byte("first run\n")
	_, err := d.Capture(context.Background(), &Node{Index: 0, Name: "kvs_t_node_0"})
	require.NoError(t, err)
	require.NoError(t, d.Flush(dir, "basic"))

	f.logs["kvs_t_node_0"] = []byte("second run\n")
	_, err = d.Capture(context.Background(), &Node{Index: 0, Name: "kvs_t_node_0"})
	require.NoError(t, err)
	require.NoError(t, d.Flush(dir, "basic"))

	written, err := os.ReadFile(filepath.Join(dir, "basic", "kvs_t_node_0.log"))
	require.NoError(t, err)
	assert.Equal(t, "second run\n", string(written))
}
