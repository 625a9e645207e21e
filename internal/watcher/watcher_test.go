package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ning0612/Meshsync/internal/core/ignore"
	"github.com/Ning0612/Meshsync/internal/core/normalize"
)

func startWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(root, ignore.New())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return w
}

// waitFor drains events until one for path carrying op arrives
func waitFor(t *testing.T, w *Watcher, path string, op normalize.Op) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == path && ev.Op.Has(op) {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", op, path)
		}
	}
}

func TestWatcherReportsFileWrites(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	waitFor(t, w, path, normalize.OpCreate)

	require.NoError(t, os.Remove(path))
	waitFor(t, w, path, normalize.OpRemove)
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	dir := filepath.Join(root, "sub", "deeper")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	// Give the watcher a moment to register sub/ before writing into deeper/
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(dir, "inner.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	waitFor(t, w, path, normalize.OpCreate)
}

func TestWatcherWatchesExistingSubdirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "existing"), 0o755))
	w := startWatcher(t, root)

	path := filepath.Join(root, "existing", "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	waitFor(t, w, path, normalize.OpCreate)
}

func TestWatcherSkipsIgnoredFiles(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".a.txt.meshsync-00ff00ff.tmp"), []byte("x"), 0o644))
	marker := filepath.Join(root, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			assert.NotContains(t, ev.Path, ".meshsync-")
			if ev.Path == marker {
				return
			}
		case <-deadline:
			t.Fatal("marker event not received")
		}
	}
}

func TestConvertOp(t *testing.T) {
	got := convertOp(fsnotify.Create | fsnotify.Write | fsnotify.Chmod)
	assert.True(t, got.Has(normalize.OpCreate|normalize.OpWrite|normalize.OpChmod))
	assert.False(t, got.Has(normalize.OpRemove))
}
