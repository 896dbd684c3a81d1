package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHashFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "test.v")
	content := []byte("module test; endmodule")

	if err := os.WriteFile(testFile, content, 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	hash1, size1, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if size1 != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), size1)
	}
	if len(hash1) != 128 {
		t.Errorf("expected a hex SHA-512, got %d chars", len(hash1))
	}

	if err := os.WriteFile(testFile, []byte("module other; endmodule"), 0600); err != nil {
		t.Fatalf("failed to modify test file: %v", err)
	}
	hash2, _, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("second HashFile failed: %v", err)
	}
	if hash1 == hash2 {
		t.Error("different content should produce different hash")
	}
}

func TestHashFileNotFound(t *testing.T) {
	_, _, err := HashFile("/nonexistent/file.v")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestSetFilesSharesDirectories(t *testing.T) {
	dir := t.TempDir()
	w, err := New(50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Stop()

	a := filepath.Join(dir, "a.v")
	b := filepath.Join(dir, "b.v")
	w.SetFiles([]string{a, b, ""})
	assert.Equal(t, []string{a, b}, w.WatchedFiles())
	assert.Equal(t, 2, w.dirs[dir])

	w.SetFiles([]string{b})
	assert.Equal(t, []string{b}, w.WatchedFiles())
	assert.Equal(t, 1, w.dirs[dir])

	w.SetFiles(nil)
	assert.Empty(t, w.WatchedFiles())
	assert.NotContains(t, w.dirs, dir)
}

func startWatcher(t *testing.T, files ...string) *Watcher {
	t.Helper()
	w, err := New(50*time.Millisecond, nil)
	require.NoError(t, err)
	w.SetFiles(files)
	w.Start()
	t.Cleanup(func() { w.Stop() })
	return w
}

func nextEvent(t *testing.T, w *Watcher) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestChangeIsReported(t *testing.T) {
	dir := t.TempDir()
	top := filepath.Join(dir, "top.json")
	require.NoError(t, os.WriteFile(top, []byte(`{}`), 0o644))
	w := startWatcher(t, top)

	require.NoError(t, os.WriteFile(top, []byte(`{"devices":{}}`), 0o644))
	ev := nextEvent(t, w)
	assert.Equal(t, top, ev.Path)
	assert.Equal(t, Changed, ev.Kind)
	assert.Equal(t, int64(len(`{"devices":{}}`)), ev.Size)

	hash, _, err := HashFile(top)
	require.NoError(t, err)
	assert.Equal(t, hash, ev.Hash)
}

func TestUnchangedContentIsNotReported(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.v")
	other := filepath.Join(dir, "b.v")
	require.NoError(t, os.WriteFile(src, []byte("module a; endmodule"), 0o644))
	w := startWatcher(t, src, other)

	// Same bytes: no event for src. The write to other is the next event.
	require.NoError(t, os.WriteFile(src, []byte("module a; endmodule"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(other, []byte("module b; endmodule"), 0o644))

	ev := nextEvent(t, w)
	assert.Equal(t, other, ev.Path)
}

func TestRemovalIsReported(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.v")
	require.NoError(t, os.WriteFile(src, []byte("module a; endmodule"), 0o644))
	w := startWatcher(t, src)

	require.NoError(t, os.Remove(src))
	ev := nextEvent(t, w)
	assert.Equal(t, src, ev.Path)
	assert.Equal(t, Removed, ev.Kind)
}

func TestUnwatchedFilesAreIgnored(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "top.json")
	w := startWatcher(t, watched)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(watched, []byte(`{}`), 0o644))

	ev := nextEvent(t, w)
	assert.Equal(t, watched, ev.Path)
}

type recordingHandler struct {
	mu      sync.Mutex
	changed []string
	removed []string
}

func (h *recordingHandler) FileChanged(_ context.Context, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changed = append(h.changed, path)
}

func (h *recordingHandler) FileRemoved(_ context.Context, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, path)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changed), len(h.removed)
}

func TestRunDispatches(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.v")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	w := startWatcher(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	h := &recordingHandler{}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, h) }()

	require.NoError(t, os.WriteFile(src, []byte("y"), 0o644))
	require.Eventually(t, func() bool {
		changed, _ := h.counts()
		return changed == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(src))
	require.Eventually(t, func() bool {
		_, removed := h.counts()
		return removed == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
