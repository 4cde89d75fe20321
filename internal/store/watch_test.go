package store

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherCallsOnChange(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "scheduler.db")
	require.NoError(t, os.WriteFile(dbPath, nil, 0o644))

	var calls atomic.Int32
	w := NewWatcher(dbPath, func() { calls.Add(1) })
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	// Other files in the directory are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	// The watch is registered asynchronously, keep writing until it is seen.
	require.Eventually(t, func() bool {
		f, err := os.OpenFile(dbPath+"-wal", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			_, _ = f.WriteString("page")
			_ = f.Close()
		}
		return calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	assert.Equal(t, "database-watcher", w.String())
}

func TestWatcherMissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing", "scheduler.db"), nil)
	err := w.Serve(t.Context())
	require.Error(t, err)
}
