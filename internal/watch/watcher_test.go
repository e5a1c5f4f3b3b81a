package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewValidates(t *testing.T) {
	_, err := New(nil, time.Second, quiet())
	assert.Error(t, err)
	_, err = New([]string{t.TempDir()}, 0, quiet())
	assert.Error(t, err)
}

func TestBatchAfterSettle(t *testing.T) {
	dir := t.TempDir()
	sw, err := New([]string{dir}, 150*time.Millisecond, quiet())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	for _, name := range []string{"IMG_0002.jpg", "IMG_0001.jpg", "notes.txt", "IMG_0003.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	select {
	case b := <-sw.Batches():
		assert.Equal(t, dir, b.Dir)
		assert.Equal(t, []string{
			filepath.Join(dir, "IMG_0001.jpg"),
			filepath.Join(dir, "IMG_0002.jpg"),
			filepath.Join(dir, "IMG_0003.jpg"),
		}, b.Files)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch emitted")
	}

	cancel()
	require.NoError(t, <-done)
	_, open := <-sw.Batches()
	assert.False(t, open, "batches closed after Run")
}

func TestRunFailsOnMissingDir(t *testing.T) {
	sw, err := New([]string{filepath.Join(t.TempDir(), "missing")}, time.Second, quiet())
	require.NoError(t, err)
	assert.Error(t, sw.Run(context.Background()))
}

func TestSettledWaitsForQuiet(t *testing.T) {
	sw, err := New([]string{t.TempDir()}, time.Minute, quiet())
	require.NoError(t, err)
	defer sw.watcher.Close()

	clock := time.Date(2025, 8, 11, 22, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return clock }

	sw.handle(fsnotify.Event{Name: "/cap/a/IMG_1.cr2", Op: fsnotify.Create})
	sw.handle(fsnotify.Event{Name: "/cap/b/IMG_1.jpg", Op: fsnotify.Create})
	sw.handle(fsnotify.Event{Name: "/cap/b/IMG_1.jpg.tmp", Op: fsnotify.Create})
	clock = clock.Add(30 * time.Second)
	sw.handle(fsnotify.Event{Name: "/cap/a/IMG_2.cr2", Op: fsnotify.Write})
	assert.Empty(t, sw.settled())

	clock = clock.Add(31 * time.Second)
	got := sw.settled()
	require.Len(t, got, 1)
	assert.Equal(t, "/cap/b", got[0].Dir)
	assert.Equal(t, []string{"/cap/b/IMG_1.jpg"}, got[0].Files)

	// a removed frame leaves the batch
	sw.handle(fsnotify.Event{Name: "/cap/a/IMG_1.cr2", Op: fsnotify.Remove})
	clock = clock.Add(time.Minute)
	got = sw.settled()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"/cap/a/IMG_2.cr2"}, got[0].Files)
	assert.Empty(t, sw.pending)
}
