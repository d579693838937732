package localstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_WatchExternalRemovals_FiresOnDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	require.NoError(t, err)

	_, _, err = s.Write(Filename("a", "bin"), producerFor([]byte{0x01}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	removed := make(chan string, 1)

	done := make(chan error, 1)
	go func() {
		done <- s.WatchExternalRemovals(ctx, func(filename string) {
			select {
			case removed <- filename:
			default:
			}
		})
	}()

	// Give the watcher a moment to register its inotify/kqueue watch before
	// the removal happens.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.bin")))

	select {
	case name := <-removed:
		require.Equal(t, "a.bin", name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for external-removal callback")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch to stop")
	}
}
