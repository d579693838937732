package localstore

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FsWatcher abstracts filesystem event monitoring. fsnotify exposes
// Events and Errors as public channel fields rather than methods, so
// fsnotifyWrapper adapts *fsnotify.Watcher to this interface.
// WatchExternalRemovals always builds its own fsnotify-backed watcher; no
// other implementation can be supplied to it.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWrapper struct {
	w *fsnotify.Watcher
}

func (fw *fsnotifyWrapper) Add(name string) error         { return fw.w.Add(name) }
func (fw *fsnotifyWrapper) Remove(name string) error      { return fw.w.Remove(name) }
func (fw *fsnotifyWrapper) Close() error                  { return fw.w.Close() }
func (fw *fsnotifyWrapper) Events() <-chan fsnotify.Event { return fw.w.Events }
func (fw *fsnotifyWrapper) Errors() <-chan error          { return fw.w.Errors }

// RemovalFunc is called with the filename (not full path) of a file that
// was removed from, or renamed away from, the managed directory.
type RemovalFunc func(filename string)

// WatchExternalRemovals watches Directory so that files removed by something
// other than this Store — a user deleting a synced attachment by hand, an
// antivirus quarantining it, a misbehaving backup tool restoring an older
// tree over it — are noticed while the queue is live; Sweep only runs once
// at startup. Every Remove or Rename event is passed to onRemove, including
// those caused by this Store's own Delete and by Write's temp-file rename;
// onRemove decides which of them matter.
// Blocks until ctx is canceled.
func (s *Store) WatchExternalRemovals(ctx context.Context, onRemove RemovalFunc) error {
	raw, err := fsnotify.NewWatcher()
	if err != nil {
		return classify("watch", s.Directory, err)
	}

	watcher := FsWatcher(&fsnotifyWrapper{w: raw})
	defer watcher.Close()

	if err := watcher.Add(s.Directory); err != nil {
		return classify("watch-add", s.Directory, err)
	}

	s.logger.Info("local store watching for external removals", "directory", s.Directory)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				name := filepath.Base(ev.Name)

				s.logger.Warn("file removed from managed directory outside the queue", "filename", name)

				if onRemove != nil {
					onRemove(name)
				}
			}

		case err, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			s.logger.Warn("local store watch error", "error", err)
		}
	}
}
