// Package worker implements the sync worker: it drains QUEUED_UPLOAD,
// QUEUED_DOWNLOAD and QUEUED_DELETE rows and drives each to completion
// against the local store and a remote adapter, with a per-id in-flight
// guard and bounded parallelism per state class. The structure mirrors
// internal/sync/worker.go's WorkerPool: a pool pulls work, executes it,
// commits the outcome, and reports results — but driven by polling
// GetByState per class rather than a dependency-tracker channel, since
// there is no inter-action dependency graph to respect here.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/localfirst/attachqueue"
)

// Store is the narrow slice of the repository (internal/sqlstore.Store)
// the worker consumes.
type Store interface {
	GetByState(ctx context.Context, state attachqueue.State) ([]attachqueue.Attachment, error)
	CommitTransition(ctx context.Context, id string, expected attachqueue.Attachment, mutate func(attachqueue.Attachment) attachqueue.Attachment, now int64) (bool, attachqueue.Attachment, error)
	DeleteIfState(ctx context.Context, id string, expected attachqueue.State) (bool, error)
	Changed() <-chan struct{}
}

// LocalStore is the narrow slice of internal/localstore.Store the worker
// consumes.
type LocalStore interface {
	Path(filename string) string
	Write(filename string, producer attachqueue.BytesProducer) (path string, size int64, err error)
	Read(path string) (io.ReadCloser, error)
	Delete(path string) error
	Exists(path string) bool
}

// transientRetries bounds the quick, same-attempt retry performed around a
// single remote call before handing the failure to the SyncErrorHandler.
// This is distinct from (and much shorter than) the queue-level retry that
// happens on the next periodic cycle — it only smooths over brief
// transport blips.
const transientRetries = 3

// Config configures a Worker.
type Config struct {
	Store        Store
	Local        LocalStore
	Remote       attachqueue.RemoteStore
	ErrorHandler attachqueue.SyncErrorHandler
	Observer     attachqueue.Observer
	Logger       *slog.Logger

	// SyncInterval is the periodic retry period. Zero disables periodic
	// retry.
	SyncInterval time.Duration

	// Parallelism bounds concurrent in-flight operations per state class:
	// at most one upload, one download, and one delete at a time by
	// default. Zero defaults to 1.
	Parallelism int

	// DownloadAttachments, when false, skips scheduling QUEUED_DOWNLOAD
	// work entirely.
	DownloadAttachments bool

	NowFunc func() int64
}

// Worker drives one in-flight operation per attachment to completion.
type Worker struct {
	cfg Config

	inflightMu sync.Mutex
	inflight   map[string]bool

	sem map[attachqueue.State]*semaphore.Weighted

	trigger chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Worker. Call Start to begin processing.
func New(cfg Config) *Worker {
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = attachqueue.DefaultSyncErrorHandler{}
	}

	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}

	if cfg.NowFunc == nil {
		cfg.NowFunc = func() int64 { return time.Now().UnixMilli() }
	}

	w := &Worker{
		cfg:      cfg,
		inflight: make(map[string]bool),
		sem: map[attachqueue.State]*semaphore.Weighted{
			attachqueue.StateQueuedUpload:   semaphore.NewWeighted(int64(cfg.Parallelism)),
			attachqueue.StateQueuedDownload: semaphore.NewWeighted(int64(cfg.Parallelism)),
			attachqueue.StateQueuedDelete:   semaphore.NewWeighted(int64(cfg.Parallelism)),
		},
		trigger: make(chan struct{}, 1),
	}

	return w
}

type noopObserver struct{}

func (noopObserver) OnTransition(attachqueue.Attachment, attachqueue.State, attachqueue.State) {}

// Start launches the worker's control loop: it activates a sync cycle on
// every change notification, periodic tick, and explicit Trigger call.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)

	go w.loop(ctx)
}

// Stop cancels the control loop and waits for in-flight operations to
// observe cancellation.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}

	w.wg.Wait()
}

// Trigger requests an out-of-band activation.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	var ticker *time.Ticker

	var tickC <-chan time.Time

	if w.cfg.SyncInterval > 0 {
		ticker = time.NewTicker(w.cfg.SyncInterval)
		tickC = ticker.C

		defer ticker.Stop()
	}

	w.activate(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.cfg.Store.Changed():
			w.activate(ctx)
		case <-tickC:
			w.activate(ctx)
		case <-w.trigger:
			w.activate(ctx)
		}
	}
}

// activate runs one sync cycle: for each state class, select eligible rows
// and dispatch each to its own goroutine, bounded by that class's
// semaphore.
func (w *Worker) activate(ctx context.Context) {
	classes := []attachqueue.State{attachqueue.StateQueuedUpload, attachqueue.StateQueuedDelete}
	if w.cfg.DownloadAttachments {
		classes = append(classes, attachqueue.StateQueuedDownload)
	}

	for _, state := range classes {
		rows, err := w.cfg.Store.GetByState(ctx, state)
		if err != nil {
			w.cfg.Logger.Error("attachqueue: worker: list by state failed", "state", state, "error", err)
			continue
		}

		for _, a := range rows {
			w.dispatch(ctx, state, a)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, state attachqueue.State, a attachqueue.Attachment) {
	if !w.claim(a.ID) {
		return
	}

	sem := w.sem[state]
	if err := sem.Acquire(ctx, 1); err != nil {
		w.release(a.ID)
		return
	}

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		defer sem.Release(1)
		defer w.release(a.ID)

		switch state {
		case attachqueue.StateQueuedUpload:
			w.runUpload(ctx, a)
		case attachqueue.StateQueuedDownload:
			w.runDownload(ctx, a)
		case attachqueue.StateQueuedDelete:
			w.runDelete(ctx, a)
		}
	}()
}

// claim installs the per-id in-flight guard: for a given id, at most one of
// {upload, download, delete} is in flight at a time.
func (w *Worker) claim(id string) bool {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()

	if w.inflight[id] {
		return false
	}

	w.inflight[id] = true

	return true
}

func (w *Worker) release(id string) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	delete(w.inflight, id)
}

func (w *Worker) runUpload(ctx context.Context, a attachqueue.Attachment) {
	path := a.LocalURI
	if path == "" {
		path = w.cfg.Local.Path(a.Filename)
	}

	err := w.withTransientRetry(ctx, func(ctx context.Context) error {
		rc, openErr := w.cfg.Local.Read(path)
		if openErr != nil {
			return openErr
		}

		defer rc.Close()

		return w.cfg.Remote.UploadFile(ctx, a, rc)
	})
	if err != nil {
		w.failUpload(ctx, a, err)
		return
	}

	applied, result, commitErr := w.cfg.Store.CommitTransition(ctx, a.ID, a, func(cur attachqueue.Attachment) attachqueue.Attachment {
		cur.State = attachqueue.StateSynced
		cur.HasSynced = true
		return cur
	}, w.cfg.NowFunc())
	w.logCommit("upload", a, applied, commitErr)

	if applied {
		w.cfg.Observer.OnTransition(result, attachqueue.StateQueuedUpload, attachqueue.StateSynced)
	}
}

func (w *Worker) failUpload(ctx context.Context, a attachqueue.Attachment, uploadErr error) {
	if w.cfg.ErrorHandler.OnUploadError(a, uploadErr) {
		w.cfg.Logger.Warn("attachqueue: upload failed, will retry", "id", a.ID, "error", uploadErr)
		return
	}

	applied, result, err := w.cfg.Store.CommitTransition(ctx, a.ID, a, func(cur attachqueue.Attachment) attachqueue.Attachment {
		cur.State = attachqueue.StateArchived
		return cur
	}, w.cfg.NowFunc())
	w.logCommit("upload-giveup", a, applied, err)

	if applied {
		w.cfg.Observer.OnTransition(result, attachqueue.StateQueuedUpload, attachqueue.StateArchived)
	}
}

func (w *Worker) runDownload(ctx context.Context, a attachqueue.Attachment) {
	var (
		path string
		size int64
	)

	err := w.withTransientRetry(ctx, func(ctx context.Context) error {
		rc, dlErr := w.cfg.Remote.DownloadFile(ctx, a)
		if dlErr != nil {
			return dlErr
		}

		defer rc.Close()

		p, n, wErr := w.cfg.Local.Write(a.Filename, func() (io.ReadCloser, error) { return rc, nil })
		if wErr != nil {
			return wErr
		}

		path, size = p, n

		return nil
	})
	if err != nil {
		w.failDownload(ctx, a, err)
		return
	}

	applied, result, commitErr := w.cfg.Store.CommitTransition(ctx, a.ID, a, func(cur attachqueue.Attachment) attachqueue.Attachment {
		cur.State = attachqueue.StateSynced
		cur.HasSynced = true
		cur.Size = size
		cur.HasSize = true
		cur.LocalURI = path
		return cur
	}, w.cfg.NowFunc())
	w.logCommit("download", a, applied, commitErr)

	if applied {
		w.cfg.Observer.OnTransition(result, attachqueue.StateQueuedDownload, attachqueue.StateSynced)
	}
}

func (w *Worker) failDownload(ctx context.Context, a attachqueue.Attachment, dlErr error) {
	if w.cfg.ErrorHandler.OnDownloadError(a, dlErr) {
		w.cfg.Logger.Warn("attachqueue: download failed, will retry", "id", a.ID, "error", dlErr)
		return
	}

	// Give up: no local file, no upload pending, nothing to retain.
	deleted, err := w.cfg.Store.DeleteIfState(ctx, a.ID, attachqueue.StateQueuedDownload)
	if err != nil {
		w.cfg.Logger.Error("attachqueue: worker: give-up delete failed", "id", a.ID, "error", err)
		return
	}

	if deleted {
		w.cfg.Observer.OnTransition(a, attachqueue.StateQueuedDownload, "")
	}
}

func (w *Worker) runDelete(ctx context.Context, a attachqueue.Attachment) {
	err := w.withTransientRetry(ctx, func(ctx context.Context) error {
		return w.cfg.Remote.DeleteFile(ctx, a)
	})
	if err != nil {
		w.failDelete(ctx, a, err)
		return
	}

	w.finishDelete(ctx, a)
}

func (w *Worker) failDelete(ctx context.Context, a attachqueue.Attachment, delErr error) {
	if w.cfg.ErrorHandler.OnDeleteError(a, delErr) {
		w.cfg.Logger.Warn("attachqueue: delete failed, will retry", "id", a.ID, "error", delErr)
		return
	}

	// Give up: forget locally regardless of remote outcome.
	w.finishDelete(ctx, a)
}

func (w *Worker) finishDelete(ctx context.Context, a attachqueue.Attachment) {
	path := a.LocalURI
	if path == "" {
		path = w.cfg.Local.Path(a.Filename)
	}

	if err := w.cfg.Local.Delete(path); err != nil {
		w.cfg.Logger.Warn("attachqueue: local delete failed during finalize", "id", a.ID, "error", err)
	}

	deleted, err := w.cfg.Store.DeleteIfState(ctx, a.ID, attachqueue.StateQueuedDelete)
	if err != nil {
		w.cfg.Logger.Error("attachqueue: worker: delete row failed", "id", a.ID, "error", err)
		return
	}

	if deleted {
		w.cfg.Observer.OnTransition(a, attachqueue.StateQueuedDelete, "")
	}
}

func (w *Worker) logCommit(op string, a attachqueue.Attachment, applied bool, err error) {
	if err != nil {
		w.cfg.Logger.Error("attachqueue: worker: commit failed", "op", op, "id", a.ID, "error", err)
		return
	}

	if !applied {
		w.cfg.Logger.Debug("attachqueue: worker: stale row skipped", "op", op, "id", a.ID)
	}
}

// withTransientRetry wraps fn with a short exponential backoff for a bounded
// number of attempts, so a single brief network blip doesn't immediately
// fall through to the SyncErrorHandler's give-up path. ctx cancellation is
// never retried.
func (w *Worker) withTransientRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b, err := retry.NewExponential(50 * time.Millisecond)
	if err != nil {
		return err
	}

	b = retry.WithMaxRetries(transientRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, attachqueue.ErrCancelled) {
			return err
		}

		return retry.RetryableError(err)
	})
}
