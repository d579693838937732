package attachqueue

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localfirst/attachqueue/internal/cache"
	"github.com/localfirst/attachqueue/internal/localstore"
	"github.com/localfirst/attachqueue/internal/sqlstore"
	"github.com/localfirst/attachqueue/internal/worker"
)

// QueueConfig holds the inputs for creating a Queue: the validated option
// set plus the external collaborators a host application supplies. Source
// and Remote are required; ErrorHandler, Observer and Logger default when
// nil, the same functional-construction shape as an OrchestratorConfig.
type QueueConfig struct {
	Config Config

	Source       ReferenceSource
	Remote       RemoteStore
	ErrorHandler SyncErrorHandler
	Observer     Observer
	Logger       *slog.Logger

	// DBPath is the SQLite database file backing the attachment-state
	// table. Required.
	DBPath string
}

// Queue is the queue orchestrator: it composes the local store, repository,
// worker, and reactive watcher behind a public save/delete/lifecycle API.
type Queue struct {
	cfg    QueueConfig
	logger *slog.Logger

	db     *sqlstore.Store
	local  *localstore.Store
	worker *worker.Worker
	watch  *Watcher

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and opens the repository and local store. The queue is
// not yet running; call Start.
func New(cfg QueueConfig) (*Queue, error) {
	if err := cfg.Config.Validate(); err != nil {
		return nil, err
	}

	if cfg.Source == nil {
		return nil, fmt.Errorf("attachqueue: QueueConfig.Source is required")
	}

	if cfg.Remote == nil {
		return nil, fmt.Errorf("attachqueue: QueueConfig.Remote is required")
	}

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("attachqueue: QueueConfig.DBPath is required")
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = DefaultSyncErrorHandler{}
	}

	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	local, err := localstore.New(cfg.Config.AttachmentsDirectory, cfg.Logger)
	if err != nil {
		return nil, err
	}

	db, err := sqlstore.Open(context.Background(), cfg.DBPath, cfg.Config.AttachmentsTableName, cfg.Logger)
	if err != nil {
		return nil, err
	}

	q := &Queue{cfg: cfg, logger: cfg.Logger, db: db, local: local}

	q.worker = worker.New(worker.Config{
		Store:               db,
		Local:               local,
		Remote:              cfg.Remote,
		ErrorHandler:        cfg.ErrorHandler,
		Observer:            cfg.Observer,
		Logger:              cfg.Logger,
		SyncInterval:        time.Duration(cfg.Config.SyncIntervalMs) * time.Millisecond,
		DownloadAttachments: cfg.Config.DownloadAttachments,
	})

	q.watch = NewWatcher(cfg.Source, q.onEmission)

	return q, nil
}

// Start sweeps orphaned local files, launches the sync worker, subscribes
// the reactive watcher, and kicks an initial worker cycle. It does not run a
// reconciliation itself; the first one runs when the source delivers its
// first emission. Idempotent: calling Start on an already-started Queue is a
// no-op.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return nil
	}

	rows, err := q.db.GetAll(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(rows))
	for _, r := range rows {
		known[r.ID] = true
	}

	if removed, err := q.local.Sweep(known); err != nil {
		q.logger.Warn("attachqueue: startup sweep failed", "error", err)
	} else if removed > 0 {
		q.logger.Info("attachqueue: startup sweep removed orphaned files", "count", removed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.worker.Start(runCtx)

	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		if err := q.watch.Run(runCtx); err != nil {
			q.logger.Error("attachqueue: reactive watcher stopped", "error", err)
		}
	}()

	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		if err := q.local.WatchExternalRemovals(runCtx, q.onLocalFileRemoved); err != nil {
			q.logger.Warn("attachqueue: external-removal watch stopped", "error", err)
		}
	}()

	q.started = true

	q.Trigger()

	return nil
}

// Stop cancels the reactive subscription, periodic timer, and in-flight
// transfers, then awaits quiescence. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}

	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	q.worker.Stop()
	q.wg.Wait()
}

// Close releases the repository connection. Call after Stop.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Trigger requests an out-of-band sync cycle.
func (q *Queue) Trigger() {
	q.worker.Trigger()
}

// GetAttachment returns the stored row for id, or ok=false if absent.
func (q *Queue) GetAttachment(ctx context.Context, id string) (Attachment, bool, error) {
	return q.db.Get(ctx, id)
}

// ClearQueue deletes every row and its local file (test hook).
func (q *Queue) ClearQueue(ctx context.Context) error {
	rows, err := q.db.GetAll(ctx)
	if err != nil {
		return err
	}

	if err := q.db.ClearQueue(ctx); err != nil {
		return err
	}

	for _, a := range rows {
		path := a.LocalURI
		if path == "" {
			path = q.local.Path(a.Filename)
		}

		if err := q.local.Delete(path); err != nil {
			q.logger.Warn("attachqueue: clear-queue local delete failed", "id", a.ID, "error", err)
		}
	}

	return nil
}

// SaveCallback runs inside the repository transaction that upserts the row
// (QUEUED_UPLOAD for SaveFile, QUEUED_DELETE for DeleteFile), before commit;
// a non-nil error aborts the transaction. It receives no transaction
// handle, so writes the host makes from it are not part of that
// transaction.
type SaveCallback func(ctx context.Context, a Attachment) error

// SaveFileOptions are the optional inputs to SaveFile.
type SaveFileOptions struct {
	ID            string
	MediaType     string
	FileExtension string
	MetaData      string
	Callback      SaveCallback
}

// SaveFile writes content to the local store and upserts a QUEUED_UPLOAD
// row in a single repository transaction, then kicks the worker. On any
// failure before commit, the locally written file is removed.
//
// Id-collision policy: a second SaveFile for an id already present is
// accepted only if the existing row is still QUEUED_UPLOAD
// (overwrite-in-place, e.g. a crash-recovery resubmission); any other
// existing state returns ErrInvalidState, since the attachment is immutable
// once it has begun syncing.
func (q *Queue) SaveFile(ctx context.Context, content BytesProducer, opts SaveFileOptions) (Attachment, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	if existing, ok, err := q.db.Get(ctx, id); err != nil {
		return Attachment{}, err
	} else if ok && existing.State != StateQueuedUpload {
		return Attachment{}, fmt.Errorf("%w: id %q already in state %s", ErrInvalidState, id, existing.State)
	}

	filename := localstore.Filename(id, opts.FileExtension)

	path, size, err := q.local.Write(filename, content)
	if err != nil {
		return Attachment{}, err
	}

	a := Attachment{
		ID:          id,
		Filename:    filename,
		MediaType:   opts.MediaType,
		State:       StateQueuedUpload,
		Size:        size,
		HasSize:     true,
		MetaData:    opts.MetaData,
		HasMetaData: opts.MetaData != "",
		LocalURI:    path,
	}

	var saveCB sqlstore.SaveCallback
	if opts.Callback != nil {
		saveCB = func(ctx context.Context, saved Attachment) error { return opts.Callback(ctx, saved) }
	}

	saved, err := q.db.Save(ctx, a, nowMillis(), saveCB)
	if err != nil {
		if delErr := q.local.Delete(path); delErr != nil {
			q.logger.Warn("attachqueue: save-file rollback cleanup failed", "path", path, "error", delErr)
		}

		return Attachment{}, err
	}

	q.cfg.Observer.OnTransition(saved, "", StateQueuedUpload)
	q.Trigger()

	return saved, nil
}

// DeleteFile transitions id to QUEUED_DELETE inside a repository
// transaction, then kicks the worker. Fails with ErrNotFound if id is
// absent.
func (q *Queue) DeleteFile(ctx context.Context, id string, cb SaveCallback) (Attachment, error) {
	existing, ok, err := q.db.Get(ctx, id)
	if err != nil {
		return Attachment{}, err
	}

	if !ok {
		return Attachment{}, fmt.Errorf("%w: id %q", ErrNotFound, id)
	}

	if existing.State == StateArchived {
		return Attachment{}, fmt.Errorf("%w: id %q is archived, not deletable directly", ErrInvalidState, id)
	}

	from := existing.State
	existing.State = StateQueuedDelete

	var saveCB sqlstore.SaveCallback
	if cb != nil {
		saveCB = func(ctx context.Context, saved Attachment) error { return cb(ctx, saved) }
	}

	saved, err := q.db.Save(ctx, existing, nowMillis(), saveCB)
	if err != nil {
		return Attachment{}, err
	}

	q.cfg.Observer.OnTransition(saved, from, StateQueuedDelete)
	q.Trigger()

	return saved, nil
}

// onEmission is the reactive watcher's delivery callback: it runs
// reconciliation against the latest referenced set, then an archival cache
// pass.
func (q *Queue) onEmission(ctx context.Context, referenced []WatchedAttachmentItem) {
	localPresent := make(map[string]bool, len(referenced))
	prior := make(map[string]State, len(referenced))

	for _, w := range referenced {
		// An id being restored from ARCHIVED keeps its original Filename
		// regardless of the extension this emission happens to carry
		// (internal/reconcile/reconciler.go), so presence must be checked
		// against the stored row's filename when one already exists; only a
		// genuinely new id falls back to the watcher-derived name.
		filename := localstore.Filename(w.ID, w.FileExtension)

		if existing, ok, err := q.db.Get(ctx, w.ID); err == nil && ok {
			prior[w.ID] = existing.State

			if existing.Filename != "" {
				filename = existing.Filename
			}
		}

		localPresent[w.ID] = q.local.Exists(q.local.Path(filename))
	}

	plan, err := q.db.Reconcile(ctx, referenced, localPresent, nowMillis())
	if err != nil {
		q.logger.Error("attachqueue: reconciliation failed", "error", err)
		return
	}

	for _, u := range plan.Upserts {
		// The reconciler archives only SYNCED rows; every other upsert is a
		// referenced id, either new (no prior row) or restored from ARCHIVED.
		from := prior[u.ID]
		if u.State == StateArchived {
			from = StateSynced
		}

		q.cfg.Observer.OnTransition(u, from, u.State)
	}

	q.runCachePass(ctx)

	if !plan.IsEmpty() {
		q.worker.Trigger()
	}
}

// runCachePass evicts the oldest ARCHIVED rows beyond the configured limit,
// deleting their local files first.
func (q *Queue) runCachePass(ctx context.Context) {
	archived, err := q.db.GetByState(ctx, StateArchived)
	if err != nil {
		q.logger.Error("attachqueue: cache pass: list archived failed", "error", err)
		return
	}

	evict := cache.SelectEvictions(archived, q.cfg.Config.ArchivedCacheLimit)
	if len(evict) == 0 {
		return
	}

	for _, a := range evict {
		path := a.LocalURI
		if path == "" {
			path = q.local.Path(a.Filename)
		}

		if err := q.local.Delete(path); err != nil {
			q.logger.Warn("attachqueue: cache pass: local delete failed", "id", a.ID, "error", err)
		}
	}

	n, err := q.db.DeleteArchivedBeyond(ctx, evict)
	if err != nil {
		q.logger.Error("attachqueue: cache pass: row delete failed", "error", err)
		return
	}

	if n > 0 {
		q.logger.Info("attachqueue: cache pass evicted rows", "count", n)
	}
}

// onLocalFileRemoved reacts to a file disappearing from the managed
// directory through some path other than this Queue (manual deletion,
// antivirus quarantine, a restored backup). A SYNCED row backed by that
// filename is requeued for download so the worker re-fetches it from the
// remote store rather than leaving the row claiming a file that no longer
// exists; any other state is left alone; the owning operation (upload,
// delete, eviction) already accounts for the file going away.
func (q *Queue) onLocalFileRemoved(filename string) {
	ctx := context.Background()

	rows, err := q.db.GetByState(ctx, StateSynced)
	if err != nil {
		q.logger.Warn("attachqueue: external-removal lookup failed", "error", err)
		return
	}

	for _, a := range rows {
		if a.Filename != filename {
			continue
		}

		applied, result, err := q.db.CommitTransition(ctx, a.ID, a, func(cur Attachment) Attachment {
			cur.State = StateQueuedDownload
			return cur
		}, nowMillis())
		if err != nil {
			q.logger.Warn("attachqueue: external-removal requeue failed", "id", a.ID, "error", err)
			return
		}

		if applied {
			q.cfg.Observer.OnTransition(result, StateSynced, StateQueuedDownload)
			q.Trigger()
		}

		return
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// DefaultDBPath derives a conventional database path alongside the managed
// directory ("<dir>.db"), for callers that don't want to choose one
// explicitly. The file sits outside dir, so the startup sweep, which unlinks
// every file in dir that belongs to no known attachment, leaves it alone.
func DefaultDBPath(dir string) string {
	return filepath.Clean(dir) + ".db"
}
