// Package reconcile implements the reconciler: it classifies each
// referenced id and each stored row into a Plan of upserts and deletes. The
// classification itself is a pure function over in-memory slices — no I/O,
// no locking — the same separation internal/sync/reconciler.go draws between
// Reconciler.reconcileItem (pure classification) and the transactional
// commit performed by its caller.
package reconcile

import (
	"log/slog"

	"golang.org/x/text/unicode/norm"

	"github.com/localfirst/attachqueue"
)

// Plan is the result of Decide: the set of rows to upsert (new inserts and
// in-place state transitions) and the set of ids to hard-delete, to be
// applied by the caller inside a single repository transaction.
type Plan struct {
	Upserts []attachqueue.Attachment
	Deletes []string
}

// IsEmpty reports whether the plan makes no changes: re-running
// reconciliation on an unchanged referenced set should always produce one.
func (p Plan) IsEmpty() bool {
	return len(p.Upserts) == 0 && len(p.Deletes) == 0
}

// Decide classifies every referenced id and every stored row over a
// snapshot of stored rows and the latest watcher emission. localFilePresent
// reports, for an archived id being restored, whether its file is still on disk (the only
// point at which the decision needs filesystem state); the caller
// populates it via the local store before calling Decide so this function
// stays a pure, easily-tested mapping otherwise. now supplies the
// monotonic millisecond timestamp stamped onto any row this pass creates
// or transitions.
func Decide(
	stored []attachqueue.Attachment,
	referenced []attachqueue.WatchedAttachmentItem,
	localFilePresent map[string]bool,
	now int64,
	logger *slog.Logger,
) Plan {
	if logger == nil {
		logger = slog.Default()
	}

	byID := make(map[string]attachqueue.Attachment, len(stored))
	for _, a := range stored {
		byID[a.ID] = a
	}

	refIDs := make(map[string]bool, len(referenced))

	var plan Plan

	for _, w := range referenced {
		refIDs[w.ID] = true

		existing, ok := byID[w.ID]
		if !ok {
			// Not stored at all: a new referenced id needs a download.
			plan.Upserts = append(plan.Upserts, attachqueue.Attachment{
				ID:          w.ID,
				Filename:    filename(w.ID, w.FileExtension),
				MediaType:   w.MediaType,
				State:       attachqueue.StateQueuedDownload,
				Timestamp:   now,
				HasMetaData: false,
			})
			logger.Debug("reconcile: new referenced id → queued download", "id", w.ID)

			continue
		}

		if existing.State == attachqueue.StateArchived {
			// Restoration wins over any other classification for this id: an
			// archived row whose id is referenced again comes back either
			// straight to SYNCED (file still on disk) or QUEUED_DOWNLOAD
			// (file evicted since).
			next := existing
			next.Timestamp = now

			if localFilePresent[w.ID] {
				next.State = attachqueue.StateSynced
			} else {
				next.State = attachqueue.StateQueuedDownload
			}

			plan.Upserts = append(plan.Upserts, next)
			logger.Debug("reconcile: restore archived id", "id", w.ID, "to", next.State)
		}

		// Any other existing state is left alone: the worker owns driving
		// an in-flight transition to completion.
	}

	for _, a := range stored {
		if refIDs[a.ID] {
			continue
		}

		switch a.State {
		case attachqueue.StateSynced:
			archived := a
			archived.State = attachqueue.StateArchived
			archived.Timestamp = now
			plan.Upserts = append(plan.Upserts, archived)
			logger.Debug("reconcile: unreferenced synced id → archived", "id", a.ID)

		case attachqueue.StateQueuedDownload:
			// Never needed locally; nothing to preserve.
			plan.Deletes = append(plan.Deletes, a.ID)
			logger.Debug("reconcile: unreferenced queued-download id deleted", "id", a.ID)

		case attachqueue.StateQueuedUpload, attachqueue.StateQueuedDelete, attachqueue.StateArchived:
			// Left alone: an in-flight upload/delete completes regardless
			// of reference removal; an already-archived row is cache
			// manager's concern, not the reconciler's.
		}
	}

	return plan
}

// filename derives the on-disk name the same way localstore.Filename does,
// duplicated here (rather than imported) to keep this package dependency-
// free of the storage layer — it only ever needs the derivation rule, not
// the store itself.
func filename(id, extension string) string {
	name := id
	if extension != "" {
		name = id + "." + extension
	}

	return norm.NFC.String(name)
}
