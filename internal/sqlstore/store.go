// Package sqlstore implements the attachment repository: the sole
// component that mutates the attachment-state table. It is built on
// database/sql over modernc.org/sqlite (a pure-Go driver, no CGO) with
// goose-managed migrations — same DSN pragma construction, same sole-writer
// discipline (SetMaxOpenConns(1)) as internal/sync/baseline.go's
// BaselineManager.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/localfirst/attachqueue"
	"github.com/localfirst/attachqueue/internal/reconcile"
)

const defaultTableName = "attachments"

// Store is the sole writer of the attachment-state table. All public
// methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	table  string
	logger *slog.Logger

	// changed fans out a notification after every committed mutation — one
	// of the worker's trigger sources. Buffered 1 and non-blocking: the
	// worker only needs to know "something changed," not how many times or
	// what.
	changed chan struct{}
}

// Open opens (creating if necessary) the SQLite database at dbPath, runs
// migrations, and renames the table to tableName if it differs from the
// migration's built-in default. An empty tableName uses the default
// ("attachments").
func Open(ctx context.Context, dbPath string, tableName string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if tableName == "" {
		tableName = defaultTableName
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, attachqueue.NewDatabaseErr("open", err)
	}

	// Sole-writer pattern: exactly one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, attachqueue.NewDatabaseErr("migrate", err)
	}

	if err := ensureTableName(ctx, db, tableName); err != nil {
		db.Close()
		return nil, attachqueue.NewDatabaseErr("rename-table", err)
	}

	logger.Info("attachqueue: repository opened", "db_path", dbPath, "table", tableName)

	return &Store{db: db, table: tableName, logger: logger, changed: make(chan struct{}, 1)}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Changed returns a channel that receives a value after every committed
// mutation. Consumers should drain it in a select with other trigger
// sources (periodic timer, explicit Trigger()); a full buffer simply means
// a notification is already pending, which is fine — it's a level signal,
// not an edge-counted one.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Get returns the row for id, or (Attachment{}, false, nil) if absent.
func (s *Store) Get(ctx context.Context, id string) (attachqueue.Attachment, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+columns+` FROM %s WHERE id = ?`), id)

	a, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attachqueue.Attachment{}, false, nil
	}

	if err != nil {
		return attachqueue.Attachment{}, false, attachqueue.NewDatabaseErr("get", err)
	}

	return a, true, nil
}

// GetAll returns every stored row.
func (s *Store) GetAll(ctx context.Context) ([]attachqueue.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+columns+` FROM %s`))
	if err != nil {
		return nil, attachqueue.NewDatabaseErr("get-all", err)
	}
	defer rows.Close()

	return scanAll(rows)
}

// GetByState returns rows in the given state ordered oldest-timestamp
// first, the selection order the worker uses for fairness.
func (s *Store) GetByState(ctx context.Context, state attachqueue.State) ([]attachqueue.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+columns+` FROM %s WHERE state = ? ORDER BY timestamp ASC`), state)
	if err != nil {
		return nil, attachqueue.NewDatabaseErr("get-by-state", err)
	}
	defer rows.Close()

	return scanAll(rows)
}

// GetArchivedCount returns the number of ARCHIVED rows, used by the
// archival cache manager.
func (s *Store) GetArchivedCount(ctx context.Context) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, s.q(`SELECT count(*) FROM %s WHERE state = ?`), attachqueue.StateArchived).Scan(&n)
	if err != nil {
		return 0, attachqueue.NewDatabaseErr("get-archived-count", err)
	}

	return n, nil
}

// SaveCallback runs inside the transaction that upserts a row, after the
// upsert and before commit. A non-nil error aborts the transaction. It
// receives no transaction handle, so writes it makes elsewhere are not part
// of that transaction.
type SaveCallback func(ctx context.Context, a attachqueue.Attachment) error

// Save upserts a, stamping Timestamp, inside a single transaction; cb (if
// non-nil) runs before commit. Save is idempotent under retry of the same
// (id, state, timestamp) tuple.
func (s *Store) Save(ctx context.Context, a attachqueue.Attachment, now int64, cb SaveCallback) (attachqueue.Attachment, error) {
	a.Timestamp = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsert(ctx, tx, s.table, a); err != nil {
			return err
		}

		if cb != nil {
			return cb(ctx, a)
		}

		return nil
	})
	if err != nil {
		return attachqueue.Attachment{}, attachqueue.NewDatabaseErr("save", err)
	}

	s.notify()

	return a, nil
}

// Delete hard-deletes id. Deleting an unknown id is not an error (matches
// the idempotent-retry spirit of the rest of the API); callers that must
// distinguish "was present" should Get first.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM %s WHERE id = ?`), id)
		return err
	})
	if err != nil {
		return attachqueue.NewDatabaseErr("delete", err)
	}

	s.notify()

	return nil
}

// ClearQueue deletes every row (test hook).
func (s *Store) ClearQueue(ctx context.Context) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM %s`))
		return err
	})
	if err != nil {
		return attachqueue.NewDatabaseErr("clear-queue", err)
	}

	s.notify()

	return nil
}

// Reconcile runs decide against a transactionally-consistent snapshot of
// every stored row and applies the resulting Plan in the same transaction.
// localFilePresent is threaded through unchanged — see reconcile.Decide.
func (s *Store) Reconcile(
	ctx context.Context,
	referenced []attachqueue.WatchedAttachmentItem,
	localFilePresent map[string]bool,
	now int64,
) (reconcile.Plan, error) {
	var plan reconcile.Plan

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := queryAll(ctx, tx, s.table)
		if err != nil {
			return err
		}

		plan = reconcile.Decide(rows, referenced, localFilePresent, now, s.logger)

		for _, u := range plan.Upserts {
			if err := upsert(ctx, tx, s.table, u); err != nil {
				return err
			}
		}

		for _, id := range plan.Deletes {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table), id); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return reconcile.Plan{}, attachqueue.NewDatabaseErr("reconcile", err)
	}

	if !plan.IsEmpty() {
		s.notify()
	}

	return plan, nil
}

// DeleteArchivedBeyond deletes the given rows (expected to be the eviction
// selection from internal/cache.SelectEvictions) in one transaction and
// returns how many were actually removed.
func (s *Store) DeleteArchivedBeyond(ctx context.Context, toEvict []attachqueue.Attachment) (int, error) {
	if len(toEvict) == 0 {
		return 0, nil
	}

	n := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range toEvict {
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND state = ?`, s.table), a.ID, attachqueue.StateArchived)
			if err != nil {
				return err
			}

			if affected, _ := res.RowsAffected(); affected > 0 {
				n++
			}
		}

		return nil
	})
	if err != nil {
		return 0, attachqueue.NewDatabaseErr("delete-archived-beyond", err)
	}

	if n > 0 {
		s.notify()
	}

	return n, nil
}

// CommitTransition applies mutate to the row currently stored at id and
// writes the result, but only if the row's (state, timestamp) still match
// expected — an optimistic-concurrency check that refuses to overwrite a
// row the state has changed underneath. Returns applied=false, with no
// error, if the precondition failed (the caller's work is simply stale and
// should be retried on the next cycle rather than treated as a failure).
func (s *Store) CommitTransition(
	ctx context.Context,
	id string,
	expected attachqueue.Attachment,
	mutate func(attachqueue.Attachment) attachqueue.Attachment,
	now int64,
) (applied bool, result attachqueue.Attachment, err error) {
	txErr := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT `+columns+` FROM %s WHERE id = ?`, s.table), id)

		current, scanErr := scanRow(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil // applied stays false
		}

		if scanErr != nil {
			return scanErr
		}

		if current.State != expected.State || current.Timestamp != expected.Timestamp {
			return nil // stale: someone else moved this row first
		}

		next := mutate(current)
		next.Timestamp = now

		if err := upsert(ctx, tx, s.table, next); err != nil {
			return err
		}

		applied = true
		result = next

		return nil
	})
	if txErr != nil {
		return false, attachqueue.Attachment{}, attachqueue.NewDatabaseErr("commit-transition", txErr)
	}

	if applied {
		s.notify()
	}

	return applied, result, nil
}

// DeleteIfState hard-deletes id only if its current state matches
// expected, used by the worker to finalize a give-up decision without
// clobbering a row some other path has since moved on.
func (s *Store) DeleteIfState(ctx context.Context, id string, expected attachqueue.State) (bool, error) {
	var affected int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND state = ?`, s.table), id, expected)
		if err != nil {
			return err
		}

		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, attachqueue.NewDatabaseErr("delete-if-state", err)
	}

	if affected > 0 {
		s.notify()
	}

	return affected > 0, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// q substitutes the configured table name into a query template containing
// a single "%s" placeholder.
func (s *Store) q(tmpl string) string {
	return fmt.Sprintf(tmpl, s.table)
}
