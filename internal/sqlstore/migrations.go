package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies all pending schema migrations via goose v3's
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("attachqueue/sqlstore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("attachqueue/sqlstore: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("attachqueue/sqlstore: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("attachqueue: applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// ensureTableName renames the physical "attachments" table created by the
// embedded migration to the configured name, if different. This keeps the
// migration itself simple and goose-native (a literal CREATE TABLE) while
// still honoring a configured attachments_table_name for the common case of
// a single rename at first startup; ALTER TABLE RENAME is a no-op cost on
// every subsequent start because it only runs when the configured name
// doesn't already exist.
func ensureTableName(ctx context.Context, db *sql.DB, table string) error {
	if table == defaultTableName || table == "" {
		return nil
	}

	var exists int

	err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("attachqueue/sqlstore: checking table %q: %w", table, err)
	}

	if exists > 0 {
		return nil
	}

	// quoting: table names are operator-supplied configuration, not
	// end-user input. Config.Validate (root package) only rejects an empty
	// name; the rename target is wrapped in double quotes here, without
	// escaping quotes inside the name, and the other queries in this package
	// substitute the name unquoted.
	_, err = db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, defaultTableName, quoteIdent(table)))
	if err != nil {
		return fmt.Errorf("attachqueue/sqlstore: renaming table to %q: %w", table, err)
	}

	return nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
