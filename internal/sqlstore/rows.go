package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/localfirst/attachqueue"
)

const columns = `id, filename, media_type, state, timestamp, size, has_synced, meta_data, local_uri`

// scanner abstracts over *sql.Row and *sql.Rows, both of which expose Scan.
type scanner interface {
	Scan(dest ...any) error
}

func scanRow(row scanner) (attachqueue.Attachment, error) {
	var (
		a         attachqueue.Attachment
		mediaType sql.NullString
		size      sql.NullInt64
		hasSynced int
		metaData  sql.NullString
		localURI  sql.NullString
	)

	err := row.Scan(&a.ID, &a.Filename, &mediaType, &a.State, &a.Timestamp, &size, &hasSynced, &metaData, &localURI)
	if err != nil {
		return attachqueue.Attachment{}, err
	}

	a.MediaType = mediaType.String
	a.HasSynced = hasSynced != 0
	a.MetaData = metaData.String
	a.HasMetaData = metaData.Valid
	a.LocalURI = localURI.String

	if size.Valid {
		a.Size = size.Int64
		a.HasSize = true
	}

	return a, nil
}

func scanAll(rows *sql.Rows) ([]attachqueue.Attachment, error) {
	var out []attachqueue.Attachment

	for rows.Next() {
		a, err := scanRow(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	return out, rows.Err()
}

func queryAll(ctx context.Context, tx *sql.Tx, table string) ([]attachqueue.Attachment, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT `+columns+` FROM %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAll(rows)
}

func upsert(ctx context.Context, tx *sql.Tx, table string, a attachqueue.Attachment) error {
	var size sql.NullInt64
	if a.HasSize {
		size = sql.NullInt64{Int64: a.Size, Valid: true}
	}

	var metaData sql.NullString
	if a.HasMetaData {
		metaData = sql.NullString{String: a.MetaData, Valid: true}
	}

	hasSynced := 0
	if a.HasSynced {
		hasSynced = 1
	}

	query := fmt.Sprintf(`INSERT INTO %s (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			media_type = excluded.media_type,
			state = excluded.state,
			timestamp = excluded.timestamp,
			size = excluded.size,
			has_synced = excluded.has_synced,
			meta_data = excluded.meta_data,
			local_uri = excluded.local_uri`, table)

	_, err := tx.ExecContext(ctx, query,
		a.ID, a.Filename, nullString(a.MediaType), a.State, a.Timestamp, size, hasSynced, metaData, nullString(a.LocalURI),
	)

	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}
