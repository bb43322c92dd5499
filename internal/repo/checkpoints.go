package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

// LoadCheckpoints returns a source's entries oldest first.
func (r Repo) LoadCheckpoints(ctx context.Context, source string) ([]domain.CheckpointEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT source, external_id, processed_at FROM checkpoints WHERE source=? ORDER BY processed_at ASC, seq ASC`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CheckpointEntry
	for rows.Next() {
		var e domain.CheckpointEntry
		if err := rows.Scan(&e.Source, &e.ExternalID, &e.ProcessedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, e domain.CheckpointEntry) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO checkpoints(source, external_id, processed_at) VALUES (?,?,?) ON CONFLICT(source, external_id) DO NOTHING`,
		e.Source, e.ExternalID, e.ProcessedAt)
	return err
}

// EvictCheckpoints keeps only the newest keep entries for source.
func (r Repo) EvictCheckpoints(ctx context.Context, tx *sql.Tx, source string, keep int) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM checkpoints WHERE source=? AND seq NOT IN (
SELECT seq FROM checkpoints WHERE source=? ORDER BY processed_at DESC, seq DESC LIMIT ?)`, source, source, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetCheckpoints drops every entry for source.
func (r Repo) ResetCheckpoints(ctx context.Context, tx *sql.Tx, source string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM checkpoints WHERE source=?`, source)
	return err
}
