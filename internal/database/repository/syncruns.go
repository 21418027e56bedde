package repository

import (
	"context"
	"database/sql"
	"time"
)

// SyncRunRepo handles sync run history.
type SyncRunRepo struct{ db *sql.DB }

func NewSyncRunRepo(db *sql.DB) *SyncRunRepo { return &SyncRunRepo{db: db} }

const syncRunCols = `id, connection_id, triggered_by, status, window_start, window_end,
 started_at, completed_at, fetched_count, created_count, updated_count, error`

func (r *SyncRunRepo) Insert(ctx context.Context, run SyncRun) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO sync_runs(id, connection_id, triggered_by, status, window_start, window_end, started_at)
	VALUES (?, ?, ?, ?, ?, ?, ?);
	`, run.ID, run.ConnectionID, run.TriggeredBy, run.Status, run.WindowStart, run.WindowEnd, run.StartedAt)
	return err
}

// Finalize moves a run to a terminal status exactly once. A second call for
// the same run is a no-op and reports false.
func (r *SyncRunRepo) Finalize(ctx context.Context, id, status string, fetched, created, updated int, errMsg *string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE sync_runs
	SET status = ?, fetched_count = ?, created_count = ?, updated_count = ?, error = ?,
	 completed_at = CURRENT_TIMESTAMP
	WHERE id = ? AND completed_at IS NULL`, status, fetched, created, updated, errMsg, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SyncRunRepo) Get(ctx context.Context, id string) (*SyncRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+syncRunCols+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanSyncRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

func (r *SyncRunRepo) ListForConnection(ctx context.Context, connectionID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+syncRunCols+` FROM sync_runs
	WHERE connection_id = ? ORDER BY started_at DESC LIMIT ?`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteOlderThan prunes run history started before cutoff.
func (r *SyncRunRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSyncRun(row scanner) (SyncRun, error) {
	var run SyncRun
	var winStart, winEnd, completed sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&run.ID, &run.ConnectionID, &run.TriggeredBy, &run.Status, &winStart, &winEnd,
		&run.StartedAt, &completed, &run.FetchedCount, &run.CreatedCount, &run.UpdatedCount, &errMsg); err != nil {
		return SyncRun{}, err
	}
	if winStart.Valid {
		run.WindowStart = &winStart.Time
	}
	if winEnd.Valid {
		run.WindowEnd = &winEnd.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}
