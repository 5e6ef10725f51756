package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertSyncRun records a finished run.
func (db *DB) InsertSyncRun(ctx context.Context, r *SyncRun) (int64, error) {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return 0, err
	}

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO sync_runs
		(run_id, requester, status, started_at, finished_at, source_count, processed_sources,
		 added_count, updated_count, skipped_count, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Requester, r.Status, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.SourceCount, r.ProcessedSources, r.AddedCount, r.UpdatedCount, r.SkippedCount, string(data),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting sync run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// ListSyncRuns returns the most recent runs first.
func (db *DB) ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, run_id, requester, status, started_at, finished_at, source_count,
		processed_sources, added_count, updated_count, skipped_count, errors
		FROM sync_runs ORDER BY finished_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		var started, finished string
		var errsJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Requester, &r.Status, &started, &finished,
			&r.SourceCount, &r.ProcessedSources, &r.AddedCount, &r.UpdatedCount,
			&r.SkippedCount, &errsJSON); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		r.Errors = []string{}
		if errsJSON.Valid && errsJSON.String != "" {
			if err := json.Unmarshal([]byte(errsJSON.String), &r.Errors); err != nil {
				r.Errors = []string{}
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
