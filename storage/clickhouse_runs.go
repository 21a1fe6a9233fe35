package storage

import (
	"context"
	"fmt"

	"argus/core"
)

// InsertDetectionRun writes one run audit row. Runs are append-only: the
// finishing write inserts a second row with the terminal status rather than
// mutating the first.
func (ch *ClickHouse) InsertDetectionRun(ctx context.Context, run *core.DetectionRun) error {
	err := ch.Conn.Exec(ctx,
		`INSERT INTO detection_runs (id, detection_id, tenant_id, started_at, finished_at, status, rows, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DetectionID, run.TenantID, run.StartedAt, run.FinishedAt,
		run.Status, run.Rows, run.Error)
	if err != nil {
		return fmt.Errorf("failed to insert detection run: %w", err)
	}
	return nil
}

// RecentRuns returns the latest runs for a detection, newest first.
func (ch *ClickHouse) RecentRuns(ctx context.Context, detectionID string, limit int) ([]*core.DetectionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := ch.Conn.Query(ctx,
		`SELECT id, detection_id, tenant_id, started_at, finished_at, status, rows, error
		 FROM detection_runs
		 WHERE detection_id = ?
		 ORDER BY started_at DESC
		 LIMIT ?`,
		detectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detection runs: %w", err)
	}
	defer rows.Close()

	var runs []*core.DetectionRun
	for rows.Next() {
		var r core.DetectionRun
		if err := rows.Scan(&r.ID, &r.DetectionID, &r.TenantID, &r.StartedAt,
			&r.FinishedAt, &r.Status, &r.Rows, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan detection run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
