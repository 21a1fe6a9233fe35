package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"argus/core"
	"argus/detect"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the control-plane store: detection definitions, per-rule
// scheduler state and aggregator watermarks. The data plane (events, alerts,
// incidents) lives in ClickHouse.
type SQLite struct {
	DB     *sql.DB
	Path   string
	Logger *zap.SugaredLogger
}

// NewSQLite opens (and creates if needed) the control-plane database with
// WAL mode and a busy timeout, then applies the schema.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	actualPath := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		actualPath = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// WAL single-writer; all writes serialize on one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLite{DB: db, Path: dbPath, Logger: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Infof("SQLite control-plane store ready at %s", dbPath)
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			rule_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT '',
			schedule TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 0,
			realtime INTEGER NOT NULL DEFAULT 0,
			window_seconds INTEGER NOT NULL,
			lookback_seconds INTEGER NOT NULL DEFAULT 0,
			group_by TEXT NOT NULL DEFAULT '',
			where_query TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_enabled ON detections(enabled)`,
		`CREATE TABLE IF NOT EXISTS rule_state (
			rule_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			last_run_ts INTEGER NOT NULL DEFAULT 0,
			last_success_ts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			watermark INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			name TEXT PRIMARY KEY,
			ts INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.DB.Close()
}

// SaveDetection inserts or replaces a detection record.
func (s *SQLite) SaveDetection(ctx context.Context, rec *detect.Record) error {
	by, err := json.Marshal(rec.By)
	if err != nil {
		return fmt.Errorf("failed to encode group_by: %w", err)
	}
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO detections (id, tenant_id, name, rule_type, severity, schedule, enabled, realtime,
		        window_seconds, lookback_seconds, group_by, where_query, params, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		        tenant_id=excluded.tenant_id, name=excluded.name, rule_type=excluded.rule_type,
		        severity=excluded.severity, schedule=excluded.schedule, enabled=excluded.enabled,
		        realtime=excluded.realtime, window_seconds=excluded.window_seconds,
		        lookback_seconds=excluded.lookback_seconds, group_by=excluded.group_by,
		        where_query=excluded.where_query, params=excluded.params, updated_at=excluded.updated_at`,
		rec.ID, rec.TenantID, rec.Name, rec.RuleType, rec.Severity, rec.Schedule,
		boolToInt(rec.Enabled), boolToInt(rec.Realtime),
		rec.WindowSeconds, rec.LookbackSeconds, string(by), rec.Where, string(params),
		now, now)
	if err != nil {
		return &core.DatabaseError{Op: "save_detection", Err: err}
	}
	return nil
}

// GetDetection fetches one detection record, or nil when unknown.
func (s *SQLite) GetDetection(ctx context.Context, id string) (*detect.Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, rule_type, severity, schedule, enabled, realtime,
		        window_seconds, lookback_seconds, group_by, where_query, params
		 FROM detections WHERE id = ?`, id)
	rec, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &core.DatabaseError{Op: "get_detection", Err: err}
	}
	return rec, nil
}

// ListEnabledDetections returns every enabled detection record. The
// scheduler and the streaming matcher both reload from this on each tick.
func (s *SQLite) ListEnabledDetections(ctx context.Context) ([]*detect.Record, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, tenant_id, name, rule_type, severity, schedule, enabled, realtime,
		        window_seconds, lookback_seconds, group_by, where_query, params
		 FROM detections WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, &core.DatabaseError{Op: "list_detections", Err: err}
	}
	defer rows.Close()

	var recs []*detect.Record
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, &core.DatabaseError{Op: "list_detections", Err: err}
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.DatabaseError{Op: "list_detections", Err: err}
	}
	return recs, nil
}

// DeleteDetection removes a detection and its scheduler state.
func (s *SQLite) DeleteDetection(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return &core.DatabaseError{Op: "delete_detection", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM detections WHERE id = ?`, id); err != nil {
		return &core.DatabaseError{Op: "delete_detection", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_state WHERE rule_id = ?`, id); err != nil {
		return &core.DatabaseError{Op: "delete_detection", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &core.DatabaseError{Op: "delete_detection", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDetection(row rowScanner) (*detect.Record, error) {
	var rec detect.Record
	var enabled, realtime int
	var by, params string
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.RuleType, &rec.Severity,
		&rec.Schedule, &enabled, &realtime, &rec.WindowSeconds, &rec.LookbackSeconds,
		&by, &rec.Where, &params); err != nil {
		return nil, err
	}
	rec.Enabled = enabled == 1
	rec.Realtime = realtime == 1
	if by != "" && by != "null" {
		if err := json.Unmarshal([]byte(by), &rec.By); err != nil {
			return nil, fmt.Errorf("bad group_by for detection %s: %w", rec.ID, err)
		}
	}
	p, err := detect.DecodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("bad params for detection %s: %w", rec.ID, err)
	}
	rec.Params = p
	return &rec, nil
}

// GetRuleState loads the scheduler bookkeeping row for a rule. A missing
// row yields a zero state (never run).
func (s *SQLite) GetRuleState(ctx context.Context, ruleID string) (*core.RuleState, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT rule_id, tenant_id, last_run_ts, last_success_ts, last_error, watermark
		 FROM rule_state WHERE rule_id = ?`, ruleID)

	var st core.RuleState
	var lastRun, lastSuccess, watermark int64
	err := row.Scan(&st.RuleID, &st.TenantID, &lastRun, &lastSuccess, &st.LastError, &watermark)
	if err == sql.ErrNoRows {
		return &core.RuleState{RuleID: ruleID}, nil
	}
	if err != nil {
		return nil, &core.DatabaseError{Op: "get_rule_state", Err: err}
	}
	st.LastRunTS = unixOrZero(lastRun)
	st.LastSuccessTS = unixOrZero(lastSuccess)
	st.Watermark = unixOrZero(watermark)
	return &st, nil
}

// SaveRuleState upserts the scheduler bookkeeping row.
func (s *SQLite) SaveRuleState(ctx context.Context, st *core.RuleState) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO rule_state (rule_id, tenant_id, last_run_ts, last_success_ts, last_error, watermark)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rule_id) DO UPDATE SET
		        tenant_id=excluded.tenant_id, last_run_ts=excluded.last_run_ts,
		        last_success_ts=excluded.last_success_ts, last_error=excluded.last_error,
		        watermark=excluded.watermark`,
		st.RuleID, st.TenantID, unixTS(st.LastRunTS), unixTS(st.LastSuccessTS),
		st.LastError, unixTS(st.Watermark))
	if err != nil {
		return &core.DatabaseError{Op: "save_rule_state", Err: err}
	}
	return nil
}

// GetWatermark reads a named processing watermark (the incident aggregator
// keeps its progress here). Zero time when unset.
func (s *SQLite) GetWatermark(ctx context.Context, name string) (time.Time, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT ts FROM watermarks WHERE name = ?`, name)
	var ts int64
	err := row.Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &core.DatabaseError{Op: "get_watermark", Err: err}
	}
	return unixOrZero(ts), nil
}

// SetWatermark advances a named watermark.
func (s *SQLite) SetWatermark(ctx context.Context, name string, ts time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO watermarks (name, ts) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET ts=excluded.ts`,
		name, unixTS(ts))
	if err != nil {
		return &core.DatabaseError{Op: "set_watermark", Err: err}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixTS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func unixOrZero(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
