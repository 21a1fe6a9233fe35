package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"argus/core"
)

// InsertAlerts writes a batch of alerts. The alert_id is deterministic and
// the table is a ReplacingMergeTree keyed on it, so retrying the same batch
// after a partial failure cannot duplicate alerts.
func (ch *ClickHouse) InsertAlerts(ctx context.Context, alerts []*core.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	batch, err := ch.Conn.PrepareBatch(ctx,
		"INSERT INTO alerts (alert_id, detection_id, rule_type, tenant_id, severity, status, occurred_at, created_at, entity_keys, payload, dedup_key, incident_id)")
	if err != nil {
		return fmt.Errorf("failed to prepare alert batch: %w", err)
	}

	for _, a := range alerts {
		payload := "{}"
		if len(a.Payload) > 0 {
			raw, err := json.Marshal(a.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode alert payload: %w", err)
			}
			payload = string(raw)
		}
		if err := batch.Append(
			a.AlertID, a.DetectionID, a.RuleType, a.TenantID,
			a.Severity, a.Status, a.OccurredAt, a.CreatedAt,
			a.EntityKeys, payload, a.DedupKey, a.IncidentID,
		); err != nil {
			return fmt.Errorf("failed to append alert: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert alerts: %w", err)
	}
	return nil
}

// OpenAlertsSince returns open alerts created at or after the watermark,
// oldest first, for the incident aggregator.
func (ch *ClickHouse) OpenAlertsSince(ctx context.Context, watermark time.Time, limit int) ([]*core.Alert, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := ch.Conn.Query(ctx,
		`SELECT alert_id, detection_id, rule_type, tenant_id, severity, status,
		        occurred_at, created_at, entity_keys, payload, dedup_key, incident_id
		 FROM alerts FINAL
		 WHERE status = ? AND created_at >= ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		core.AlertStatusOpen, watermark, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		var a core.Alert
		var payload string
		if err := rows.Scan(
			&a.AlertID, &a.DetectionID, &a.RuleType, &a.TenantID,
			&a.Severity, &a.Status, &a.OccurredAt, &a.CreatedAt,
			&a.EntityKeys, &payload, &a.DedupKey, &a.IncidentID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
				ch.Logger.Warnw("Dropping undecodable alert payload", "alert_id", a.AlertID, "error", err)
			}
		}
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// LinkAlerts marks the given alerts as linked to an incident. The rewrite
// goes through the ReplacingMergeTree: newer created_at wins, so the linked
// row supersedes the open one.
func (ch *ClickHouse) LinkAlerts(ctx context.Context, incidentID string, alerts []*core.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	linked := make([]*core.Alert, 0, len(alerts))
	now := time.Now().UTC()
	for _, a := range alerts {
		copied := *a
		copied.Status = core.AlertStatusLinked
		copied.IncidentID = incidentID
		copied.CreatedAt = now
		linked = append(linked, &copied)
	}
	return ch.InsertAlerts(ctx, linked)
}
