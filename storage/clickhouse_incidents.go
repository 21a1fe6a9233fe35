package storage

import (
	"context"
	"fmt"

	"argus/core"
	"argus/metrics"
)

// UpsertIncident writes the merged incident row. The incident_id is
// deterministic and the table replaces on it, keeping the latest updated_at.
// The caller has already merged counts, severities and timestamps.
func (ch *ClickHouse) UpsertIncident(ctx context.Context, inc *core.Incident) error {
	err := ch.Conn.Exec(ctx,
		`INSERT INTO incidents (incident_id, tenant_id, title, severity, status, owner,
		        entities, rule_ids, alert_count, first_alert_ts, last_alert_ts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, inc.TenantID, inc.Title, inc.Severity, inc.Status, inc.Owner,
		inc.Entities, inc.RuleIDs, inc.AlertCount, inc.FirstAlertTS, inc.LastAlertTS,
		inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert incident: %w", err)
	}
	metrics.IncidentsUpserted.Inc()
	return nil
}

// GetIncident fetches the current (replaced) incident row, or nil when the
// id is unknown.
func (ch *ClickHouse) GetIncident(ctx context.Context, tenantID, incidentID string) (*core.Incident, error) {
	rows, err := ch.Conn.Query(ctx,
		`SELECT incident_id, tenant_id, title, severity, status, owner,
		        entities, rule_ids, alert_count, first_alert_ts, last_alert_ts, created_at, updated_at
		 FROM incidents FINAL
		 WHERE tenant_id = ? AND incident_id = ?`,
		tenantID, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var inc core.Incident
	if err := rows.Scan(
		&inc.IncidentID, &inc.TenantID, &inc.Title, &inc.Severity, &inc.Status, &inc.Owner,
		&inc.Entities, &inc.RuleIDs, &inc.AlertCount, &inc.FirstAlertTS, &inc.LastAlertTS,
		&inc.CreatedAt, &inc.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}
	return &inc, nil
}
