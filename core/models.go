package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity levels, ordered. Incidents carry the maximum severity across
// their member alerts.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// severityRank maps severities to a comparable order.
var severityRank = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher of two severity strings. Unknown
// severities rank below "low".
func MaxSeverity(a, b string) string {
	if severityRank[a] >= severityRank[b] {
		if severityRank[a] == 0 {
			return b
		}
		return a
	}
	return b
}

// Alert statuses.
const (
	AlertStatusOpen   = "open"
	AlertStatusLinked = "linked"
	AlertStatusClosed = "closed"
)

// Alert is a single detection hit. Alerts are created only by the scheduler
// or the streaming matcher; the deterministic AlertID makes retried writes
// idempotent.
type Alert struct {
	AlertID     string            `json:"alert_id"`
	DetectionID string            `json:"detection_id"`
	RuleType    string            `json:"rule_type"`
	TenantID    string            `json:"tenant_id"`
	Severity    string            `json:"severity"`
	Status      string            `json:"status"`
	OccurredAt  time.Time         `json:"occurred_at"`
	CreatedAt   time.Time         `json:"created_at"`
	EntityKeys  map[string]string `json:"entity_keys"`
	Payload     map[string]any    `json:"payload,omitempty"`
	DedupKey    string            `json:"dedup_key"`
	IncidentID  string            `json:"incident_id,omitempty"`
}

// Incident groups related alerts sharing tenant, rule, and entity context.
// The IncidentID hash makes the upsert idempotent: reprocessing the same
// entity set increments AlertCount and extends LastAlertTS.
type Incident struct {
	IncidentID   string            `json:"incident_id"`
	TenantID     string            `json:"tenant_id"`
	Title        string            `json:"title"`
	Severity     string            `json:"severity"`
	Status       string            `json:"status"`
	Owner        string            `json:"owner,omitempty"`
	Entities     map[string]string `json:"entities"`
	RuleIDs      []string          `json:"rule_ids"`
	AlertCount   uint64            `json:"alert_count"`
	FirstAlertTS time.Time         `json:"first_alert_ts"`
	LastAlertTS  time.Time         `json:"last_alert_ts"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// DetectionRun statuses. A run row is append-only audit data and is never
// mutated after reaching finished or failed.
const (
	RunStatusQueued   = "queued"
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// DetectionRun records one scheduled execution of a detection.
type DetectionRun struct {
	ID          string    `json:"id"`
	DetectionID string    `json:"detection_id"`
	TenantID    string    `json:"tenant_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      string    `json:"status"`
	Rows        uint64    `json:"rows"`
	Error       string    `json:"error,omitempty"`
}

// RuleState is the scheduler's per-rule bookkeeping row. It drives due
// checks and the incremental (watermark) query bounds. Owned exclusively by
// the scheduler.
type RuleState struct {
	RuleID        string    `json:"rule_id"`
	TenantID      string    `json:"tenant_id"`
	LastRunTS     time.Time `json:"last_run_ts"`
	LastSuccessTS time.Time `json:"last_success_ts"`
	LastError     string    `json:"last_error,omitempty"`
	Watermark     time.Time `json:"watermark"`
}

// ComputeAlertID derives a deterministic alert id from the rule, tenant,
// event and stream position, so redelivery of the same stream entry never
// creates a duplicate alert.
func ComputeAlertID(ruleID, tenantID, eventID string, streamPos uint64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", ruleID, tenantID, eventID, streamPos)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeBatchAlertID derives a deterministic alert id for a scheduler-side
// (batch) alert from the rule, tenant, grouped entity keys and the window
// end. Re-running the same window for the same group produces the same id.
func ComputeBatchAlertID(ruleID, tenantID string, entityKeys map[string]string, windowEnd time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", ruleID, tenantID, canonicalEntitySet(entityKeys), windowEnd.UTC().Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeIncidentID derives the deterministic incident id from tenant, rule
// and the alert's entity projection. The entity set is canonicalized
// (sorted key=value pairs) so map iteration order cannot change the hash.
func ComputeIncidentID(tenantID, ruleID string, entities map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", tenantID, ruleID, canonicalEntitySet(entities))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalEntitySet(entities map[string]string) string {
	if len(entities) == 0 {
		return ""
	}
	parts := make([]string, 0, len(entities))
	for k, v := range entities {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
