package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeAlertIDDeterministic(t *testing.T) {
	a := ComputeAlertID("rule-1", "tenant-a", "evt-9", 42)
	b := ComputeAlertID("rule-1", "tenant-a", "evt-9", 42)
	assert.Equal(t, a, b, "same inputs must yield the same id")
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, ComputeAlertID("rule-1", "tenant-a", "evt-9", 43))
	assert.NotEqual(t, a, ComputeAlertID("rule-1", "tenant-b", "evt-9", 42))
	assert.NotEqual(t, a, ComputeAlertID("rule-2", "tenant-a", "evt-9", 42))
}

func TestComputeBatchAlertIDIgnoresMapOrder(t *testing.T) {
	end := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	a := ComputeBatchAlertID("rule-1", "tenant-a",
		map[string]string{"user_name": "alice", "host": "web-1"}, end)
	b := ComputeBatchAlertID("rule-1", "tenant-a",
		map[string]string{"host": "web-1", "user_name": "alice"}, end)
	assert.Equal(t, a, b, "entity set is canonicalized before hashing")

	assert.NotEqual(t, a, ComputeBatchAlertID("rule-1", "tenant-a",
		map[string]string{"user_name": "alice", "host": "web-1"}, end.Add(time.Minute)),
		"different window end yields a different alert")
}

func TestComputeIncidentIDStableAcrossAlerts(t *testing.T) {
	entities := map[string]string{"user_name": "alice"}
	a := ComputeIncidentID("tenant-a", "rule-1", entities)
	b := ComputeIncidentID("tenant-a", "rule-1", map[string]string{"user_name": "alice"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ComputeIncidentID("tenant-a", "rule-1", map[string]string{"user_name": "bob"}))
}

func TestMaxSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityLow, SeverityCritical))
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityHigh, SeverityMedium))
	assert.Equal(t, SeverityMedium, MaxSeverity("", SeverityMedium), "unknown ranks below known")
	assert.Equal(t, SeverityLow, MaxSeverity(SeverityLow, "bogus"))
}
