package incident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAlertStore struct {
	mu        sync.Mutex
	open      []*core.Alert
	incidents map[string]*core.Incident
	linked    map[string][]*core.Alert

	upsertErr error
	linkErr   error
}

func newFakeAlertStore(open ...*core.Alert) *fakeAlertStore {
	return &fakeAlertStore{
		open:      open,
		incidents: make(map[string]*core.Incident),
		linked:    make(map[string][]*core.Alert),
	}
}

func (f *fakeAlertStore) OpenAlertsSince(ctx context.Context, watermark time.Time, limit int) ([]*core.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.Alert
	for _, a := range f.open {
		if a.Status == core.AlertStatusOpen && !a.CreatedAt.Before(watermark) {
			out = append(out, a)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAlertStore) LinkAlerts(ctx context.Context, incidentID string, alerts []*core.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.linkErr != nil {
		return f.linkErr
	}
	for _, a := range alerts {
		a.Status = core.AlertStatusLinked
		a.IncidentID = incidentID
	}
	f.linked[incidentID] = append(f.linked[incidentID], alerts...)
	return nil
}

func (f *fakeAlertStore) UpsertIncident(ctx context.Context, inc *core.Incident) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	copied := *inc
	f.incidents[inc.IncidentID] = &copied
	return nil
}

func (f *fakeAlertStore) GetIncident(ctx context.Context, tenantID, incidentID string) (*core.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc, ok := f.incidents[incidentID]
	if !ok {
		return nil, nil
	}
	copied := *inc
	return &copied, nil
}

type fakeWatermarkStore struct {
	mu         sync.Mutex
	watermarks map[string]time.Time
}

func newFakeWatermarkStore() *fakeWatermarkStore {
	return &fakeWatermarkStore{watermarks: make(map[string]time.Time)}
}

func (f *fakeWatermarkStore) GetWatermark(ctx context.Context, name string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watermarks[name], nil
}

func (f *fakeWatermarkStore) SetWatermark(ctx context.Context, name string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watermarks[name] = ts
	return nil
}

func testResilience(t *testing.T) *core.Resilience {
	t.Helper()
	res, err := core.NewResilience(core.DefaultResilienceConfig(), nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return res
}

var aggBase = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func openAlert(id, ruleID, user, severity string, createdOffset time.Duration) *core.Alert {
	entityKeys := map[string]string{"user_name": user}
	return &core.Alert{
		AlertID:     id,
		DetectionID: ruleID,
		RuleType:    "rolling_threshold",
		TenantID:    "tenant-a",
		Severity:    severity,
		Status:      core.AlertStatusOpen,
		OccurredAt:  aggBase.Add(createdOffset),
		CreatedAt:   aggBase.Add(createdOffset),
		EntityKeys:  entityKeys,
		DedupKey:    core.ComputeIncidentID("tenant-a", ruleID, entityKeys),
	}
}

func newTestAggregator(t *testing.T, alerts AlertStore, watermarks WatermarkStore) *Aggregator {
	t.Helper()
	a := NewAggregator(Config{Interval: time.Minute, BatchLimit: 100},
		alerts, watermarks, testResilience(t), zap.NewNop().Sugar())
	a.now = func() time.Time { return aggBase.Add(10 * time.Minute) }
	return a
}

func TestRunOnceCreatesIncident(t *testing.T) {
	store := newFakeAlertStore(
		openAlert("a-1", "rule-1", "alice", core.SeverityMedium, 0),
		openAlert("a-2", "rule-1", "alice", core.SeverityHigh, time.Minute),
	)
	marks := newFakeWatermarkStore()
	a := newTestAggregator(t, store, marks)

	require.NoError(t, a.RunOnce(context.Background()))

	wantID := core.ComputeIncidentID("tenant-a", "rule-1", map[string]string{"user_name": "alice"})
	inc := store.incidents[wantID]
	require.NotNil(t, inc, "both alerts fold into one deterministic incident")
	assert.Equal(t, uint64(2), inc.AlertCount)
	assert.Equal(t, core.SeverityHigh, inc.Severity, "incident carries the max severity")
	assert.Equal(t, aggBase, inc.FirstAlertTS)
	assert.Equal(t, aggBase.Add(time.Minute), inc.LastAlertTS)
	assert.Equal(t, []string{"rule-1"}, inc.RuleIDs)
	assert.Contains(t, inc.Title, "user_name=alice")

	assert.Len(t, store.linked[wantID], 2)
	assert.Equal(t, aggBase.Add(time.Minute), marks.watermarks[aggregatorWatermark],
		"watermark lands on the newest processed alert")
}

func TestRunOnceMergesIntoExistingIncident(t *testing.T) {
	store := newFakeAlertStore(openAlert("a-1", "rule-1", "alice", core.SeverityMedium, 0))
	marks := newFakeWatermarkStore()
	a := newTestAggregator(t, store, marks)
	require.NoError(t, a.RunOnce(context.Background()))

	// Second pass: one more alert for the same entity, newer than the
	// watermark.
	store.mu.Lock()
	store.open = append(store.open, openAlert("a-2", "rule-1", "alice", core.SeverityCritical, 5*time.Minute))
	store.mu.Unlock()
	require.NoError(t, a.RunOnce(context.Background()))

	wantID := core.ComputeIncidentID("tenant-a", "rule-1", map[string]string{"user_name": "alice"})
	inc := store.incidents[wantID]
	require.NotNil(t, inc)
	assert.Equal(t, uint64(2), inc.AlertCount, "alert count accumulates across passes")
	assert.Equal(t, core.SeverityCritical, inc.Severity)
	assert.Equal(t, aggBase.Add(5*time.Minute), inc.LastAlertTS)
	assert.Len(t, store.incidents, 1, "same entity set never fragments into new incidents")
}

func TestRunOnceSeparatesEntities(t *testing.T) {
	store := newFakeAlertStore(
		openAlert("a-1", "rule-1", "alice", core.SeverityMedium, 0),
		openAlert("a-2", "rule-1", "bob", core.SeverityMedium, time.Minute),
	)
	marks := newFakeWatermarkStore()
	a := newTestAggregator(t, store, marks)

	require.NoError(t, a.RunOnce(context.Background()))
	assert.Len(t, store.incidents, 2, "different entities get their own incidents")
}

func TestRunOnceFailureKeepsWatermark(t *testing.T) {
	store := newFakeAlertStore(openAlert("a-1", "rule-1", "alice", core.SeverityMedium, 0))
	store.upsertErr = errors.New("clickhouse unavailable")
	marks := newFakeWatermarkStore()
	a := newTestAggregator(t, store, marks)

	require.Error(t, a.RunOnce(context.Background()))
	assert.True(t, marks.watermarks[aggregatorWatermark].IsZero(),
		"failed pass must not advance the watermark")

	// Recovery: the same batch is re-read and merges cleanly.
	store.mu.Lock()
	store.upsertErr = nil
	store.mu.Unlock()
	require.NoError(t, a.RunOnce(context.Background()))

	wantID := core.ComputeIncidentID("tenant-a", "rule-1", map[string]string{"user_name": "alice"})
	require.NotNil(t, store.incidents[wantID])
	assert.Equal(t, aggBase, marks.watermarks[aggregatorWatermark])
}

func TestRunOnceEmptyBatchIsNoop(t *testing.T) {
	store := newFakeAlertStore()
	marks := newFakeWatermarkStore()
	a := newTestAggregator(t, store, marks)

	require.NoError(t, a.RunOnce(context.Background()))
	assert.Empty(t, store.incidents)
	assert.True(t, marks.watermarks[aggregatorWatermark].IsZero())
}

func TestGroupAlertsDeterministicOrder(t *testing.T) {
	alerts := []*core.Alert{
		openAlert("a-1", "rule-1", "alice", core.SeverityMedium, 0),
		openAlert("a-2", "rule-1", "bob", core.SeverityMedium, 0),
		openAlert("a-3", "rule-2", "alice", core.SeverityMedium, 0),
	}

	first := groupAlerts(alerts)
	for i := 0; i < 10; i++ {
		again := groupAlerts(alerts)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].incidentID, again[j].incidentID, "iteration %d", i)
		}
	}
}

func TestProjectEntities(t *testing.T) {
	// Identity keys only; ride-along keys are dropped.
	got := projectEntities(map[string]string{
		"user_name": "alice",
		"source_ip": "10.1.2.3",
		"event_id":  "evt-1",
		"hits":      "7",
	})
	assert.Equal(t, map[string]string{"user_name": "alice", "source_ip": "10.1.2.3"}, got)

	// No identity keys at all: fall back to the full non-empty set.
	got = projectEntities(map[string]string{"event_id": "evt-1", "empty": ""})
	assert.Equal(t, map[string]string{"event_id": "evt-1"}, got)
}

func TestMergeRuleIDs(t *testing.T) {
	assert.Equal(t, []string{"rule-1"}, mergeRuleIDs(nil, "rule-1"))
	assert.Equal(t, []string{"rule-1"}, mergeRuleIDs([]string{"rule-1"}, "rule-1"))
	assert.Equal(t, []string{"rule-1", "rule-2"}, mergeRuleIDs([]string{"rule-2"}, "rule-1"))
}

func TestIncidentTitleStable(t *testing.T) {
	g := &alertGroup{
		ruleID:   "rule-1",
		entities: map[string]string{"user_name": "alice", "host": "bastion-01"},
	}
	want := fmt.Sprintf("Activity on host=bastion-01, user_name=alice (rule %s)", g.ruleID)
	for i := 0; i < 5; i++ {
		assert.Equal(t, want, incidentTitle(g))
	}
}
