package detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRuleStore struct {
	mu      sync.Mutex
	records []*Record
	states  map[string]*core.RuleState
}

func newFakeRuleStore(records ...*Record) *fakeRuleStore {
	return &fakeRuleStore{records: records, states: make(map[string]*core.RuleState)}
}

func (f *fakeRuleStore) ListEnabledDetections(ctx context.Context) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, nil
}

func (f *fakeRuleStore) GetRuleState(ctx context.Context, ruleID string) (*core.RuleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[ruleID]; ok {
		copied := *st
		return &copied, nil
	}
	return &core.RuleState{RuleID: ruleID}, nil
}

func (f *fakeRuleStore) SaveRuleState(ctx context.Context, st *core.RuleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *st
	f.states[st.RuleID] = &copied
	return nil
}

type fakeDataStore struct {
	mu      sync.Mutex
	rows    []map[string]interface{}
	execErr error

	// transientErr is returned for the first failuresLeft executions,
	// then the store recovers.
	transientErr error
	failuresLeft int

	queries [][]interface{}
	alerts  []*core.Alert
	runs    []*core.DetectionRun
}

func (f *fakeDataStore) ExecuteDetection(ctx context.Context, sql string, args []interface{}) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, args)
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, f.transientErr
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.rows, nil
}

func (f *fakeDataStore) InsertAlerts(ctx context.Context, alerts []*core.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alerts...)
	return nil
}

func (f *fakeDataStore) InsertDetectionRun(ctx context.Context, run *core.DetectionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *run
	f.runs = append(f.runs, &copied)
	return nil
}

func testResilience(t *testing.T) *core.Resilience {
	t.Helper()
	res, err := core.NewResilience(core.DefaultResilienceConfig(), nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return res
}

func thresholdRecord() *Record {
	return &Record{
		ID:            "rule-1",
		TenantID:      "tenant-a",
		Name:          "failed logins per user",
		RuleType:      string(RuleRollingThreshold),
		Severity:      core.SeverityHigh,
		Schedule:      "@every 5m",
		Enabled:       true,
		WindowSeconds: 3600,
		By:            []string{"user_name"},
		Where:         "event_type:login_failed",
		Params:        RecordParams{Threshold: 5},
	}
}

func newTestScheduler(rules RuleStore, data DataStore, now time.Time) *Scheduler {
	s := NewScheduler(SchedulerConfig{
		TickInterval:       time.Minute,
		MaxConcurrentRules: 2,
		AlertBatchLimit:    50,
	}, rules, data, nil, zap.NewNop().Sugar())
	s.now = func() time.Time { return now }
	return s
}

func TestSchedulerTickProducesAlert(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rules := newFakeRuleStore(thresholdRecord())
	data := &fakeDataStore{rows: []map[string]interface{}{
		{"user_name": "alice", "hits": uint64(7), "last_seen": now},
	}}

	s := newTestScheduler(rules, data, now)
	s.resilience = testResilience(t)
	s.Tick(context.Background())

	// One alert for alice with a deterministic id bound to the window end.
	require.Len(t, data.alerts, 1)
	alert := data.alerts[0]
	assert.Equal(t, "rule-1", alert.DetectionID)
	assert.Equal(t, core.SeverityHigh, alert.Severity)
	assert.Equal(t, core.AlertStatusOpen, alert.Status)
	assert.Equal(t, map[string]string{"user_name": "alice"}, alert.EntityKeys)
	assert.Equal(t,
		core.ComputeBatchAlertID("rule-1", "tenant-a", map[string]string{"user_name": "alice"}, now),
		alert.AlertID)

	// Run audit: a running row then a finished row.
	require.Len(t, data.runs, 2)
	assert.Equal(t, core.RunStatusRunning, data.runs[0].Status)
	assert.Equal(t, core.RunStatusFinished, data.runs[1].Status)
	assert.Equal(t, uint64(1), data.runs[1].Rows)

	// State advanced: watermark carries the window end.
	st := rules.states["rule-1"]
	require.NotNil(t, st)
	assert.Equal(t, now, st.Watermark)
	assert.Equal(t, now, st.LastSuccessTS)
	assert.Empty(t, st.LastError)
}

func TestSchedulerRespectsSchedule(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rules := newFakeRuleStore(thresholdRecord())
	data := &fakeDataStore{}

	s := newTestScheduler(rules, data, now)
	s.resilience = testResilience(t)

	s.Tick(context.Background())
	require.Len(t, data.queries, 1, "first tick runs the rule")

	// Same instant again: not due.
	s.Tick(context.Background())
	assert.Len(t, data.queries, 1, "rule must not run again before its interval")

	// Past the interval: due again.
	later := now.Add(5 * time.Minute)
	s.now = func() time.Time { return later }
	s.Tick(context.Background())
	assert.Len(t, data.queries, 2)
}

func TestSchedulerRecordsFailureAndKeepsWatermark(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rules := newFakeRuleStore(thresholdRecord())
	rules.states["rule-1"] = &core.RuleState{
		RuleID:    "rule-1",
		TenantID:  "tenant-a",
		Watermark: now.Add(-time.Hour),
	}
	data := &fakeDataStore{execErr: errors.New("clickhouse exploded")}

	s := newTestScheduler(rules, data, now)
	s.resilience = testResilience(t)
	s.Tick(context.Background())

	assert.Empty(t, data.alerts)

	st := rules.states["rule-1"]
	require.NotNil(t, st)
	assert.Contains(t, st.LastError, "clickhouse exploded")
	assert.Equal(t, now.Add(-time.Hour), st.Watermark, "failed run must not advance the watermark")
	assert.Equal(t, now, st.LastRunTS)

	// Failed terminal run row was written.
	require.Len(t, data.runs, 2)
	assert.Equal(t, core.RunStatusFailed, data.runs[1].Status)
}

func TestSchedulerSkipsInvalidSpecAndContinues(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	bad := thresholdRecord()
	bad.ID = "rule-bad"
	bad.Params.Threshold = 0

	good := thresholdRecord()

	rules := newFakeRuleStore(bad, good)
	data := &fakeDataStore{rows: []map[string]interface{}{{"user_name": "alice", "hits": uint64(9)}}}

	s := newTestScheduler(rules, data, now)
	s.resilience = testResilience(t)
	s.Tick(context.Background())

	// The valid rule still ran despite its broken sibling.
	require.Len(t, data.queries, 1)
	require.Len(t, data.alerts, 1)
	assert.Contains(t, rules.states["rule-bad"].LastError, "threshold")
}

func TestSchedulerCapsAlertBatch(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rules := newFakeRuleStore(thresholdRecord())

	var rows []map[string]interface{}
	for _, u := range []string{"a", "b", "c", "d", "e"} {
		rows = append(rows, map[string]interface{}{"user_name": u, "hits": uint64(6)})
	}
	data := &fakeDataStore{rows: rows}

	s := NewScheduler(SchedulerConfig{
		TickInterval:       time.Minute,
		MaxConcurrentRules: 1,
		AlertBatchLimit:    2,
	}, rules, data, testResilience(t), zap.NewNop().Sugar())
	s.now = func() time.Time { return now }
	s.Tick(context.Background())

	assert.Len(t, data.alerts, 2, "alerts per run are capped")
}

func TestSchedulerTickRunsRulesConcurrentlyWithOwnState(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	first := thresholdRecord()
	second := thresholdRecord()
	second.ID = "rule-2"
	second.TenantID = "tenant-b"

	rules := newFakeRuleStore(first, second)
	data := &fakeDataStore{rows: []map[string]interface{}{
		{"user_name": "alice", "hits": uint64(7)},
	}}

	s := newTestScheduler(rules, data, now)
	s.resilience = testResilience(t)
	s.Tick(context.Background())

	// Both rules ran and each alert carries its own rule and tenant, not
	// the last record the loop happened to see.
	require.Len(t, data.alerts, 2)
	byRule := map[string]string{}
	for _, a := range data.alerts {
		byRule[a.DetectionID] = a.TenantID
	}
	assert.Equal(t, map[string]string{"rule-1": "tenant-a", "rule-2": "tenant-b"}, byRule)

	for _, id := range []string{"rule-1", "rule-2"} {
		st := rules.states[id]
		require.NotNil(t, st, "state for %s", id)
		assert.Equal(t, id, st.RuleID)
		assert.Equal(t, now, st.Watermark)
	}
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rules := newFakeRuleStore(thresholdRecord())
	data := &fakeDataStore{
		rows:         []map[string]interface{}{{"user_name": "alice", "hits": uint64(7)}},
		transientErr: &core.DatabaseError{Op: "detection", Err: errors.New("connection reset")},
		failuresLeft: 1,
	}

	s := newTestScheduler(rules, data, now)
	s.resilience = testResilience(t)
	s.Tick(context.Background())

	// The transient failure was retried within the same tick and the run
	// still finished with its alert.
	require.Len(t, data.queries, 2, "one failed attempt plus one retry")
	require.Len(t, data.alerts, 1)
	require.Len(t, data.runs, 2)
	assert.Equal(t, core.RunStatusFinished, data.runs[1].Status)
	assert.Equal(t, now, rules.states["rule-1"].Watermark)
}

func TestSchedulerDoesNotRetryPermanentFailure(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rules := newFakeRuleStore(thresholdRecord())
	data := &fakeDataStore{execErr: errors.New("syntax error in generated query")}

	s := newTestScheduler(rules, data, now)
	s.resilience = testResilience(t)
	s.Tick(context.Background())

	assert.Len(t, data.queries, 1, "non-retryable failure waits for the next tick")
	assert.Empty(t, data.alerts)
}

func TestSchedulerAlertIDsIdempotentAcrossRetries(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	row := map[string]interface{}{"user_name": "alice", "hits": uint64(7)}

	run := func() string {
		rules := newFakeRuleStore(thresholdRecord())
		data := &fakeDataStore{rows: []map[string]interface{}{row}}
		s := newTestScheduler(rules, data, now)
		s.resilience = testResilience(t)
		s.Tick(context.Background())
		require.Len(t, data.alerts, 1)
		return data.alerts[0].AlertID
	}

	assert.Equal(t, run(), run(), "same window and entity must yield the same alert id")
}
