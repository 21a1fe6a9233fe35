package detect

import (
	"strings"
	"testing"
	"time"

	"argus/core"
	"argus/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testFrom = time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	testTo   = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
)

func baseSpec(ruleType RuleType) *Spec {
	return &Spec{
		ID:       "rule-1",
		TenantID: "tenant-a",
		Name:     "test rule",
		RuleType: ruleType,
		Window:   time.Hour,
	}
}

func TestCompileRollingThreshold(t *testing.T) {
	spec := baseSpec(RuleRollingThreshold)
	spec.By = []string{"user_name"}
	spec.Params.Threshold = 5
	spec.Where = search.Eq("event_type", "login_failed")

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "GROUP BY user_name")
	assert.Contains(t, cd.SQL, "count() AS hits")
	assert.Contains(t, cd.SQL, "HAVING hits >= ?")
	assert.Contains(t, cd.SQL, "tenant_id = ?")
	assert.Equal(t, []string{"user_name"}, cd.EntityColumns)

	// Args: tenant, from, to, where value, threshold.
	assert.Equal(t, []interface{}{"tenant-a", testFrom, testTo, "login_failed", 5}, cd.Args)
}

func TestCompileRatio(t *testing.T) {
	spec := baseSpec(RuleRatio)
	spec.By = []string{"user_name"}
	spec.Params.RatioA = search.Eq("event_type", "login_failed")
	spec.Params.RatioB = search.Eq("event_type", "login_ok")
	spec.Params.RatioMax = 3.0

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "countIf(event_type = ?) AS hits_a")
	assert.Contains(t, cd.SQL, "countIf(event_type = ?) AS hits_b")
	assert.Contains(t, cd.SQL, "hits_a / greatest(hits_b, 1) >= ?")
	// Placeholder order matches textual order: both countIf values first,
	// then the scope, then the bound.
	assert.Equal(t, "login_failed", cd.Args[0])
	assert.Equal(t, "login_ok", cd.Args[1])
	assert.Equal(t, 3.0, cd.Args[len(cd.Args)-1])
}

func TestCompileFirstSeen(t *testing.T) {
	spec := baseSpec(RuleFirstSeen)
	spec.Lookback = 24 * time.Hour
	spec.Params.Entity = "user_name"

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "NOT IN (SELECT DISTINCT user_name")
	assert.Equal(t, []string{"user_name"}, cd.EntityColumns)
	// Lookback scan is bound to [from-lookback, from).
	assert.Contains(t, cd.Args, testFrom.Add(-24*time.Hour))
}

func TestCompileSpike(t *testing.T) {
	spec := baseSpec(RuleSpike)
	spec.By = []string{"host"}
	spec.Lookback = 6 * time.Hour
	spec.Params.Multiplier = 4.0

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "countIf(timestamp >= ?) AS current_hits")
	assert.Contains(t, cd.SQL, "countIf(timestamp < ?) AS baseline_hits")
	assert.Contains(t, cd.SQL, "* ?")
	assert.Equal(t, 4.0, cd.Args[len(cd.Args)-1])
}

func TestCompileBeaconing(t *testing.T) {
	spec := baseSpec(RuleBeaconing)
	spec.Params.Threshold = 10
	spec.Params.MaxVarianceRatio = 0.2

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "lagInFrame(toUnixTimestamp(timestamp))")
	assert.Contains(t, cd.SQL, "stddevPop(gap)")
	assert.Contains(t, cd.SQL, "stddev_gap / greatest(avg_gap, 1) <= ?")
	assert.Equal(t, []string{"source_ip", "destination_ip"}, cd.EntityColumns)

	// The first row of each partition has no predecessor, so its lag value
	// defaults to 0; it must be excluded before gaps are aggregated or one
	// full-epoch outlier per pair swamps avg_gap and stddev_gap.
	assert.Contains(t, cd.SQL, "WHERE prev_ts > 0")
	assert.Contains(t, cd.SQL, "toUnixTimestamp(timestamp) - prev_ts AS gap")
	assert.Less(t,
		strings.Index(cd.SQL, "WHERE prev_ts > 0"),
		strings.Index(cd.SQL, "WHERE gap > 0"),
		"predecessor filter applies before the gap filter")
}

func TestCompileSequence(t *testing.T) {
	spec := baseSpec(RuleSequence)
	spec.Params.Entity = "user_name"
	spec.Params.StepTimeout = 5 * time.Minute
	spec.Params.Steps = []*search.Expr{
		search.Eq("event_type", "login"),
		search.Eq("event_type", "priv_escalation"),
		search.Eq("event_type", "exfil"),
	}

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "sequenceMatch('(?1)(?t<=300)(?2)(?t<=300)(?3)')")
	assert.Contains(t, cd.SQL, "GROUP BY user_name")
	assert.NotContains(t, cd.SQL, "uniqExact(source)")
}

func TestCompileChainRequiresDistinctSources(t *testing.T) {
	spec := baseSpec(RuleChain)
	spec.Params.Entity = "user_name"
	spec.Params.StepTimeout = time.Minute
	spec.Params.Steps = []*search.Expr{
		search.Eq("event_type", "a"),
		search.Eq("event_type", "b"),
	}

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "uniqExact(source) >= ?")
	assert.Equal(t, 2, cd.Args[len(cd.Args)-1], "distinct source count equals step count")
}

func TestCompileSequenceAbsence(t *testing.T) {
	spec := baseSpec(RuleSequenceAbsence)
	spec.Params.Entity = "host"
	spec.Params.Deadline = 10 * time.Minute
	spec.Params.TriggerStep = search.Eq("event_type", "backup_started")
	spec.Params.FollowStep = search.Eq("event_type", "backup_finished")

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "triggers > 0")
	assert.Contains(t, cd.SQL, "sequenceMatch('(?1)(?t<=600)(?2)')")
	assert.Contains(t, cd.SQL, "= 0", "absence means the sequence did NOT complete")
}

func TestCompileSpread(t *testing.T) {
	spec := baseSpec(RuleSpread)
	spec.By = []string{"source_ip"}
	spec.Params.Dimension = "host"
	spec.Params.Threshold = 20

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "uniqExact(host) AS spread")
	assert.Contains(t, cd.SQL, "HAVING spread >= ?")
}

func TestCompilePeerOut(t *testing.T) {
	spec := baseSpec(RulePeerOut)
	spec.Params.PeerFactor = 5.0

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "sum(bytes_out) AS total_bytes")
	assert.Contains(t, cd.SQL, "OVER (PARTITION BY source_ip)")
	assert.Contains(t, cd.SQL, "total_bytes >= avg_bytes * ?")
	assert.Equal(t, []string{"source_ip", "destination_ip"}, cd.EntityColumns)
}

func TestCompileBurst(t *testing.T) {
	spec := baseSpec(RuleBurst)
	spec.By = []string{"source_ip"}
	spec.Params.SubWindow = 30 * time.Second
	spec.Params.Threshold = 100

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "toStartOfInterval(timestamp, INTERVAL 30 SECOND)")
	assert.Contains(t, cd.SQL, "max(bucket_hits) AS peak_hits")
	assert.Contains(t, cd.SQL, "HAVING peak_hits >= ?")
}

func TestCompileTimeOfDay(t *testing.T) {
	spec := baseSpec(RuleTimeOfDay)
	spec.By = []string{"user_name"}
	spec.Params.AllowedStartHour = 8
	spec.Params.AllowedEndHour = 18
	spec.Params.Threshold = 1

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "toHour(timestamp) < ? OR toHour(timestamp) >= ?")
	assert.Equal(t, 8, cd.Args[0])
	assert.Equal(t, 18, cd.Args[1])
}

func TestCompileTravel(t *testing.T) {
	spec := baseSpec(RuleTravel)
	spec.Params.Entity = "user_name"
	spec.Params.SpeedKmh = 900

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "greatCircleDistance")
	assert.Contains(t, cd.SQL, "lagInFrame(geo_lat) OVER w")
	assert.Contains(t, cd.SQL, "speed > ?")
	assert.Equal(t, []string{"user_name"}, cd.EntityColumns)
}

func TestCompileLexicalAnomaly(t *testing.T) {
	spec := baseSpec(RuleLexicalAnomaly)
	spec.By = []string{"source_ip"}
	spec.Params.Field = "host"
	spec.Params.EntropyMin = 3.5

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)

	assert.Contains(t, cd.SQL, "entropy(host) AS value_entropy")
	assert.Contains(t, cd.SQL, "uniqExact(host) AS distinct_values")
	// Threshold omitted: the distinct floor defaults to 20.
	assert.Contains(t, cd.Args, 20)
}

func TestCompileRejectsUnknownRuleType(t *testing.T) {
	spec := baseSpec(RuleType("made_up"))
	_, err := CompileDetection(spec, testFrom, testTo)
	require.Error(t, err)
}

func TestCompileRejectsUnlistedGroupKey(t *testing.T) {
	spec := baseSpec(RuleRollingThreshold)
	spec.Params.Threshold = 1
	spec.By = []string{"nosuch; DROP TABLE events"}

	_, err := CompileDetection(spec, testFrom, testTo)
	require.Error(t, err)
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCompileValuesAreAlwaysBound(t *testing.T) {
	spec := baseSpec(RuleRollingThreshold)
	spec.Params.Threshold = 1
	hostile := "x'; DROP TABLE events; --"
	spec.Where = search.Eq("user_name", hostile)

	cd, err := CompileDetection(spec, testFrom, testTo)
	require.NoError(t, err)
	assert.NotContains(t, cd.SQL, "DROP TABLE")
	assert.Contains(t, cd.Args, hostile)
}

func TestSpecValidatePerTypeChecks(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Spec)
		typ    RuleType
	}{
		{"threshold missing", func(s *Spec) {}, RuleRollingThreshold},
		{"ratio conditions missing", func(s *Spec) { s.Params.RatioMax = 2 }, RuleRatio},
		{"first_seen lookback missing", func(s *Spec) { s.Params.Entity = "user_name" }, RuleFirstSeen},
		{"spike multiplier too low", func(s *Spec) { s.Params.Multiplier = 1; s.Lookback = 2 * time.Hour }, RuleSpike},
		{"sequence too many steps", func(s *Spec) {
			s.Params.Entity = "user_name"
			s.Params.StepTimeout = time.Minute
			for i := 0; i < maxSequenceSteps+1; i++ {
				s.Params.Steps = append(s.Params.Steps, search.Eq("event_type", "x"))
			}
		}, RuleSequence},
		{"time_of_day inverted band", func(s *Spec) {
			s.Params.AllowedStartHour = 18
			s.Params.AllowedEndHour = 8
			s.Params.Threshold = 1
		}, RuleTimeOfDay},
		{"burst sub_window too large", func(s *Spec) {
			s.Params.SubWindow = 2 * time.Hour
			s.Params.Threshold = 1
		}, RuleBurst},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := baseSpec(tc.typ)
			tc.mutate(spec)
			assert.Error(t, spec.Validate())
		})
	}
}

func TestRecordToSpecParsesPredicates(t *testing.T) {
	rec := &Record{
		ID:            "rule-1",
		TenantID:      "tenant-a",
		Name:          "failed logins",
		RuleType:      string(RuleRollingThreshold),
		Schedule:      "@every 5m",
		Enabled:       true,
		WindowSeconds: 3600,
		By:            []string{"user_name"},
		Where:         "event_type:login_failed",
		Params:        RecordParams{Threshold: 5},
	}

	spec, err := rec.ToSpec()
	require.NoError(t, err)
	require.NotNil(t, spec.Where)
	assert.Equal(t, search.ExprEq, spec.Where.Kind)
	assert.Equal(t, time.Hour, spec.Window)
}

func TestRecordToSpecRejectsBadPredicate(t *testing.T) {
	rec := &Record{
		ID:            "rule-1",
		TenantID:      "tenant-a",
		Name:          "broken",
		RuleType:      string(RuleRollingThreshold),
		WindowSeconds: 3600,
		Where:         `"unterminated`,
		Params:        RecordParams{Threshold: 1},
	}
	_, err := rec.ToSpec()
	require.Error(t, err)

	if !strings.Contains(err.Error(), "where") {
		t.Errorf("error should name the failing field, got %v", err)
	}
}
