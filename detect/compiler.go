package detect

import (
	"fmt"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/search"
)

// maxSequenceSteps bounds the sequenceMatch pattern size.
const maxSequenceSteps = 8

// eventsTable is the columnar store table all detection SQL reads.
const eventsTable = "events"

// CompiledDetection is a parameterized aggregate query plus the column
// names whose values identify the alerting entity in each result row.
type CompiledDetection struct {
	search.CompiledQuery
	EntityColumns []string
}

// CompileDetection translates a validated spec and absolute window bounds
// into aggregate ClickHouse SQL. Dispatch is exhaustive over RuleType; an
// unknown type is a CompileError. Every value is bound as a parameter;
// identifiers pass the shared allow-list. The only inlined literals are
// integers derived from validated durations (sequenceMatch patterns and
// INTERVAL clauses cannot take placeholders).
func CompileDetection(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	cd, err := compileDetection(spec, from, to)
	if err != nil {
		metrics.CompileAttempts.WithLabelValues("detection", "error").Inc()
		return CompiledDetection{}, err
	}
	metrics.CompileAttempts.WithLabelValues("detection", "ok").Inc()
	return cd, nil
}

func compileDetection(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	if err := spec.Validate(); err != nil {
		return CompiledDetection{}, err
	}

	switch spec.RuleType {
	case RuleRollingThreshold:
		return compileRollingThreshold(spec, from, to)
	case RuleRatio:
		return compileRatio(spec, from, to)
	case RuleFirstSeen:
		return compileFirstSeen(spec, from, to)
	case RuleSpike:
		return compileSpike(spec, from, to)
	case RuleBeaconing:
		return compileBeaconing(spec, from, to)
	case RuleSequence:
		return compileSequence(spec, from, to, false)
	case RuleChain:
		return compileSequence(spec, from, to, true)
	case RuleSequenceAbsence:
		return compileSequenceAbsence(spec, from, to)
	case RuleSpread:
		return compileSpread(spec, from, to)
	case RulePeerOut:
		return compilePeerOut(spec, from, to)
	case RuleBurst:
		return compileBurst(spec, from, to)
	case RuleTimeOfDay:
		return compileTimeOfDay(spec, from, to)
	case RuleTravel:
		return compileTravel(spec, from, to)
	case RuleLexicalAnomaly:
		return compileLexicalAnomaly(spec, from, to)
	default:
		return CompiledDetection{}, core.NewCompileError(string(spec.RuleType), "unknown detection type")
	}
}

// baseWhere builds the mandatory tenant + window scope plus the optional
// pre-filter. Every detection query embeds this exactly once per scan.
func baseWhere(spec *Spec, from, to time.Time) (string, []interface{}, error) {
	sql := "tenant_id = ? AND timestamp >= ? AND timestamp < ?"
	args := []interface{}{spec.TenantID, from, to}

	if spec.Where != nil {
		whereSQL, whereArgs, err := search.CompileExpr(spec.Where)
		if err != nil {
			return "", nil, err
		}
		sql += " AND (" + whereSQL + ")"
		args = append(args, whereArgs...)
	}
	return sql, args, nil
}

// groupRefs validates grouping keys against the allow-list and returns
// their SQL references alongside the original names.
func groupRefs(cols []string) ([]string, error) {
	refs := make([]string, len(cols))
	for i, col := range cols {
		ref, err := search.ColumnRef(col)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	return refs, nil
}

// selectPrefix renders "col1, col2, " or "" for ungrouped queries.
func selectPrefix(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	return strings.Join(refs, ", ") + ", "
}

// groupByClause renders " GROUP BY col1, col2" or "".
func groupByClause(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	return " GROUP BY " + strings.Join(refs, ", ")
}

func compileRollingThreshold(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	where, args, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}
	refs, err := groupRefs(spec.By)
	if err != nil {
		return CompiledDetection{}, err
	}

	sql := fmt.Sprintf(
		"SELECT %scount() AS hits, max(timestamp) AS last_seen FROM %s WHERE %s%s HAVING hits >= ?",
		selectPrefix(refs), eventsTable, where, groupByClause(refs))
	args = append(args, spec.Params.Threshold)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: spec.By,
	}, nil
}

func compileRatio(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	condA, argsA, err := search.CompileExpr(spec.Params.RatioA)
	if err != nil {
		return CompiledDetection{}, err
	}
	condB, argsB, err := search.CompileExpr(spec.Params.RatioB)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, whereArgs, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}
	refs, err := groupRefs(spec.By)
	if err != nil {
		return CompiledDetection{}, err
	}

	// Aliases are legal in HAVING on ClickHouse, so each condition binds
	// its parameters exactly once.
	sql := fmt.Sprintf(
		"SELECT %scountIf(%s) AS hits_a, countIf(%s) AS hits_b FROM %s WHERE %s%s "+
			"HAVING hits_b > 0 AND hits_a / greatest(hits_b, 1) >= ?",
		selectPrefix(refs), condA, condB, eventsTable, where, groupByClause(refs))

	args := append(append(append([]interface{}{}, argsA...), argsB...), whereArgs...)
	args = append(args, spec.Params.RatioMax)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: spec.By,
	}, nil
}

func compileFirstSeen(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	entityRef, err := search.ColumnRef(spec.Params.Entity)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, whereArgs, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	// The lookback scan uses the same pre-filter so "seen before" means
	// seen under the same conditions.
	lookbackWhere, lookbackArgs, err := baseWhere(spec, from.Add(-spec.Lookback), from)
	if err != nil {
		return CompiledDetection{}, err
	}

	sql := fmt.Sprintf(
		"SELECT %s, min(timestamp) AS first_ts, count() AS hits FROM %s "+
			"WHERE %s AND %s NOT IN (SELECT DISTINCT %s FROM %s WHERE %s) GROUP BY %s",
		entityRef, eventsTable, where, entityRef, entityRef, eventsTable, lookbackWhere, entityRef)

	args := append(append([]interface{}{}, whereArgs...), lookbackArgs...)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: []string{spec.Params.Entity},
	}, nil
}

func compileSpike(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	refs, err := groupRefs(spec.By)
	if err != nil {
		return CompiledDetection{}, err
	}

	// Scan the full lookback; the current window and the trailing baseline
	// split on curFrom.
	curFrom := to.Add(-spec.Window)
	scanFrom := to.Add(-spec.Lookback)
	baselineWindows := float64(spec.Lookback-spec.Window) / float64(spec.Window)
	if baselineWindows < 1 {
		baselineWindows = 1
	}
	minHits := spec.Params.Threshold
	if minHits < 1 {
		minHits = 1
	}

	scanSpec := *spec
	where, whereArgs, err := baseWhere(&scanSpec, scanFrom, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	sql := fmt.Sprintf(
		"SELECT %scountIf(timestamp >= ?) AS current_hits, countIf(timestamp < ?) AS baseline_hits "+
			"FROM %s WHERE %s%s "+
			"HAVING current_hits >= ? AND current_hits >= (baseline_hits / ?) * ?",
		selectPrefix(refs), eventsTable, where, groupByClause(refs))

	args := []interface{}{curFrom, curFrom}
	args = append(args, whereArgs...)
	args = append(args, minHits, baselineWindows, spec.Params.Multiplier)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: spec.By,
	}, nil
}

func compileBeaconing(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	pair := spec.By
	if len(pair) != 2 {
		pair = []string{"source_ip", "destination_ip"}
	}
	refs, err := groupRefs(pair)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, args, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	partition := strings.Join(refs, ", ")
	// lagInFrame yields 0 for the first row of each partition; that row has
	// no predecessor and must not contribute a gap, so it is filtered on
	// prev_ts before the gap aggregates are computed.
	sql := fmt.Sprintf(
		"SELECT %s, count() AS events, avg(gap) AS avg_gap, stddevPop(gap) AS stddev_gap FROM ("+
			"SELECT %s, toUnixTimestamp(timestamp) - prev_ts AS gap FROM ("+
			"SELECT %s, timestamp, lagInFrame(toUnixTimestamp(timestamp)) "+
			"OVER (PARTITION BY %s ORDER BY timestamp) AS prev_ts "+
			"FROM %s WHERE %s) WHERE prev_ts > 0) WHERE gap > 0 GROUP BY %s "+
			"HAVING events >= ? AND stddev_gap / greatest(avg_gap, 1) <= ?",
		partition, partition, partition, partition, eventsTable, where, partition)

	args = append(args, spec.Params.Threshold, spec.Params.MaxVarianceRatio)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: pair,
	}, nil
}

// compileSequence handles both sequence and chain rules; chain additionally
// demands the steps land on distinct event sources.
func compileSequence(spec *Spec, from, to time.Time, distinctSources bool) (CompiledDetection, error) {
	entityRef, err := search.ColumnRef(spec.Params.Entity)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, whereArgs, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	budget := int(spec.Params.StepTimeout.Seconds())
	if budget < 1 {
		budget = 1
	}

	// sequenceMatch pattern: (?1)(?t<=N)(?2)... — the pattern must be a
	// constant string, so the validated integer budget is inlined.
	var pattern strings.Builder
	pattern.WriteString("(?1)")
	for i := 2; i <= len(spec.Params.Steps); i++ {
		fmt.Fprintf(&pattern, "(?t<=%d)(?%d)", budget, i)
	}

	conds := make([]string, len(spec.Params.Steps))
	var condArgs []interface{}
	for i, step := range spec.Params.Steps {
		sqlFrag, args, err := search.CompileExpr(step)
		if err != nil {
			return CompiledDetection{}, err
		}
		conds[i] = sqlFrag
		condArgs = append(condArgs, args...)
	}

	having := fmt.Sprintf("sequenceMatch('%s')(timestamp, %s) = 1",
		pattern.String(), strings.Join(conds, ", "))
	if distinctSources {
		having += " AND uniqExact(source) >= ?"
	}

	sql := fmt.Sprintf("SELECT %s, count() AS events FROM %s WHERE %s GROUP BY %s HAVING %s",
		entityRef, eventsTable, where, entityRef, having)

	args := append(append([]interface{}{}, whereArgs...), condArgs...)
	if distinctSources {
		args = append(args, len(spec.Params.Steps))
	}

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: []string{spec.Params.Entity},
	}, nil
}

func compileSequenceAbsence(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	entityRef, err := search.ColumnRef(spec.Params.Entity)
	if err != nil {
		return CompiledDetection{}, err
	}
	trigger, triggerArgs, err := search.CompileExpr(spec.Params.TriggerStep)
	if err != nil {
		return CompiledDetection{}, err
	}
	follow, followArgs, err := search.CompileExpr(spec.Params.FollowStep)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, whereArgs, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	deadline := int(spec.Params.Deadline.Seconds())
	if deadline < 1 {
		deadline = 1
	}

	// Entities with a trigger but no follow-up inside the deadline.
	sql := fmt.Sprintf(
		"SELECT %s, countIf(%s) AS triggers FROM %s WHERE %s GROUP BY %s "+
			"HAVING triggers > 0 AND sequenceMatch('(?1)(?t<=%d)(?2)')(timestamp, %s, %s) = 0",
		entityRef, trigger, eventsTable, where, entityRef, deadline, trigger, follow)

	// Placeholder order follows textual order: SELECT countIf, WHERE,
	// then the HAVING sequenceMatch conditions.
	args := append([]interface{}{}, triggerArgs...)
	args = append(args, whereArgs...)
	args = append(args, triggerArgs...)
	args = append(args, followArgs...)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: []string{spec.Params.Entity},
	}, nil
}

func compileSpread(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	dimRef, err := search.ColumnRef(spec.Params.Dimension)
	if err != nil {
		return CompiledDetection{}, err
	}
	refs, err := groupRefs(spec.By)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, args, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	sql := fmt.Sprintf(
		"SELECT %suniqExact(%s) AS spread FROM %s WHERE %s%s HAVING spread >= ?",
		selectPrefix(refs), dimRef, eventsTable, where, groupByClause(refs))
	args = append(args, spec.Params.Threshold)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: spec.By,
	}, nil
}

func compilePeerOut(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	where, args, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	// Per-source/peer byte totals against the source's per-peer average;
	// a single peer drawing PeerFactor times the average stands out.
	sql := fmt.Sprintf(
		"SELECT source_ip, destination_ip, total_bytes, avg_bytes FROM ("+
			"SELECT source_ip, destination_ip, sum(bytes_out) AS total_bytes, "+
			"avg(sum(bytes_out)) OVER (PARTITION BY source_ip) AS avg_bytes "+
			"FROM %s WHERE %s GROUP BY source_ip, destination_ip) "+
			"WHERE total_bytes > 0 AND total_bytes >= avg_bytes * ?",
		eventsTable, where)
	args = append(args, spec.Params.PeerFactor)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: []string{"source_ip", "destination_ip"},
	}, nil
}

func compileBurst(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	refs, err := groupRefs(spec.By)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, args, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	subSeconds := int(spec.Params.SubWindow.Seconds())
	if subSeconds < 1 {
		subSeconds = 1
	}

	innerGroup := " GROUP BY bucket"
	outerGroup := ""
	if len(refs) > 0 {
		innerGroup = " GROUP BY " + strings.Join(refs, ", ") + ", bucket"
		outerGroup = groupByClause(refs)
	}

	sql := fmt.Sprintf(
		"SELECT %smax(bucket_hits) AS peak_hits FROM ("+
			"SELECT %stoStartOfInterval(timestamp, INTERVAL %d SECOND) AS bucket, count() AS bucket_hits "+
			"FROM %s WHERE %s%s)%s HAVING peak_hits >= ?",
		selectPrefix(refs), selectPrefix(refs), subSeconds, eventsTable, where, innerGroup, outerGroup)
	args = append(args, spec.Params.Threshold)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: spec.By,
	}, nil
}

func compileTimeOfDay(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	refs, err := groupRefs(spec.By)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, whereArgs, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	sql := fmt.Sprintf(
		"SELECT %scountIf(toHour(timestamp) < ? OR toHour(timestamp) >= ?) AS offhours_hits "+
			"FROM %s WHERE %s%s HAVING offhours_hits >= ?",
		selectPrefix(refs), eventsTable, where, groupByClause(refs))

	args := []interface{}{spec.Params.AllowedStartHour, spec.Params.AllowedEndHour}
	args = append(args, whereArgs...)
	args = append(args, spec.Params.Threshold)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: spec.By,
	}, nil
}

func compileTravel(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	entityRef, err := search.ColumnRef(spec.Params.Entity)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, args, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	// Consecutive authentications per entity; implied ground speed above
	// the configured limit marks the pair implausible. greatCircleDistance
	// returns meters, the timestamp delta is converted to hours.
	sql := fmt.Sprintf(
		"SELECT %s, count() AS hops, max(speed) AS max_speed FROM ("+
			"SELECT %s, greatCircleDistance(prev_lon, prev_lat, geo_lon, geo_lat) / 1000 "+
			"/ greatest((toUnixTimestamp(timestamp) - toUnixTimestamp(prev_ts)) / 3600, 0.001) AS speed FROM ("+
			"SELECT %s, timestamp, geo_lat, geo_lon, "+
			"lagInFrame(timestamp) OVER w AS prev_ts, "+
			"lagInFrame(geo_lat) OVER w AS prev_lat, "+
			"lagInFrame(geo_lon) OVER w AS prev_lon "+
			"FROM %s WHERE %s AND event_type = 'authentication' "+
			"WINDOW w AS (PARTITION BY %s ORDER BY timestamp)) "+
			"WHERE toUnixTimestamp(prev_ts) > 0) "+
			"WHERE speed > ? GROUP BY %s",
		entityRef, entityRef, entityRef, eventsTable, where, entityRef, entityRef)
	args = append(args, spec.Params.SpeedKmh)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: []string{spec.Params.Entity},
	}, nil
}

func compileLexicalAnomaly(spec *Spec, from, to time.Time) (CompiledDetection, error) {
	fieldRef, err := search.ColumnRef(spec.Params.Field)
	if err != nil {
		return CompiledDetection{}, err
	}
	refs, err := groupRefs(spec.By)
	if err != nil {
		return CompiledDetection{}, err
	}
	where, args, err := baseWhere(spec, from, to)
	if err != nil {
		return CompiledDetection{}, err
	}

	minDistinct := spec.Params.Threshold
	if minDistinct < 1 {
		minDistinct = 20
	}

	// Shannon entropy of the observed value distribution per group; DGA
	// style churn drives it up.
	sql := fmt.Sprintf(
		"SELECT %sentropy(%s) AS value_entropy, uniqExact(%s) AS distinct_values "+
			"FROM %s WHERE %s%s HAVING distinct_values >= ? AND value_entropy >= ?",
		selectPrefix(refs), fieldRef, fieldRef, eventsTable, where, groupByClause(refs))
	args = append(args, minDistinct, spec.Params.EntropyMin)

	return CompiledDetection{
		CompiledQuery: search.CompiledQuery{SQL: sql, WhereSQL: where, Args: args},
		EntityColumns: spec.By,
	}, nil
}
