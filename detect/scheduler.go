package detect

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/search"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RuleStore is the control-plane surface the scheduler needs: the enabled
// detection set and per-rule bookkeeping.
type RuleStore interface {
	ListEnabledDetections(ctx context.Context) ([]*Record, error)
	GetRuleState(ctx context.Context, ruleID string) (*core.RuleState, error)
	SaveRuleState(ctx context.Context, st *core.RuleState) error
}

// DataStore is the data-plane surface: detection execution, alert writes
// and run audit rows.
type DataStore interface {
	ExecuteDetection(ctx context.Context, sql string, args []interface{}) ([]map[string]interface{}, error)
	InsertAlerts(ctx context.Context, alerts []*core.Alert) error
	InsertDetectionRun(ctx context.Context, run *core.DetectionRun) error
}

// SchedulerConfig holds the scheduler knobs.
type SchedulerConfig struct {
	TickInterval       time.Duration
	MaxConcurrentRules int
	// AlertBatchLimit caps alerts emitted per rule per run; overflow rows
	// are dropped with a warning rather than flooding the alert store
	AlertBatchLimit int
}

// Scheduler drives periodic detection evaluation. Each tick it loads the
// enabled detections, runs the due ones concurrently (bounded by a
// semaphore) and advances per-rule watermarks only on success. One failing
// rule never stops the tick: the error is recorded in rule state and the
// loop moves on.
type Scheduler struct {
	config     SchedulerConfig
	rules      RuleStore
	data       DataStore
	resilience *core.Resilience
	logger     *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
	sem    chan struct{}

	// now is injectable for tests
	now func() time.Time
}

// NewScheduler wires a scheduler. It does not start ticking until Start.
func NewScheduler(config SchedulerConfig, rules RuleStore, data DataStore, res *core.Resilience, logger *zap.SugaredLogger) *Scheduler {
	if config.MaxConcurrentRules < 1 {
		config.MaxConcurrentRules = 4
	}
	if config.AlertBatchLimit < 1 {
		config.AlertBatchLimit = 50
	}
	return &Scheduler{
		config:     config,
		rules:      rules,
		data:       data,
		resilience: res,
		logger:     logger,
		stopCh:     make(chan struct{}),
		sem:        make(chan struct{}, config.MaxConcurrentRules),
		now:        time.Now,
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Detection scheduler started",
		"tick_interval", s.config.TickInterval,
		"max_concurrent_rules", s.config.MaxConcurrentRules)
}

// Stop signals the loop and waits for in-flight rule runs to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Detection scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick evaluates every due detection once. Exported so tests and a future
// run-now endpoint can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	recs, err := s.rules.ListEnabledDetections(ctx)
	if err != nil {
		s.logger.Errorw("Failed to list enabled detections", "error", err)
		return
	}

	now := s.now().UTC()
	var tickWG sync.WaitGroup
	var behindMu sync.Mutex
	maxBehind := 0.0

	for _, rec := range recs {
		state, err := s.rules.GetRuleState(ctx, rec.ID)
		if err != nil {
			s.logger.Errorw("Failed to load rule state", "rule_id", rec.ID, "error", err)
			continue
		}
		if !IsDue(rec.Schedule, now, state.LastRunTS) {
			continue
		}

		tickWG.Add(1)
		s.sem <- struct{}{}
		go func() {
			defer tickWG.Done()
			defer func() { <-s.sem }()
			behind := s.runRule(ctx, rec, state, now)
			behindMu.Lock()
			if behind > maxBehind {
				maxBehind = behind
			}
			behindMu.Unlock()
		}()
	}

	tickWG.Wait()
	metrics.SchedulerWindowsBehind.Set(maxBehind)
}

// runRule executes one detection end to end and returns how many windows
// its watermark trails now.
func (s *Scheduler) runRule(ctx context.Context, rec *Record, state *core.RuleState, now time.Time) float64 {
	start := s.now()
	ruleType := rec.RuleType

	spec, err := rec.ToSpec()
	if err != nil {
		s.logger.Warnw("Skipping invalid detection", "rule_id", rec.ID, "error", err)
		metrics.RuleRuns.WithLabelValues(ruleType, "invalid").Inc()
		s.saveState(ctx, rec, state, now, time.Time{}, err)
		return 0
	}

	if err := s.resilience.Limiter.CheckErr(ctx, spec.TenantID, "scheduler"); err != nil {
		s.logger.Warnw("Detection run rate limited", "rule_id", spec.ID, "tenant_id", spec.TenantID, "error", err)
		metrics.RuleRuns.WithLabelValues(ruleType, "rate_limited").Inc()
		return windowsBehind(state.Watermark, now, spec.Window)
	}

	to := now
	from := to.Add(-spec.Window)
	// Resume from the watermark when it falls inside the window, so a
	// late tick does not re-alert on already-processed data.
	if !state.Watermark.IsZero() && state.Watermark.After(from) && state.Watermark.Before(to) {
		from = state.Watermark
	}

	run := &core.DetectionRun{
		ID:          uuid.NewString(),
		DetectionID: spec.ID,
		TenantID:    spec.TenantID,
		StartedAt:   start.UTC(),
		Status:      core.RunStatusRunning,
	}
	if err := s.data.InsertDetectionRun(ctx, run); err != nil {
		s.logger.Warnw("Failed to record run start", "rule_id", spec.ID, "error", err)
	}

	rows, err := s.execute(ctx, spec, from, to)
	if err != nil && core.IsRetryable(err) {
		// Transient store failures get one immediate retry; anything still
		// failing waits for the next tick.
		s.logger.Warnw("Retrying detection run after transient failure",
			"rule_id", spec.ID, "error", err)
		rows, err = s.execute(ctx, spec, from, to)
	}
	duration := s.now().Sub(start)
	metrics.SchedulerRuleDuration.WithLabelValues(ruleType).Observe(duration.Seconds())

	if err != nil {
		s.logger.Errorw("Detection run failed",
			"rule_id", spec.ID, "rule_type", ruleType, "error", err, "duration", duration)
		metrics.RuleRuns.WithLabelValues(ruleType, "error").Inc()
		s.finishRun(ctx, run, core.RunStatusFailed, 0, err)
		s.saveState(ctx, rec, state, now, time.Time{}, err)
		return windowsBehind(state.Watermark, now, spec.Window)
	}

	alerts := s.buildAlerts(spec, rows, to)
	if len(alerts) > 0 {
		err = s.resilience.Execute(ctx, "insert_alerts", func(callCtx context.Context) error {
			return s.data.InsertAlerts(callCtx, alerts)
		})
		if err != nil {
			s.logger.Errorw("Failed to write alerts", "rule_id", spec.ID, "count", len(alerts), "error", err)
			metrics.RuleRuns.WithLabelValues(ruleType, "error").Inc()
			s.finishRun(ctx, run, core.RunStatusFailed, uint64(len(rows)), err)
			s.saveState(ctx, rec, state, now, time.Time{}, err)
			return windowsBehind(state.Watermark, now, spec.Window)
		}
		metrics.AlertsWritten.WithLabelValues("scheduler").Add(float64(len(alerts)))
	}

	metrics.RuleRuns.WithLabelValues(ruleType, "ok").Inc()
	s.finishRun(ctx, run, core.RunStatusFinished, uint64(len(rows)), nil)
	s.saveState(ctx, rec, state, now, to, nil)

	s.logger.Debugw("Detection run finished",
		"rule_id", spec.ID, "rule_type", ruleType, "rows", len(rows),
		"alerts", len(alerts), "duration", duration)
	return 0
}

func (s *Scheduler) execute(ctx context.Context, spec *Spec, from, to time.Time) ([]map[string]interface{}, error) {
	cd, err := CompileDetection(spec, from, to)
	if err != nil {
		return nil, err
	}

	var rows []map[string]interface{}
	err = s.resilience.Execute(ctx, "detection_query", func(callCtx context.Context) error {
		var execErr error
		rows, execErr = s.data.ExecuteDetection(callCtx, cd.SQL, cd.Args)
		return execErr
	})
	if err != nil {
		return nil, err
	}

	// The entity columns must appear in the result or alert identity breaks.
	if len(rows) > 0 {
		for _, col := range entityResultColumns(cd.EntityColumns) {
			if _, ok := rows[0][col]; !ok {
				return nil, core.NewCompileError(string(spec.RuleType),
					fmt.Sprintf("result is missing entity column %q", col))
			}
		}
	}
	return rows, nil
}

// buildAlerts converts grouped result rows into alerts with deterministic
// ids. Output is capped at AlertBatchLimit per run.
func (s *Scheduler) buildAlerts(spec *Spec, rows []map[string]interface{}, windowEnd time.Time) []*core.Alert {
	if len(rows) == 0 {
		return nil
	}
	if len(rows) > s.config.AlertBatchLimit {
		s.logger.Warnw("Alert batch capped",
			"rule_id", spec.ID, "rows", len(rows), "limit", s.config.AlertBatchLimit)
		rows = rows[:s.config.AlertBatchLimit]
	}

	createdAt := s.now().UTC()
	entityCols := entityResultColumns(spec.entityColumns())

	alerts := make([]*core.Alert, 0, len(rows))
	for _, row := range rows {
		entityKeys := make(map[string]string, len(entityCols))
		for _, col := range entityCols {
			if v, ok := row[col]; ok {
				entityKeys[col] = fmt.Sprint(v)
			}
		}

		payload := make(map[string]any, len(row))
		for k, v := range row {
			payload[k] = v
		}

		alerts = append(alerts, &core.Alert{
			AlertID:     core.ComputeBatchAlertID(spec.ID, spec.TenantID, entityKeys, windowEnd),
			DetectionID: spec.ID,
			RuleType:    string(spec.RuleType),
			TenantID:    spec.TenantID,
			Severity:    spec.EffectiveSeverity(),
			Status:      core.AlertStatusOpen,
			OccurredAt:  windowEnd,
			CreatedAt:   createdAt,
			EntityKeys:  entityKeys,
			Payload:     payload,
			DedupKey:    core.ComputeIncidentID(spec.TenantID, spec.ID, entityKeys),
		})
	}
	return alerts
}

func (s *Scheduler) finishRun(ctx context.Context, run *core.DetectionRun, status string, rows uint64, runErr error) {
	finished := *run
	finished.FinishedAt = s.now().UTC()
	finished.Status = status
	finished.Rows = rows
	if runErr != nil {
		finished.Error = runErr.Error()
	}
	if err := s.data.InsertDetectionRun(ctx, &finished); err != nil {
		s.logger.Warnw("Failed to record run finish", "run_id", run.ID, "error", err)
	}
}

// saveState records the outcome of the run. The watermark only moves on a
// successful run (watermark carries the new window end then).
func (s *Scheduler) saveState(ctx context.Context, rec *Record, state *core.RuleState, now, watermark time.Time, runErr error) {
	st := *state
	st.RuleID = rec.ID
	st.TenantID = rec.TenantID
	st.LastRunTS = now
	if runErr != nil {
		st.LastError = runErr.Error()
	} else {
		st.LastError = ""
		st.LastSuccessTS = now
		st.Watermark = watermark
	}
	if err := s.rules.SaveRuleState(ctx, &st); err != nil {
		s.logger.Errorw("Failed to save rule state", "rule_id", rec.ID, "error", err)
	}
}

// windowsBehind reports how many evaluation windows the watermark trails now.
func windowsBehind(watermark, now time.Time, window time.Duration) float64 {
	if watermark.IsZero() || window <= 0 {
		return 0
	}
	behind := now.Sub(watermark)
	if behind <= 0 {
		return 0
	}
	return behind.Seconds() / window.Seconds()
}

// entityColumns mirrors the compiler's per-type entity projection so alert
// identity can be computed without recompiling.
func (s *Spec) entityColumns() []string {
	switch s.RuleType {
	case RuleFirstSeen, RuleSequence, RuleChain, RuleSequenceAbsence, RuleTravel:
		return []string{s.Params.Entity}
	case RuleBeaconing:
		if len(s.By) == 2 {
			return s.By
		}
		return []string{"source_ip", "destination_ip"}
	case RulePeerOut:
		return []string{"source_ip", "destination_ip"}
	default:
		return s.By
	}
}

// entityResultColumns resolves the aliases a result row actually carries:
// the compiler emits canonical column names, so aliases like "user" come
// back as "user_name".
func entityResultColumns(cols []string) []string {
	out := make([]string, 0, len(cols))
	seen := map[string]bool{}
	for _, col := range cols {
		name := col
		if ref, err := resolveEntityColumn(col); err == nil {
			name = ref
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func resolveEntityColumn(col string) (string, error) {
	ref, err := search.ColumnRef(col)
	if err != nil {
		return "", err
	}
	// JSON extraction references are returned verbatim by the store under
	// the full expression; keep the stored name stable instead.
	if strings.Contains(ref, "(") {
		return col, nil
	}
	return ref, nil
}
