package incident

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"argus/core"

	"go.uber.org/zap"
)

// aggregatorWatermark names the progress row in the control-plane store.
const aggregatorWatermark = "incident_aggregator"

// entityProjection lists the entity key names that participate in incident
// identity. Other keys (raw result columns, event ids) ride along in the
// alert but do not fragment incidents.
var entityProjection = []string{"user_name", "source_ip", "destination_ip", "host"}

// AlertStore is the data-plane surface the aggregator reads and writes.
type AlertStore interface {
	OpenAlertsSince(ctx context.Context, watermark time.Time, limit int) ([]*core.Alert, error)
	LinkAlerts(ctx context.Context, incidentID string, alerts []*core.Alert) error
	UpsertIncident(ctx context.Context, inc *core.Incident) error
	GetIncident(ctx context.Context, tenantID, incidentID string) (*core.Incident, error)
}

// WatermarkStore persists aggregator progress.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, name string) (time.Time, error)
	SetWatermark(ctx context.Context, name string, ts time.Time) error
}

// Config holds the aggregator knobs.
type Config struct {
	Interval   time.Duration
	BatchLimit int
}

// Aggregator folds open alerts into incidents on a fixed interval. Alerts
// sharing tenant, rule and entity projection land in the same incident; the
// deterministic incident id makes the upsert idempotent, so reprocessing a
// batch after a crash merges instead of duplicating. The watermark advances
// only after every group in the batch was written, so a partial failure is
// retried in full on the next pass.
type Aggregator struct {
	config     Config
	alerts     AlertStore
	watermarks WatermarkStore
	resilience *core.Resilience
	logger     *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup

	// now is injectable for tests
	now func() time.Time
}

// NewAggregator wires an aggregator. Start launches the loop.
func NewAggregator(config Config, alerts AlertStore, watermarks WatermarkStore, res *core.Resilience, logger *zap.SugaredLogger) *Aggregator {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 1000
	}
	return &Aggregator{
		config:     config,
		alerts:     alerts,
		watermarks: watermarks,
		resilience: res,
		logger:     logger,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the aggregation loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.run()
	a.logger.Infow("Incident aggregator started", "interval", a.config.Interval)
}

// Stop signals the loop and waits for the in-flight pass to finish.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info("Incident aggregator stopped")
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.RunOnce(context.Background()); err != nil {
				a.logger.Errorw("Incident aggregation pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one aggregation pass. Exported for tests and operational
// tooling.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	watermark, err := a.watermarks.GetWatermark(ctx, aggregatorWatermark)
	if err != nil {
		return err
	}

	var alerts []*core.Alert
	err = a.resilience.Execute(ctx, "open_alerts", func(callCtx context.Context) error {
		var readErr error
		alerts, readErr = a.alerts.OpenAlertsSince(callCtx, watermark, a.config.BatchLimit)
		return readErr
	})
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}

	groups := groupAlerts(alerts)

	var maxCreated time.Time
	for _, g := range groups {
		if err := a.mergeGroup(ctx, g); err != nil {
			// Watermark does not move; the whole batch is retried next pass.
			return fmt.Errorf("failed to merge incident group %s: %w", g.incidentID, err)
		}
		for _, alert := range g.alerts {
			if alert.CreatedAt.After(maxCreated) {
				maxCreated = alert.CreatedAt
			}
		}
	}

	// Advance past the newest processed alert. Equal timestamps landing
	// later are re-read and merge idempotently.
	if err := a.watermarks.SetWatermark(ctx, aggregatorWatermark, maxCreated); err != nil {
		return err
	}

	a.logger.Debugw("Incident aggregation pass finished",
		"alerts", len(alerts), "groups", len(groups), "watermark", maxCreated)
	return nil
}

type alertGroup struct {
	incidentID string
	tenantID   string
	ruleID     string
	entities   map[string]string
	alerts     []*core.Alert
}

// groupAlerts buckets alerts by (tenant, rule, projected entity set).
// Output order is deterministic for stable retries and tests.
func groupAlerts(alerts []*core.Alert) []*alertGroup {
	byID := make(map[string]*alertGroup)
	for _, alert := range alerts {
		entities := projectEntities(alert.EntityKeys)
		id := core.ComputeIncidentID(alert.TenantID, alert.DetectionID, entities)
		g, ok := byID[id]
		if !ok {
			g = &alertGroup{
				incidentID: id,
				tenantID:   alert.TenantID,
				ruleID:     alert.DetectionID,
				entities:   entities,
			}
			byID[id] = g
		}
		g.alerts = append(g.alerts, alert)
	}

	groups := make([]*alertGroup, 0, len(byID))
	for _, g := range byID {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].incidentID < groups[j].incidentID })
	return groups
}

// projectEntities keeps only identity-bearing keys. Alerts with none of
// them fall back to the full entity set so they still group consistently.
func projectEntities(entityKeys map[string]string) map[string]string {
	projected := make(map[string]string)
	for _, key := range entityProjection {
		if v, ok := entityKeys[key]; ok && v != "" {
			projected[key] = v
		}
	}
	if len(projected) == 0 {
		for k, v := range entityKeys {
			if v != "" {
				projected[k] = v
			}
		}
	}
	return projected
}

// mergeGroup folds one group into its incident and links the alerts.
func (a *Aggregator) mergeGroup(ctx context.Context, g *alertGroup) error {
	var existing *core.Incident
	err := a.resilience.Execute(ctx, "get_incident", func(callCtx context.Context) error {
		var readErr error
		existing, readErr = a.alerts.GetIncident(callCtx, g.tenantID, g.incidentID)
		return readErr
	})
	if err != nil {
		return err
	}

	now := a.now().UTC()
	inc := existing
	if inc == nil {
		inc = &core.Incident{
			IncidentID: g.incidentID,
			TenantID:   g.tenantID,
			Title:      incidentTitle(g),
			Status:     "open",
			Entities:   g.entities,
			RuleIDs:    []string{g.ruleID},
			CreatedAt:  now,
		}
	}

	for _, alert := range g.alerts {
		inc.Severity = core.MaxSeverity(inc.Severity, alert.Severity)
		if inc.FirstAlertTS.IsZero() || alert.OccurredAt.Before(inc.FirstAlertTS) {
			inc.FirstAlertTS = alert.OccurredAt
		}
		if alert.OccurredAt.After(inc.LastAlertTS) {
			inc.LastAlertTS = alert.OccurredAt
		}
	}
	inc.AlertCount += uint64(len(g.alerts))
	inc.RuleIDs = mergeRuleIDs(inc.RuleIDs, g.ruleID)
	inc.UpdatedAt = now

	err = a.resilience.Execute(ctx, "upsert_incident", func(callCtx context.Context) error {
		return a.alerts.UpsertIncident(callCtx, inc)
	})
	if err != nil {
		return err
	}

	return a.resilience.Execute(ctx, "link_alerts", func(callCtx context.Context) error {
		return a.alerts.LinkAlerts(callCtx, g.incidentID, g.alerts)
	})
}

func mergeRuleIDs(existing []string, ruleID string) []string {
	for _, id := range existing {
		if id == ruleID {
			return existing
		}
	}
	out := append(append([]string{}, existing...), ruleID)
	sort.Strings(out)
	return out
}

// incidentTitle renders a stable human-readable title from the entity
// projection.
func incidentTitle(g *alertGroup) string {
	keys := make([]string, 0, len(g.entities))
	for k := range g.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, g.entities[k]))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Detections from rule %s", g.ruleID)
	}
	return fmt.Sprintf("Activity on %s (rule %s)", strings.Join(parts, ", "), g.ruleID)
}
