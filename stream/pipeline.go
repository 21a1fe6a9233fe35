package stream

import (
	"context"
	"sync"
	"time"

	"argus/core"
	"argus/detect"
	"argus/metrics"

	"go.uber.org/zap"
)

// Envelope is one event in flight with its stream position. Pos is
// monotonic per source and feeds the deterministic alert id, so a
// redelivered envelope produces the same alert.
type Envelope struct {
	Pos   uint64
	Event *core.Event
}

// AlertSink receives alerts produced by the pipeline.
type AlertSink interface {
	InsertAlerts(ctx context.Context, alerts []*core.Alert) error
}

// SpecSource supplies the current realtime detection set.
type SpecSource interface {
	ListEnabledDetections(ctx context.Context) ([]*detect.Record, error)
}

// PipelineConfig holds the queue and backpressure knobs.
type PipelineConfig struct {
	QueueSize int
	// HighWater raises the backpressure signal; LowWater clears it
	HighWater int
	LowWater  int
	// SpecRefresh is how often the realtime spec set is reloaded
	SpecRefresh time.Duration
	Matcher     MatcherConfig
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueueSize:   4096,
		HighWater:   3072,
		LowWater:    1024,
		SpecRefresh: 30 * time.Second,
		Matcher:     DefaultMatcherConfig(),
	}
}

// Pipeline evaluates realtime detections against the event stream. A
// bounded queue feeds one evaluation goroutine; queue depth drives a
// high/low-water backpressure signal the producer can poll to slow down.
// Evaluation never drops an envelope silently: a full queue is reported to
// the producer, and per-spec evaluation errors are counted and logged while
// the envelope still completes.
type Pipeline struct {
	config  PipelineConfig
	matcher *Matcher
	specs   SpecSource
	sink    AlertSink
	logger  *zap.SugaredLogger

	queue  chan Envelope
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu           sync.Mutex
	backpressure bool
	realtime     []*compiledSpec

	// now is injectable for tests
	now func() time.Time
}

type compiledSpec struct {
	spec *detect.Spec
}

// NewPipeline wires a pipeline. Start launches the workers.
func NewPipeline(config PipelineConfig, specs SpecSource, sink AlertSink, logger *zap.SugaredLogger) (*Pipeline, error) {
	if config.QueueSize < 1 {
		config = DefaultPipelineConfig()
	}
	matcher, err := NewMatcher(config.Matcher)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		config:  config,
		matcher: matcher,
		specs:   specs,
		sink:    sink,
		logger:  logger,
		queue:   make(chan Envelope, config.QueueSize),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}, nil
}

// Start loads the realtime spec set and launches the evaluation loop and
// the periodic spec reloader.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.ReloadSpecs(ctx); err != nil {
		return err
	}

	p.wg.Add(2)
	go p.evalLoop()
	go p.reloadLoop()

	p.logger.Infow("Stream pipeline started",
		"queue_size", p.config.QueueSize,
		"high_water", p.config.HighWater,
		"low_water", p.config.LowWater)
	return nil
}

// Stop drains nothing: queued envelopes past the stop signal are dropped
// and will be redelivered by the producer on restart (alert ids are
// deterministic, so redelivery is safe).
func (p *Pipeline) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("Stream pipeline stopped")
}

// Enqueue offers one envelope. A full queue returns false immediately; the
// producer must hold the envelope and retry after backpressure clears.
func (p *Pipeline) Enqueue(env Envelope) bool {
	select {
	case p.queue <- env:
		p.updateWatermarks(len(p.queue))
		return true
	default:
		p.setBackpressure(true)
		return false
	}
}

// Backpressured reports the current backpressure signal. It rises when the
// queue passes HighWater and clears only after draining below LowWater.
func (p *Pipeline) Backpressured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backpressure
}

// ReloadSpecs refreshes the realtime detection set. Specs that fail to
// parse are skipped with a warning; one bad spec must not take down the
// stream path.
func (p *Pipeline) ReloadSpecs(ctx context.Context) error {
	recs, err := p.specs.ListEnabledDetections(ctx)
	if err != nil {
		return err
	}

	compiled := make([]*compiledSpec, 0, len(recs))
	for _, rec := range recs {
		if !rec.Realtime {
			continue
		}
		spec, err := rec.ToSpec()
		if err != nil {
			p.logger.Warnw("Skipping unparseable realtime detection", "rule_id", rec.ID, "error", err)
			continue
		}
		if spec.Where == nil {
			p.logger.Warnw("Skipping realtime detection without predicate", "rule_id", rec.ID)
			continue
		}
		compiled = append(compiled, &compiledSpec{spec: spec})
	}

	p.mu.Lock()
	p.realtime = compiled
	p.mu.Unlock()

	p.logger.Debugw("Realtime spec set reloaded", "count", len(compiled))
	return nil
}

func (p *Pipeline) reloadLoop() {
	defer p.wg.Done()

	interval := p.config.SpecRefresh
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.ReloadSpecs(context.Background()); err != nil {
				p.logger.Warnw("Realtime spec reload failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) evalLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case env := <-p.queue:
			p.updateWatermarks(len(p.queue))
			p.process(context.Background(), env)
		}
	}
}

// process evaluates one envelope against every realtime spec. The envelope
// is acknowledged exactly once, after all specs were attempted.
func (p *Pipeline) process(ctx context.Context, env Envelope) {
	start := p.now()

	p.mu.Lock()
	specs := p.realtime
	p.mu.Unlock()

	event := env.Event
	var alerts []*core.Alert
	for _, cs := range specs {
		spec := cs.spec
		if spec.TenantID != event.TenantID {
			continue
		}
		matched, err := p.matcher.EvalWhere(spec.Where, event)
		if err != nil {
			metrics.StreamEvalErrors.Inc()
			p.logger.Warnw("Stream evaluation error",
				"rule_id", spec.ID, "event_id", event.EventID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		metrics.StreamMatches.Inc()
		alerts = append(alerts, p.buildAlert(spec, env))
	}

	if len(alerts) > 0 {
		if err := p.sink.InsertAlerts(ctx, alerts); err != nil {
			// Deterministic ids make a retry on the next delivery safe.
			p.logger.Errorw("Failed to write stream alerts",
				"event_id", event.EventID, "count", len(alerts), "error", err)
		} else {
			metrics.AlertsWritten.WithLabelValues("stream").Add(float64(len(alerts)))
		}
	}

	metrics.StreamAcks.Inc()
	metrics.StreamEvalDuration.Observe(p.now().Sub(start).Seconds())
}

func (p *Pipeline) buildAlert(spec *detect.Spec, env Envelope) *core.Alert {
	event := env.Event
	entityKeys := map[string]string{"event_id": event.EventID}
	if event.UserName != "" {
		entityKeys["user_name"] = event.UserName
	}
	if event.SourceIP != "" {
		entityKeys["source_ip"] = event.SourceIP
	}
	if event.Host != "" {
		entityKeys["host"] = event.Host
	}

	return &core.Alert{
		AlertID:     core.ComputeAlertID(spec.ID, spec.TenantID, event.EventID, env.Pos),
		DetectionID: spec.ID,
		RuleType:    string(spec.RuleType),
		TenantID:    spec.TenantID,
		Severity:    spec.EffectiveSeverity(),
		Status:      core.AlertStatusOpen,
		OccurredAt:  event.Timestamp,
		CreatedAt:   p.now().UTC(),
		EntityKeys:  entityKeys,
		Payload: map[string]any{
			"event_id":   event.EventID,
			"message":    event.Message,
			"source":     event.Source,
			"event_type": event.EventType,
			"stream_pos": env.Pos,
		},
		DedupKey: core.ComputeIncidentID(spec.TenantID, spec.ID, entityKeys),
	}
}

// updateWatermarks maintains the pending gauge and the hysteresis between
// the high and low water marks.
func (p *Pipeline) updateWatermarks(pending int) {
	metrics.StreamPending.Set(float64(pending))

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.backpressure && pending >= p.config.HighWater {
		p.backpressure = true
		metrics.StreamBackpressureEvents.Inc()
		p.logger.Warnw("Stream backpressure raised", "pending", pending)
	} else if p.backpressure && pending <= p.config.LowWater {
		p.backpressure = false
		p.logger.Infow("Stream backpressure cleared", "pending", pending)
	}
}

func (p *Pipeline) setBackpressure(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on && !p.backpressure {
		p.backpressure = true
		metrics.StreamBackpressureEvents.Inc()
		p.logger.Warn("Stream queue full, backpressure raised")
	}
}
