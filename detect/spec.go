package detect

import (
	"fmt"
	"time"

	"argus/core"
	"argus/search"

	"github.com/go-playground/validator/v10"
)

// RuleType enumerates the detection semantics the compiler knows how to
// translate. Dispatch on RuleType is exhaustive; an unknown type is a
// CompileError, never a silent no-op.
type RuleType string

const (
	RuleRollingThreshold RuleType = "rolling_threshold"
	RuleRatio            RuleType = "ratio"
	RuleFirstSeen        RuleType = "first_seen"
	RuleSpike            RuleType = "spike"
	RuleBeaconing        RuleType = "beaconing"
	RuleSequence         RuleType = "sequence"
	RuleSequenceAbsence  RuleType = "sequence_absence"
	RuleChain            RuleType = "chain"
	RuleSpread           RuleType = "spread"
	RulePeerOut          RuleType = "peer_out"
	RuleBurst            RuleType = "burst"
	RuleTimeOfDay        RuleType = "time_of_day"
	RuleTravel           RuleType = "travel"
	RuleLexicalAnomaly   RuleType = "lexical_anomaly"
)

// knownRuleTypes gates spec validation.
var knownRuleTypes = map[RuleType]bool{
	RuleRollingThreshold: true,
	RuleRatio:            true,
	RuleFirstSeen:        true,
	RuleSpike:            true,
	RuleBeaconing:        true,
	RuleSequence:         true,
	RuleSequenceAbsence:  true,
	RuleChain:            true,
	RuleSpread:           true,
	RulePeerOut:          true,
	RuleBurst:            true,
	RuleTimeOfDay:        true,
	RuleTravel:           true,
	RuleLexicalAnomaly:   true,
}

// Params carries the type-specific knobs. Only the fields the RuleType
// reads are meaningful; Validate enforces the per-type requirements.
type Params struct {
	// Threshold is the count bound for rolling_threshold, spread, burst,
	// time_of_day and the minimum event count for beaconing
	Threshold int `json:"threshold,omitempty"`

	// Ratio: numerator/denominator conditions and the upper bound
	RatioA   *search.Expr `json:"-"`
	RatioB   *search.Expr `json:"-"`
	RatioMax float64      `json:"ratio_max,omitempty"`

	// Spike: current window count must exceed baseline * Multiplier
	Multiplier float64 `json:"multiplier,omitempty"`

	// Sequence / chain: ordered step predicates and the per-entity budget
	Steps       []*search.Expr `json:"-"`
	StepTimeout time.Duration  `json:"step_timeout,omitempty"`

	// SequenceAbsence: trigger without required follow-up inside Deadline
	TriggerStep *search.Expr  `json:"-"`
	FollowStep  *search.Expr  `json:"-"`
	Deadline    time.Duration `json:"deadline,omitempty"`

	// Entity names the column identifying the tracked entity
	// (first_seen, sequence family, travel)
	Entity string `json:"entity,omitempty"`

	// Dimension is the spread dimension (distinct count target)
	Dimension string `json:"dimension,omitempty"`

	// Beaconing: stddev(gap)/avg(gap) must stay below this cap
	MaxVarianceRatio float64 `json:"max_variance_ratio,omitempty"`

	// PeerOut: per-peer bytes must reach PeerFactor times the source average
	PeerFactor float64 `json:"peer_factor,omitempty"`

	// Burst: sliding sub-window size
	SubWindow time.Duration `json:"sub_window,omitempty"`

	// TimeOfDay: allowed activity band, hours in [0,24)
	AllowedStartHour int `json:"allowed_start_hour,omitempty"`
	AllowedEndHour   int `json:"allowed_end_hour,omitempty"`

	// Travel: implied speed above this many km/h is implausible
	SpeedKmh float64 `json:"speed_kmh,omitempty"`

	// LexicalAnomaly: value-distribution entropy bound and observed field
	EntropyMin float64 `json:"entropy_min,omitempty"`
	Field      string  `json:"field,omitempty"`
}

// Spec is an immutable detection definition. Once compiled for a run it is
// never mutated; the scheduler owns all mutable state in RuleState.
type Spec struct {
	ID       string   `json:"id" validate:"required"`
	TenantID string   `json:"tenant_id" validate:"required"`
	Name     string   `json:"name" validate:"required"`
	RuleType RuleType `json:"rule_type" validate:"required"`
	Severity string   `json:"severity"`

	// Schedule is cron-lite: "@every 5m". Empty or disabled never fires.
	Schedule string `json:"schedule"`
	Enabled  bool   `json:"enabled"`

	// Realtime specs are additionally evaluated by the streaming matcher
	Realtime bool `json:"realtime"`

	// Window is the evaluation window; Lookback is the trailing baseline
	// for first_seen and spike
	Window   time.Duration `json:"window" validate:"required"`
	Lookback time.Duration `json:"lookback,omitempty"`

	// By lists grouping key columns, translated into GROUP BY
	By []string `json:"by,omitempty"`

	// Where is an optional pre-filter applied before aggregation
	Where *search.Expr `json:"-"`

	Params Params `json:"params"`
}

var specValidator = validator.New()

// Validate rejects malformed specs before compilation. Structural checks
// run through the validator tags; semantic per-type checks follow.
func (s *Spec) Validate() error {
	if err := specValidator.Struct(s); err != nil {
		return core.NewValidationError("spec", err.Error())
	}
	if !knownRuleTypes[s.RuleType] {
		return core.NewValidationError("rule_type", fmt.Sprintf("unknown rule type %q", s.RuleType))
	}
	if s.Window <= 0 {
		return core.NewValidationError("window", "must be positive")
	}
	if s.Where != nil {
		if err := s.Where.Validate(); err != nil {
			return err
		}
	}

	switch s.RuleType {
	case RuleRollingThreshold:
		if s.Params.Threshold < 1 {
			return core.NewValidationError("threshold", "must be at least 1")
		}
	case RuleRatio:
		if s.Params.RatioA == nil || s.Params.RatioB == nil {
			return core.NewValidationError("ratio", "both conditions are required")
		}
		if s.Params.RatioMax <= 0 {
			return core.NewValidationError("ratio_max", "must be positive")
		}
	case RuleFirstSeen:
		if s.Params.Entity == "" {
			return core.NewValidationError("entity", "required for first_seen")
		}
		if s.Lookback <= 0 {
			return core.NewValidationError("lookback", "required for first_seen")
		}
	case RuleSpike:
		if s.Params.Multiplier <= 1 {
			return core.NewValidationError("multiplier", "must be greater than 1")
		}
		if s.Lookback < s.Window {
			return core.NewValidationError("lookback", "must cover at least one window")
		}
	case RuleBeaconing:
		if s.Params.MaxVarianceRatio <= 0 {
			return core.NewValidationError("max_variance_ratio", "must be positive")
		}
		if s.Params.Threshold < 3 {
			return core.NewValidationError("threshold", "beaconing needs at least 3 events")
		}
	case RuleSequence, RuleChain:
		if len(s.Params.Steps) < 2 {
			return core.NewValidationError("steps", "at least 2 ordered steps required")
		}
		if len(s.Params.Steps) > maxSequenceSteps {
			return core.NewValidationError("steps", fmt.Sprintf("at most %d steps supported", maxSequenceSteps))
		}
		if s.Params.Entity == "" {
			return core.NewValidationError("entity", "required for sequence rules")
		}
		if s.Params.StepTimeout <= 0 {
			return core.NewValidationError("step_timeout", "must be positive")
		}
	case RuleSequenceAbsence:
		if s.Params.TriggerStep == nil || s.Params.FollowStep == nil {
			return core.NewValidationError("steps", "trigger and follow-up steps are required")
		}
		if s.Params.Entity == "" {
			return core.NewValidationError("entity", "required for sequence_absence")
		}
		if s.Params.Deadline <= 0 {
			return core.NewValidationError("deadline", "must be positive")
		}
	case RuleSpread:
		if s.Params.Dimension == "" {
			return core.NewValidationError("dimension", "required for spread")
		}
		if s.Params.Threshold < 1 {
			return core.NewValidationError("threshold", "must be at least 1")
		}
	case RulePeerOut:
		if s.Params.PeerFactor <= 1 {
			return core.NewValidationError("peer_factor", "must be greater than 1")
		}
	case RuleTravel:
		if s.Params.Entity == "" {
			return core.NewValidationError("entity", "required for travel")
		}
		if s.Params.SpeedKmh <= 0 {
			return core.NewValidationError("speed_kmh", "must be positive")
		}
	case RuleTimeOfDay:
		if s.Params.AllowedStartHour < 0 || s.Params.AllowedStartHour > 23 ||
			s.Params.AllowedEndHour < 1 || s.Params.AllowedEndHour > 24 ||
			s.Params.AllowedEndHour <= s.Params.AllowedStartHour {
			return core.NewValidationError("allowed_hours", "band must satisfy 0 <= start < end <= 24")
		}
		if s.Params.Threshold < 1 {
			return core.NewValidationError("threshold", "must be at least 1")
		}
	case RuleLexicalAnomaly:
		if s.Params.Field == "" {
			return core.NewValidationError("field", "required for lexical_anomaly")
		}
		if s.Params.EntropyMin <= 0 {
			return core.NewValidationError("entropy_min", "must be positive")
		}
	case RuleBurst:
		if s.Params.SubWindow <= 0 || s.Params.SubWindow >= s.Window {
			return core.NewValidationError("sub_window", "must be positive and smaller than window")
		}
		if s.Params.Threshold < 1 {
			return core.NewValidationError("threshold", "must be at least 1")
		}
	}

	return nil
}

// EffectiveSeverity defaults to medium when the spec leaves severity empty.
func (s *Spec) EffectiveSeverity() string {
	if s.Severity == "" {
		return core.SeverityMedium
	}
	return s.Severity
}
