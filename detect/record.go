package detect

import (
	"encoding/json"
	"time"

	"argus/core"
	"argus/search"
)

// RecordParams is the stored (wire) form of Params. Predicates are kept as
// query text and parsed at load time, so the control-plane rows stay plain
// strings and numbers.
type RecordParams struct {
	Threshold          int      `json:"threshold,omitempty"`
	RatioA             string   `json:"ratio_a,omitempty"`
	RatioB             string   `json:"ratio_b,omitempty"`
	RatioMax           float64  `json:"ratio_max,omitempty"`
	Multiplier         float64  `json:"multiplier,omitempty"`
	Steps              []string `json:"steps,omitempty"`
	StepTimeoutSeconds int      `json:"step_timeout_seconds,omitempty"`
	TriggerStep        string   `json:"trigger_step,omitempty"`
	FollowStep         string   `json:"follow_step,omitempty"`
	DeadlineSeconds    int      `json:"deadline_seconds,omitempty"`
	Entity             string   `json:"entity,omitempty"`
	Dimension          string   `json:"dimension,omitempty"`
	MaxVarianceRatio   float64  `json:"max_variance_ratio,omitempty"`
	PeerFactor         float64  `json:"peer_factor,omitempty"`
	SubWindowSeconds   int      `json:"sub_window_seconds,omitempty"`
	AllowedStartHour   int      `json:"allowed_start_hour,omitempty"`
	AllowedEndHour     int      `json:"allowed_end_hour,omitempty"`
	SpeedKmh           float64  `json:"speed_kmh,omitempty"`
	EntropyMin         float64  `json:"entropy_min,omitempty"`
	Field              string   `json:"field,omitempty"`
}

// Record is a detection as persisted in the control-plane store: durations
// in whole seconds, predicates as query text, params as one JSON document.
type Record struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Name            string       `json:"name"`
	RuleType        string       `json:"rule_type"`
	Severity        string       `json:"severity"`
	Schedule        string       `json:"schedule"`
	Enabled         bool         `json:"enabled"`
	Realtime        bool         `json:"realtime"`
	WindowSeconds   int          `json:"window_seconds"`
	LookbackSeconds int          `json:"lookback_seconds,omitempty"`
	By              []string     `json:"by,omitempty"`
	Where           string       `json:"where,omitempty"`
	Params          RecordParams `json:"params"`
}

// DecodeParams unmarshals a stored params document.
func DecodeParams(raw string) (RecordParams, error) {
	var p RecordParams
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, core.NewValidationError("params", err.Error())
	}
	return p, nil
}

// ToSpec parses the stored predicates and builds the in-memory spec. The
// result is validated before it is returned; a record that fails to parse
// never reaches the compiler.
func (r *Record) ToSpec() (*Spec, error) {
	spec := &Spec{
		ID:       r.ID,
		TenantID: r.TenantID,
		Name:     r.Name,
		RuleType: RuleType(r.RuleType),
		Severity: r.Severity,
		Schedule: r.Schedule,
		Enabled:  r.Enabled,
		Realtime: r.Realtime,
		Window:   time.Duration(r.WindowSeconds) * time.Second,
		Lookback: time.Duration(r.LookbackSeconds) * time.Second,
		By:       r.By,
	}

	var err error
	if spec.Where, err = parseOptional(r.Where, "where"); err != nil {
		return nil, err
	}

	p := r.Params
	spec.Params = Params{
		Threshold:        p.Threshold,
		RatioMax:         p.RatioMax,
		Multiplier:       p.Multiplier,
		StepTimeout:      time.Duration(p.StepTimeoutSeconds) * time.Second,
		Deadline:         time.Duration(p.DeadlineSeconds) * time.Second,
		Entity:           p.Entity,
		Dimension:        p.Dimension,
		MaxVarianceRatio: p.MaxVarianceRatio,
		PeerFactor:       p.PeerFactor,
		SubWindow:        time.Duration(p.SubWindowSeconds) * time.Second,
		AllowedStartHour: p.AllowedStartHour,
		AllowedEndHour:   p.AllowedEndHour,
		SpeedKmh:         p.SpeedKmh,
		EntropyMin:       p.EntropyMin,
		Field:            p.Field,
	}

	if spec.Params.RatioA, err = parseOptional(p.RatioA, "ratio_a"); err != nil {
		return nil, err
	}
	if spec.Params.RatioB, err = parseOptional(p.RatioB, "ratio_b"); err != nil {
		return nil, err
	}
	if spec.Params.TriggerStep, err = parseOptional(p.TriggerStep, "trigger_step"); err != nil {
		return nil, err
	}
	if spec.Params.FollowStep, err = parseOptional(p.FollowStep, "follow_step"); err != nil {
		return nil, err
	}
	for _, step := range p.Steps {
		expr, err := parseOptional(step, "steps")
		if err != nil {
			return nil, err
		}
		if expr == nil {
			return nil, core.NewValidationError("steps", "empty step predicate")
		}
		spec.Params.Steps = append(spec.Params.Steps, expr)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

func parseOptional(query, field string) (*search.Expr, error) {
	if query == "" {
		return nil, nil
	}
	expr, err := search.Parse(query)
	if err != nil {
		return nil, core.NewValidationError(field, err.Error())
	}
	return expr, nil
}
