package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"argus/core"
	"argus/search"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MatcherConfig bounds regex evaluation.
type MatcherConfig struct {
	// RegexTimeout aborts a single regex evaluation that runs too long
	RegexTimeout time.Duration
	// RegexCacheSize caps the compiled-pattern LRU
	RegexCacheSize int
}

// DefaultMatcherConfig returns sensible defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		RegexTimeout:   500 * time.Millisecond,
		RegexCacheSize: 1000,
	}
}

// Matcher evaluates predicate trees against single in-flight events. It is
// pure: no store access, no clock reads beyond the regex deadline. Batch
// SQL and this evaluator must agree on semantics for every operator.
type Matcher struct {
	config MatcherConfig
	regex  *lru.Cache[string, *regexp2.Regexp]
}

// NewMatcher builds a matcher with a compiled-regex cache.
func NewMatcher(config MatcherConfig) (*Matcher, error) {
	if config.RegexCacheSize < 1 {
		config.RegexCacheSize = 1000
	}
	if config.RegexTimeout <= 0 {
		config.RegexTimeout = 500 * time.Millisecond
	}
	cache, err := lru.New[string, *regexp2.Regexp](config.RegexCacheSize)
	if err != nil {
		return nil, err
	}
	return &Matcher{config: config, regex: cache}, nil
}

// EvalWhere evaluates a validated predicate tree against one event. The
// switch is exhaustive over ExprKind; an operator this evaluator cannot
// handle is an error, never a silent false.
func (m *Matcher) EvalWhere(expr *search.Expr, event *core.Event) (bool, error) {
	if expr == nil {
		return true, nil
	}

	switch expr.Kind {
	case search.ExprEq:
		val, err := fieldValue(event, expr.Field)
		if err != nil {
			return false, err
		}
		return val == expr.Value, nil

	case search.ExprContains:
		val, err := fieldValue(event, expr.Field)
		if err != nil {
			return false, err
		}
		return containsFold(val, expr.Value), nil

	case search.ExprContainsAny:
		val, err := fieldValue(event, expr.Field)
		if err != nil {
			return false, err
		}
		for _, tok := range expr.Values {
			if containsFold(val, tok) {
				return true, nil
			}
		}
		return false, nil

	case search.ExprRegex:
		val, err := fieldValue(event, expr.Field)
		if err != nil {
			return false, err
		}
		return m.matchRegex(expr.Value, val)

	case search.ExprBetween:
		val, err := fieldValue(event, expr.Field)
		if err != nil {
			return false, err
		}
		return betweenMatch(val, expr.Lo, expr.Hi), nil

	case search.ExprIPInCIDR:
		val, err := fieldValue(event, expr.Field)
		if err != nil {
			return false, err
		}
		return search.IPInCIDRMatch(val, expr.CIDR), nil

	case search.ExprJSONEq:
		// Missing paths evaluate to "", matching JSONExtractString on the
		// batch side.
		return event.Fields[expr.Path] == expr.Value, nil

	case search.ExprAnd:
		for _, c := range expr.Children {
			ok, err := m.EvalWhere(c, event)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case search.ExprOr:
		for _, c := range expr.Children {
			ok, err := m.EvalWhere(c, event)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case search.ExprNot:
		ok, err := m.EvalWhere(expr.Children[0], event)
		if err != nil {
			return false, err
		}
		return !ok, nil

	default:
		return false, core.NewCompileError("stream", fmt.Sprintf("unsupported operator %s", expr.Kind))
	}
}

// matchRegex evaluates a cached pattern with the configured timeout, so one
// pathological pattern cannot stall the pipeline.
func (m *Matcher) matchRegex(pattern, value string) (bool, error) {
	if len(pattern) > search.MaxRegexLength {
		return false, core.NewCompileError("stream",
			fmt.Sprintf("regex pattern exceeds %d characters", search.MaxRegexLength))
	}

	re, ok := m.regex.Get(pattern)
	if !ok {
		compiled, err := regexp2.Compile(pattern, regexp2.RE2)
		if err != nil {
			return false, core.NewCompileError("stream", fmt.Sprintf("bad regex: %v", err))
		}
		compiled.MatchTimeout = m.config.RegexTimeout
		m.regex.Add(pattern, compiled)
		re = compiled
	}

	matched, err := re.MatchString(value)
	if err != nil {
		return false, fmt.Errorf("regex evaluation failed: %w", err)
	}
	return matched, nil
}

// betweenMatch compares numerically when both bounds and the value parse as
// numbers; otherwise it falls back to lexicographic comparison, matching
// how the columnar store compares strings.
func betweenMatch(val, lo, hi string) bool {
	v, errV := strconv.ParseFloat(val, 64)
	l, errL := strconv.ParseFloat(lo, 64)
	h, errH := strconv.ParseFloat(hi, 64)
	if errV == nil && errL == nil && errH == nil {
		return v >= l && v <= h
	}
	return val >= lo && val <= hi
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// fieldValue resolves a field name to the event's value, using the same
// allow-list the SQL compiler uses so both paths agree on naming.
func fieldValue(event *core.Event, field string) (string, error) {
	ref, err := search.ColumnRef(field)
	if err != nil {
		return "", err
	}
	// JSON extraction references address the flattened Fields map.
	if strings.Contains(ref, "(") {
		return event.Fields[field], nil
	}

	switch ref {
	case "event_id":
		return event.EventID, nil
	case "timestamp":
		return event.Timestamp.UTC().Format(time.RFC3339), nil
	case "tenant_id":
		return event.TenantID, nil
	case "source":
		return event.Source, nil
	case "event_type":
		return event.EventType, nil
	case "severity":
		return event.Severity, nil
	case "message":
		return event.Message, nil
	case "user_name":
		return event.UserName, nil
	case "source_ip":
		return event.SourceIP, nil
	case "destination_ip":
		return event.DestinationIP, nil
	case "host":
		return event.Host, nil
	case "raw_data":
		return event.RawData, nil
	case "bytes_out":
		return strconv.FormatUint(event.BytesOut, 10), nil
	case "geo_lat":
		return strconv.FormatFloat(event.GeoLat, 'f', -1, 64), nil
	case "geo_lon":
		return strconv.FormatFloat(event.GeoLon, 'f', -1, 64), nil
	default:
		return "", core.NewValidationError(field, "field is not evaluable in stream context")
	}
}
