package search

import (
	"fmt"
	"strings"

	"argus/core"
	"argus/metrics"
)

// DefaultEventsTable is the events table searched when none is supplied.
const DefaultEventsTable = "events"

// SearchDSL is a complete ad-hoc search request: a time range, an optional
// predicate, and a non-empty tenant scope. Compiled SQL always carries a
// tenant filter equal to TenantIDs — no query may cross tenant boundaries.
type SearchDSL struct {
	Version   int       `json:"version"`
	Time      TimeRange `json:"time_range"`
	Where     *Expr     `json:"-"`
	TenantIDs []string  `json:"tenant_ids"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// CompiledQuery is a parameterized query ready for the store.
type CompiledQuery struct {
	SQL      string
	WhereSQL string
	Args     []interface{}
	Warnings []string
}

// CompileSearch turns a SearchDSL into a parameterized, tenant-filtered
// ClickHouse query. Validation and compile errors are returned before any
// store call.
func CompileSearch(dsl SearchDSL, table string) (CompiledQuery, error) {
	cq, err := compileSearch(dsl, table)
	if err != nil {
		metrics.CompileAttempts.WithLabelValues("search", "error").Inc()
		return CompiledQuery{}, err
	}
	metrics.CompileAttempts.WithLabelValues("search", "ok").Inc()
	return cq, nil
}

func compileSearch(dsl SearchDSL, table string) (CompiledQuery, error) {
	if len(dsl.TenantIDs) == 0 {
		return CompiledQuery{}, core.NewValidationError("tenant_ids", "must not be empty")
	}
	if table == "" {
		table = DefaultEventsTable
	}

	tr := dsl.Time
	if tr.Last == 0 && tr.From.IsZero() {
		tr = Last24h()
	}
	from, to, err := tr.Bounds(nowFunc())
	if err != nil {
		return CompiledQuery{}, err
	}

	var warnings []string

	builder := NewSQLBuilder().Select("*").From(table)
	builder.Where(tenantFilter(len(dsl.TenantIDs)), tenantArgs(dsl.TenantIDs)...)
	builder.Where("timestamp >= ? AND timestamp <= ?", from, to)

	if dsl.Where != nil {
		if err := dsl.Where.Validate(); err != nil {
			return CompiledQuery{}, err
		}
		whereSQL, args, err := CompileExpr(dsl.Where)
		if err != nil {
			return CompiledQuery{}, err
		}
		builder.Where(whereSQL, args...)
	} else {
		warnings = append(warnings, "no predicate supplied; query is bounded by tenant and time only")
	}

	builder.OrderBy("timestamp", "DESC")
	limit := dsl.Limit
	if limit <= 0 {
		limit = 1000
	}
	builder.Limit(limit)
	if dsl.Offset > 0 {
		builder.Offset(dsl.Offset)
	}

	sql, params := builder.Build()
	return CompiledQuery{
		SQL:      sql,
		WhereSQL: builder.WhereSQL(),
		Args:     params,
		Warnings: warnings,
	}, nil
}

// tenantFilter builds the mandatory tenant scope clause.
func tenantFilter(n int) string {
	return fmt.Sprintf("tenant_id IN (%s)", placeholders(n))
}

func tenantArgs(ids []string) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CompileExpr translates a validated Expr tree into a parameterized WHERE
// fragment. The switch is exhaustive over ExprKind: adding an operator
// without a compile arm is a compile error at review time, not a silent
// fallthrough at run time.
func CompileExpr(e *Expr) (string, []interface{}, error) {
	if e == nil {
		return "", nil, nil
	}

	switch e.Kind {
	case ExprEq:
		ref, err := columnRef(e.Field)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s = ?", ref), []interface{}{e.Value}, nil

	case ExprContains:
		ref, err := columnRef(e.Field)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", ref), []interface{}{e.Value}, nil

	case ExprContainsAny:
		ref, err := columnRef(e.Field)
		if err != nil {
			return "", nil, err
		}
		clauses := make([]string, len(e.Values))
		args := make([]interface{}, len(e.Values))
		for i, tok := range e.Values {
			clauses[i] = fmt.Sprintf("positionCaseInsensitive(%s, ?) > 0", ref)
			args[i] = tok
		}
		return "(" + strings.Join(clauses, " OR ") + ")", args, nil

	case ExprRegex:
		if len(e.Value) > MaxRegexLength {
			return "", nil, core.NewCompileError(e.Field,
				fmt.Sprintf("regex pattern exceeds %d characters", MaxRegexLength))
		}
		ref, err := columnRef(e.Field)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("match(%s, ?)", ref), []interface{}{e.Value}, nil

	case ExprBetween:
		ref, err := columnRef(e.Field)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s BETWEEN ? AND ?", ref), []interface{}{e.Lo, e.Hi}, nil

	case ExprIPInCIDR:
		if err := validateCIDR(e.CIDR); err != nil {
			return "", nil, err
		}
		ref, err := columnRef(e.Field)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("isIPAddressInRange(%s, ?)", ref), []interface{}{e.CIDR}, nil

	case ExprJSONEq:
		if err := validateJSONPath(e.Path); err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s = ?", jsonExtractRef(e.Path)), []interface{}{e.Value}, nil

	case ExprAnd, ExprOr:
		op := " AND "
		if e.Kind == ExprOr {
			op = " OR "
		}
		clauses := make([]string, 0, len(e.Children))
		var args []interface{}
		for _, child := range e.Children {
			sql, childArgs, err := CompileExpr(child)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, "("+sql+")")
			args = append(args, childArgs...)
		}
		return strings.Join(clauses, op), args, nil

	case ExprNot:
		sql, args, err := CompileExpr(e.Children[0])
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("NOT (%s)", sql), args, nil

	default:
		return "", nil, core.NewCompileError("expression",
			fmt.Sprintf("unsupported operator %s", e.Kind))
	}
}
