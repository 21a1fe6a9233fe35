package search

import (
	"fmt"
	"strings"
)

// SQLBuilder is a fluent SQL builder for ClickHouse queries.
// SECURITY: all values go through ? placeholders; identifiers pass
// escapeIdentifier. This is the single escaping mechanism for the module —
// no call site concatenates untrusted values into SQL text.
type SQLBuilder struct {
	selectFields  []string
	fromTable     string
	whereClauses  []string
	groupByFields []string
	havingClauses []string
	params        []interface{}
	limitVal      *int
	offsetVal     *int
	orderBy       []string
}

// NewSQLBuilder creates a new SQL builder.
func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{}
}

// Select adds SELECT expressions to the query. Aggregate function calls
// pass through unchanged; bare identifiers are escaped.
func (b *SQLBuilder) Select(fields ...string) *SQLBuilder {
	b.selectFields = append(b.selectFields, fields...)
	return b
}

// From sets the FROM table.
func (b *SQLBuilder) From(table string) *SQLBuilder {
	b.fromTable = table
	return b
}

// Where adds an AND-combined WHERE condition with parameterized values.
func (b *SQLBuilder) Where(condition string, params ...interface{}) *SQLBuilder {
	b.whereClauses = append(b.whereClauses, condition)
	b.params = append(b.params, params...)
	return b
}

// GroupBy adds GROUP BY keys (escaped as identifiers).
func (b *SQLBuilder) GroupBy(fields ...string) *SQLBuilder {
	b.groupByFields = append(b.groupByFields, fields...)
	return b
}

// Having adds an AND-combined HAVING condition with parameterized values.
func (b *SQLBuilder) Having(condition string, params ...interface{}) *SQLBuilder {
	b.havingClauses = append(b.havingClauses, condition)
	b.params = append(b.params, params...)
	return b
}

// Limit sets the LIMIT clause.
func (b *SQLBuilder) Limit(n int) *SQLBuilder {
	b.limitVal = &n
	return b
}

// Offset sets the OFFSET clause.
func (b *SQLBuilder) Offset(n int) *SQLBuilder {
	b.offsetVal = &n
	return b
}

// OrderBy adds an ORDER BY clause.
func (b *SQLBuilder) OrderBy(field string, direction string) *SQLBuilder {
	dir := strings.ToUpper(direction)
	if dir != "DESC" {
		dir = "ASC"
	}
	b.orderBy = append(b.orderBy, fmt.Sprintf("%s %s", escapeIdentifier(field), dir))
	return b
}

// WhereSQL returns the combined WHERE clause text built so far.
func (b *SQLBuilder) WhereSQL() string {
	return strings.Join(b.whereClauses, " AND ")
}

// Build constructs the final SQL string and its bind parameters.
func (b *SQLBuilder) Build() (string, []interface{}) {
	var query strings.Builder

	if len(b.selectFields) == 0 {
		query.WriteString("SELECT *")
	} else {
		escaped := make([]string, len(b.selectFields))
		for i, field := range b.selectFields {
			escaped[i] = escapeIdentifier(field)
		}
		query.WriteString("SELECT ")
		query.WriteString(strings.Join(escaped, ", "))
	}

	if b.fromTable != "" {
		query.WriteString(" FROM ")
		query.WriteString(escapeIdentifier(b.fromTable))
	}

	if len(b.whereClauses) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(b.WhereSQL())
	}

	if len(b.groupByFields) > 0 {
		escaped := make([]string, len(b.groupByFields))
		for i, field := range b.groupByFields {
			escaped[i] = escapeIdentifier(field)
		}
		query.WriteString(" GROUP BY ")
		query.WriteString(strings.Join(escaped, ", "))
	}

	if len(b.havingClauses) > 0 {
		query.WriteString(" HAVING ")
		query.WriteString(strings.Join(b.havingClauses, " AND "))
	}

	if len(b.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(b.orderBy, ", "))
	}

	if b.limitVal != nil {
		query.WriteString(fmt.Sprintf(" LIMIT %d", *b.limitVal))
	}
	if b.offsetVal != nil {
		query.WriteString(fmt.Sprintf(" OFFSET %d", *b.offsetVal))
	}

	return query.String(), b.params
}

// escapeIdentifier escapes SQL identifiers.
// SECURITY: only alphanumerics, underscore and dot pass through bare;
// SQL function expressions (containing parentheses from our own compilers,
// never user input) pass unchanged; everything else is backtick-quoted with
// embedded backticks doubled.
func escapeIdentifier(identifier string) string {
	if identifier == "*" {
		return "*"
	}

	// Compiler-generated expressions (aggregates, JSONExtract, aliases).
	if strings.ContainsAny(identifier, "( ") {
		return identifier
	}

	safe := true
	for _, char := range identifier {
		if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') || char == '_' || char == '.') {
			safe = false
			break
		}
	}
	if !safe {
		escaped := strings.ReplaceAll(identifier, "`", "``")
		return fmt.Sprintf("`%s`", escaped)
	}
	return identifier
}
