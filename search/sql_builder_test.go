package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLBuilderBasicQuery(t *testing.T) {
	sql, params := NewSQLBuilder().
		Select("*").
		From("events").
		Where("tenant_id = ?", "t1").
		Where("timestamp >= ?", "2026-01-01").
		OrderBy("timestamp", "DESC").
		Limit(100).
		Build()

	assert.Equal(t,
		"SELECT * FROM events WHERE tenant_id = ? AND timestamp >= ? ORDER BY timestamp DESC LIMIT 100",
		sql)
	assert.Equal(t, []interface{}{"t1", "2026-01-01"}, params)
}

func TestSQLBuilderGroupByHaving(t *testing.T) {
	sql, params := NewSQLBuilder().
		Select("user_name", "count() AS hits").
		From("events").
		Where("tenant_id = ?", "t1").
		GroupBy("user_name").
		Having("hits >= ?", 5).
		Build()

	assert.Equal(t,
		"SELECT user_name, count() AS hits FROM events WHERE tenant_id = ? GROUP BY user_name HAVING hits >= ?",
		sql)
	assert.Equal(t, []interface{}{"t1", 5}, params)
}

func TestSQLBuilderOffsetAndDefaultSelect(t *testing.T) {
	sql, _ := NewSQLBuilder().From("events").Limit(10).Offset(20).Build()
	assert.Equal(t, "SELECT * FROM events LIMIT 10 OFFSET 20", sql)
}

func TestSQLBuilderOrderByDirectionSanitized(t *testing.T) {
	sql, _ := NewSQLBuilder().From("events").OrderBy("timestamp", "desc; DROP TABLE x").Build()
	require.Contains(t, sql, "ORDER BY timestamp ASC")
	assert.NotContains(t, sql, "DROP TABLE")
}

func TestEscapeIdentifier(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"*", "*"},
		{"user_name", "user_name"},
		{"events.timestamp", "events.timestamp"},
		{"count() AS hits", "count() AS hits"},
		{"bad-name", "`bad-name`"},
		{"x`y", "`x``y`"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, escapeIdentifier(tc.in), "input %q", tc.in)
	}
}

func TestSQLBuilderWhereSQL(t *testing.T) {
	b := NewSQLBuilder().Where("a = ?", 1).Where("b = ?", 2)
	assert.Equal(t, "a = ? AND b = ?", b.WhereSQL())
}
