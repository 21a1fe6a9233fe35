package search

import (
	"fmt"
	"regexp"
	"strings"

	"argus/core"
)

// MessageField is the column free-text terms match against.
const MessageField = "message"

// columnAllowList maps every queryable field name to its events-table
// column. Field names never come from user input unchecked: anything not in
// this map must be a dotted JSON path validated by validateJSONPath.
var columnAllowList = map[string]string{
	"event_id":       "event_id",
	"id":             "event_id",
	"timestamp":      "timestamp",
	"@timestamp":     "timestamp",
	"tenant_id":      "tenant_id",
	"source":         "source",
	"event_type":     "event_type",
	"severity":       "severity",
	"message":        "message",
	"user_name":      "user_name",
	"user":           "user_name",
	"source_ip":      "source_ip",
	"src_ip":         "source_ip",
	"destination_ip": "destination_ip",
	"dest_ip":        "destination_ip",
	"host":           "host",
	"raw_data":       "raw_data",
	"bytes_out":      "bytes_out",
	"geo_lat":        "geo_lat",
	"geo_lon":        "geo_lon",
}

// jsonPathSegment validates each segment of a dotted JSON path. Segments
// are inlined as string literals into JSONExtractString, so the charset is
// restricted the same way identifiers are.
var jsonPathSegment = regexp.MustCompile(`^[A-Za-z0-9_@-]+$`)

// validateField checks a leaf condition's field against the allow-list.
func validateField(field string) error {
	if field == "" {
		return core.NewValidationError("", "empty field name")
	}
	if _, ok := columnAllowList[field]; ok {
		return nil
	}
	// Dotted names address the fields JSON column.
	if strings.Contains(field, ".") {
		return validateJSONPath(field)
	}
	return core.NewValidationError(field, "field is not in the allow-list")
}

// validateJSONPath checks every segment of a dotted path.
func validateJSONPath(path string) error {
	if path == "" {
		return core.NewValidationError("", "empty JSON path")
	}
	for _, seg := range strings.Split(path, ".") {
		if !jsonPathSegment.MatchString(seg) {
			return core.NewValidationError(path, fmt.Sprintf("invalid JSON path segment %q", seg))
		}
	}
	return nil
}

// columnRef resolves a validated field name to its SQL reference. Unknown
// dotted names become JSONExtractString calls on the fields column; the
// segments were validated against jsonPathSegment, so inlining them keeps a
// single escaping mechanism (identifiers via allow-list, values via binding).
func columnRef(field string) (string, error) {
	if col, ok := columnAllowList[field]; ok {
		return col, nil
	}
	if strings.Contains(field, ".") {
		if err := validateJSONPath(field); err != nil {
			return "", err
		}
		return jsonExtractRef(field), nil
	}
	return "", core.NewValidationError(field, "field is not in the allow-list")
}

// ColumnRef resolves a field name through the allow-list for callers
// outside the package (the detection compiler validates grouping keys and
// metric fields with it).
func ColumnRef(field string) (string, error) {
	return columnRef(field)
}

// jsonExtractRef builds the JSONExtractString reference for a validated
// dotted path.
func jsonExtractRef(path string) string {
	segs := strings.Split(path, ".")
	quoted := make([]string, len(segs))
	for i, s := range segs {
		quoted[i] = "'" + s + "'"
	}
	return fmt.Sprintf("JSONExtractString(fields, %s)", strings.Join(quoted, ", "))
}
