package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/search"
)

// InsertEvents writes a batch of normalized events.
func (ch *ClickHouse) InsertEvents(ctx context.Context, events []*core.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := ch.Conn.PrepareBatch(ctx,
		"INSERT INTO events (event_id, timestamp, ingested_at, tenant_id, source, event_type, severity, message, user_name, source_ip, destination_ip, host, bytes_out, geo_lat, geo_lon, raw_data, fields)")
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}

	for _, e := range events {
		fields := "{}"
		if len(e.Fields) > 0 {
			// Dotted keys become nested objects so JSONExtractString path
			// navigation sees the same structure the matcher's flat map does.
			raw, err := json.Marshal(nestFields(e.Fields))
			if err != nil {
				return fmt.Errorf("failed to encode event fields: %w", err)
			}
			fields = string(raw)
		}
		ingested := e.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now().UTC()
		}
		if err := batch.Append(
			e.EventID, e.Timestamp, ingested, e.TenantID, e.Source, e.EventType,
			e.Severity, e.Message, e.UserName, e.SourceIP, e.DestinationIP,
			e.Host, e.BytesOut, e.GeoLat, e.GeoLon, e.RawData, fields,
		); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

// nestFields expands flat dotted keys ("geo.country" -> {"geo":{"country":...}}).
func nestFields(flat map[string]string) map[string]interface{} {
	root := make(map[string]interface{})
	for key, value := range flat {
		segs := strings.Split(key, ".")
		node := root
		for i, seg := range segs {
			if i == len(segs)-1 {
				node[seg] = value
				break
			}
			child, ok := node[seg].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[seg] = child
			}
			node = child
		}
	}
	return root
}

// SearchEvents runs a compiled ad-hoc search and returns rows as generic
// maps. The SQL arrived from the compiler fully parameterized; this layer
// never assembles query text.
func (ch *ClickHouse) SearchEvents(ctx context.Context, cq search.CompiledQuery) ([]map[string]interface{}, error) {
	start := time.Now()
	rows, err := ch.scanRows(ctx, cq.SQL, cq.Args)
	metrics.SearchLatency.Observe(time.Since(start).Seconds())
	return rows, err
}

// ExecuteDetection runs a compiled detection aggregate and returns the
// grouped result rows.
func (ch *ClickHouse) ExecuteDetection(ctx context.Context, sql string, args []interface{}) ([]map[string]interface{}, error) {
	return ch.scanRows(ctx, sql, args)
}

// scanRows executes a parameterized query and scans every row into a
// column-name keyed map, using the driver's reported scan types. Detection
// shapes vary per rule type, so a static struct scan is not possible here.
func (ch *ClickHouse) scanRows(ctx context.Context, sql string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := ch.Conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols := rows.Columns()
	colTypes := rows.ColumnTypes()

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		for i, ct := range colTypes {
			vals[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(vals...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = reflect.ValueOf(vals[i]).Elem().Interface()
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}
