package core

import "time"

// Event is a normalized security event. Batch detection reads events from
// the columnar store; the streaming matcher sees them in flight. Fields
// holds the flattened extra attributes keyed by dotted path.
type Event struct {
	EventID       string            `json:"event_id"`
	Timestamp     time.Time         `json:"timestamp"`
	IngestedAt    time.Time         `json:"ingested_at"`
	TenantID      string            `json:"tenant_id"`
	Source        string            `json:"source"`
	EventType     string            `json:"event_type"`
	Severity      string            `json:"severity"`
	Message       string            `json:"message"`
	UserName      string            `json:"user_name"`
	SourceIP      string            `json:"source_ip"`
	DestinationIP string            `json:"destination_ip"`
	Host          string            `json:"host"`
	BytesOut      uint64            `json:"bytes_out,omitempty"`
	GeoLat        float64           `json:"geo_lat,omitempty"`
	GeoLon        float64           `json:"geo_lon,omitempty"`
	RawData       string            `json:"raw_data,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}
