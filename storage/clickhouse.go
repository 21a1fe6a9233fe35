package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"time"

	"argus/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// validDatabaseName keeps database identifiers safe to interpolate into
// CREATE DATABASE.
var validDatabaseName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClickHouse holds the columnar store connection. Events, alerts, incidents
// and run history all live here; the control plane (detections, rule state)
// lives in SQLite.
type ClickHouse struct {
	Conn   driver.Conn
	Logger *zap.SugaredLogger
}

// NewClickHouse opens the connection pool, verifies connectivity and makes
// sure the database exists.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.ClickHouse.MaxPoolSize,
		MaxIdleConns:     cfg.ClickHouse.MaxPoolSize / 2,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	if cfg.ClickHouse.TLS {
		options.TLS = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("Connected to ClickHouse")

	if err := ensureDatabase(ctx, conn, cfg.ClickHouse.Database); err != nil {
		return nil, err
	}

	return &ClickHouse{Conn: conn, Logger: logger}, nil
}

func ensureDatabase(ctx context.Context, conn driver.Conn, database string) error {
	if database == "" || len(database) > 64 || !validDatabaseName.MatchString(database) {
		return fmt.Errorf("invalid database name %q", database)
	}
	// SECURITY: name validated above; backticks add a second layer
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", database)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// HealthCheck pings the store.
func (ch *ClickHouse) HealthCheck(ctx context.Context) error {
	return ch.Conn.Ping(ctx)
}

// Close closes the connection pool.
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}

// CreateTablesIfNotExist creates the data-plane tables. Alerts and incidents
// use ReplacingMergeTree keyed on their deterministic ids, so retried writes
// collapse to one row instead of duplicating.
func (ch *ClickHouse) CreateTablesIfNotExist(ctx context.Context) error {
	eventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		event_id String,
		timestamp DateTime64(3, 'UTC'),
		ingested_at DateTime64(3, 'UTC'),
		tenant_id LowCardinality(String),
		source LowCardinality(String),
		event_type LowCardinality(String),
		severity LowCardinality(String),
		message String,
		user_name String,
		source_ip String,
		destination_ip String,
		host String,
		bytes_out UInt64 DEFAULT 0,
		geo_lat Float64 DEFAULT 0,
		geo_lon Float64 DEFAULT 0,
		raw_data String,
		fields String,
		INDEX idx_tenant tenant_id TYPE set(0) GRANULARITY 1,
		INDEX idx_event_type event_type TYPE set(0) GRANULARITY 1,
		INDEX idx_user user_name TYPE bloom_filter(0.01) GRANULARITY 1,
		INDEX idx_source_ip source_ip TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (tenant_id, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 30 DAY
	SETTINGS index_granularity = 8192
	`
	if err := ch.Conn.Exec(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	alertsTable := `
	CREATE TABLE IF NOT EXISTS alerts (
		alert_id String,
		detection_id String,
		rule_type LowCardinality(String),
		tenant_id LowCardinality(String),
		severity LowCardinality(String),
		status LowCardinality(String),
		occurred_at DateTime64(3, 'UTC'),
		created_at DateTime64(3, 'UTC'),
		entity_keys Map(String, String),
		payload String,
		dedup_key String,
		incident_id String DEFAULT '',
		INDEX idx_detection detection_id TYPE bloom_filter(0.01) GRANULARITY 1,
		INDEX idx_status status TYPE set(0) GRANULARITY 1,
		INDEX idx_incident incident_id TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = ReplacingMergeTree(created_at)
	PARTITION BY toYYYYMM(created_at)
	ORDER BY (tenant_id, alert_id)
	TTL toDateTime(created_at) + INTERVAL 90 DAY
	SETTINGS index_granularity = 8192
	`
	if err := ch.Conn.Exec(ctx, alertsTable); err != nil {
		return fmt.Errorf("failed to create alerts table: %w", err)
	}

	incidentsTable := `
	CREATE TABLE IF NOT EXISTS incidents (
		incident_id String,
		tenant_id LowCardinality(String),
		title String,
		severity LowCardinality(String),
		status LowCardinality(String),
		owner String DEFAULT '',
		entities Map(String, String),
		rule_ids Array(String),
		alert_count UInt64,
		first_alert_ts DateTime64(3, 'UTC'),
		last_alert_ts DateTime64(3, 'UTC'),
		created_at DateTime64(3, 'UTC'),
		updated_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(updated_at)
	ORDER BY (tenant_id, incident_id)
	SETTINGS index_granularity = 8192
	`
	if err := ch.Conn.Exec(ctx, incidentsTable); err != nil {
		return fmt.Errorf("failed to create incidents table: %w", err)
	}

	runsTable := `
	CREATE TABLE IF NOT EXISTS detection_runs (
		id String,
		detection_id String,
		tenant_id LowCardinality(String),
		started_at DateTime64(3, 'UTC'),
		finished_at DateTime64(3, 'UTC'),
		status LowCardinality(String),
		rows UInt64,
		error String DEFAULT '',
		INDEX idx_detection detection_id TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(started_at)
	ORDER BY (detection_id, started_at)
	TTL toDateTime(started_at) + INTERVAL 30 DAY
	SETTINGS index_granularity = 8192
	`
	if err := ch.Conn.Exec(ctx, runsTable); err != nil {
		return fmt.Errorf("failed to create detection_runs table: %w", err)
	}

	ch.Logger.Info("ClickHouse tables created/verified")
	return nil
}
