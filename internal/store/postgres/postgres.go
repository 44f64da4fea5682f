// Package postgres is the TimescaleDB/PostgreSQL backend for the store gateway.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"datayoti/go-ingestor/internal/config"
	"datayoti/go-ingestor/internal/model"
	"datayoti/go-ingestor/internal/store"
)

const (
	upsertReadingSQL = `
		INSERT INTO sensor_data (time, device_mac_addr, temperature, humidity, reception_time)
		VALUES ($1::timestamptz, $2, $3, $4, $5)
		ON CONFLICT (device_mac_addr, time) DO UPDATE SET
			temperature = EXCLUDED.temperature,
			humidity = EXCLUDED.humidity,
			reception_time = EXCLUDED.reception_time
	`

	upsertHeartbeatSQL = `
		INSERT INTO device_heartbeats (time, device_mac_addr, rssi, free_heap, uptime, min_heap, ntp_sync, reception_time)
		VALUES ($1::timestamptz, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_mac_addr, time) DO UPDATE SET
			rssi = EXCLUDED.rssi,
			free_heap = EXCLUDED.free_heap,
			uptime = EXCLUDED.uptime,
			min_heap = EXCLUDED.min_heap,
			ntp_sync = EXCLUDED.ntp_sync,
			reception_time = EXCLUDED.reception_time
	`

	selectDevicesSQL = `SELECT device_mac_addr, site_ref FROM devices`
)

// Client is a pgx connection pool bound to the telemetry database.
type Client struct {
	pool *pgxpool.Pool
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{pool: pool}, nil
}

// Dialer returns a store.Dialer that opens a fresh pool for cfg.
func Dialer(cfg config.PostgresConfig) store.Dialer {
	return func(ctx context.Context) (store.Conn, error) {
		return Connect(ctx, cfg)
	}
}

// Ping acquires a pooled connection and checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// UpsertReading inserts r, or updates the measurements on a (time, device)
// conflict.
func (c *Client) UpsertReading(ctx context.Context, r model.SensorReading) error {
	_, err := c.pool.Exec(ctx, upsertReadingSQL,
		r.Time, r.DeviceMAC, r.Temperature, r.Humidity, r.ReceptionTime)
	if err != nil {
		return fmt.Errorf("failed to upsert sensor reading: %w", err)
	}
	return nil
}

// UpsertHeartbeat inserts hb, or updates the row on a (time, device) conflict.
// Counters above math.MaxInt64 do not fit BIGINT and are rejected upstream.
func (c *Client) UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	_, err := c.pool.Exec(ctx, upsertHeartbeatSQL,
		hb.Time, hb.DeviceMAC, hb.RSSI,
		int64(hb.FreeHeap), int64(hb.Uptime), int64(hb.MinHeap),
		hb.NTPSync, hb.ReceptionTime)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// Devices lists every registered device.
func (c *Client) Devices(ctx context.Context) ([]model.Device, error) {
	rows, err := c.pool.Query(ctx, selectDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]model.Device, 0)
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.MACAddr, &d.SiteRef); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

var _ store.Conn = (*Client)(nil)
