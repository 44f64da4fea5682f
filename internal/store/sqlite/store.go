// Package sqlite is a SQLite backend for the store gateway, used for local
// runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"datayoti/go-ingestor/internal/model"
	"datayoti/go-ingestor/internal/store"

	_ "modernc.org/sqlite"
)

// Conn wraps a SQLite database handle.
type Conn struct {
	db *sql.DB
}

// Open opens the database file at path, creating directories and tables as needed.
func Open(ctx context.Context, path string) (*Conn, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return newConn(ctx, db)
}

// OpenMemory opens a private in-memory database.
func OpenMemory(ctx context.Context) (*Conn, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Every pooled connection would get its own empty database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newConn(ctx, db)
}

// Dialer returns a store.Dialer that opens the database file at path.
func Dialer(path string) store.Dialer {
	return func(ctx context.Context) (store.Conn, error) {
		return Open(ctx, path)
	}
}

func newConn(ctx context.Context, db *sql.DB) (*Conn, error) {
	c := &Conn{db: db}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_mac_addr TEXT PRIMARY KEY,
			site_ref TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sensor_data (
			time TEXT NOT NULL,
			device_mac_addr TEXT NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			reception_time TEXT NOT NULL,
			PRIMARY KEY (device_mac_addr, time)
		);`,
		`CREATE TABLE IF NOT EXISTS device_heartbeats (
			time TEXT NOT NULL,
			device_mac_addr TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			free_heap INTEGER NOT NULL,
			uptime INTEGER NOT NULL,
			min_heap INTEGER NOT NULL,
			ntp_sync INTEGER NOT NULL,
			reception_time TEXT NOT NULL,
			PRIMARY KEY (device_mac_addr, time)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// Ping checks that the database file is reachable.
func (c *Conn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (c *Conn) Close() error {
	return c.db.Close()
}

// UpsertReading inserts r, or overwrites the measurements of the row with the
// same device and time.
func (c *Conn) UpsertReading(ctx context.Context, r model.SensorReading) error {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO sensor_data (time, device_mac_addr, temperature, humidity, reception_time)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_mac_addr, time)
		 DO UPDATE SET temperature = excluded.temperature,
				 humidity = excluded.humidity,
				 reception_time = excluded.reception_time;`,
		canonicalTime(r.Time),
		r.DeviceMAC,
		r.Temperature,
		r.Humidity,
		r.ReceptionTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert sensor reading: %w", err)
	}
	return nil
}

// UpsertHeartbeat inserts hb, or overwrites the row with the same device and
// time.
func (c *Conn) UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO device_heartbeats (time, device_mac_addr, rssi, free_heap, uptime, min_heap, ntp_sync, reception_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_mac_addr, time)
		 DO UPDATE SET rssi = excluded.rssi,
				 free_heap = excluded.free_heap,
				 uptime = excluded.uptime,
				 min_heap = excluded.min_heap,
				 ntp_sync = excluded.ntp_sync,
				 reception_time = excluded.reception_time;`,
		canonicalTime(hb.Time),
		hb.DeviceMAC,
		hb.RSSI,
		int64(hb.FreeHeap),
		int64(hb.Uptime),
		int64(hb.MinHeap),
		hb.NTPSync,
		hb.ReceptionTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// Devices lists every registered device.
func (c *Conn) Devices(ctx context.Context) ([]model.Device, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT device_mac_addr, site_ref FROM devices;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.MACAddr, &d.SiteRef); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// Readings returns the stored readings of a device ordered by time.
func (c *Conn) Readings(ctx context.Context, mac string) ([]model.SensorReading, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT time, device_mac_addr, temperature, humidity, reception_time
		 FROM sensor_data WHERE device_mac_addr = ? ORDER BY time;`, mac)
	if err != nil {
		return nil, fmt.Errorf("query sensor readings: %w", err)
	}
	defer rows.Close()

	var readings []model.SensorReading
	for rows.Next() {
		var (
			r           model.SensorReading
			receivedStr string
		)
		if err := rows.Scan(&r.Time, &r.DeviceMAC, &r.Temperature, &r.Humidity, &receivedStr); err != nil {
			return nil, fmt.Errorf("scan sensor reading: %w", err)
		}
		r.ReceptionTime, _ = time.Parse(time.RFC3339Nano, receivedStr)
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensor readings: %w", err)
	}
	return readings, nil
}

// Heartbeats returns the stored heartbeats of a device ordered by time.
func (c *Conn) Heartbeats(ctx context.Context, mac string) ([]model.Heartbeat, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT time, device_mac_addr, rssi, free_heap, uptime, min_heap, ntp_sync, reception_time
		 FROM device_heartbeats WHERE device_mac_addr = ? ORDER BY time;`, mac)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []model.Heartbeat
	for rows.Next() {
		var (
			hb                        model.Heartbeat
			freeHeap, uptime, minHeap int64
			receivedStr               string
		)
		if err := rows.Scan(&hb.Time, &hb.DeviceMAC, &hb.RSSI, &freeHeap, &uptime, &minHeap, &hb.NTPSync, &receivedStr); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.FreeHeap, hb.Uptime, hb.MinHeap = uint64(freeHeap), uint64(uptime), uint64(minHeap)
		hb.ReceptionTime, _ = time.Parse(time.RFC3339Nano, receivedStr)
		beats = append(beats, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate heartbeats: %w", err)
	}
	return beats, nil
}

// keyLayouts are the accepted forms of a normalized timestamp. A naive
// minute-precision input only gains a Z suffix during normalization.
var keyLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

// canonicalTime keeps the conflict key stable for equal instants written with
// different precision. Values that do not parse are stored as given.
func canonicalTime(ts string) string {
	for _, layout := range keyLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return ts
}

var _ store.Conn = (*Conn)(nil)
