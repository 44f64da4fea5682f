package postgres

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datayoti/go-ingestor/internal/config"
	"datayoti/go-ingestor/internal/model"
)

// testConfig reads connection settings for a disposable database. The tests
// are skipped unless PG_TEST_HOST is set.
func testConfig(t *testing.T) config.PostgresConfig {
	host := os.Getenv("PG_TEST_HOST")
	if host == "" {
		t.Skip("PG_TEST_HOST not set")
	}
	port, _ := strconv.Atoi(os.Getenv("PG_TEST_PORT"))
	if port == 0 {
		port = 5432
	}
	return config.PostgresConfig{
		Host:           host,
		Port:           port,
		User:           os.Getenv("PG_TEST_USER"),
		Password:       os.Getenv("PG_TEST_PASSWORD"),
		Database:       os.Getenv("PG_TEST_DATABASE"),
		MaxConnections: 2,
		ConnectTimeout: 5 * time.Second,
	}
}

func TestDSNKeepsReservedCharacters(t *testing.T) {
	cfg := config.PostgresConfig{
		Host:           "db.local",
		Port:           5433,
		User:           "datayoti",
		Password:       "p@ss/w:rd#1",
		Database:       "telemetry",
		ConnectTimeout: 5 * time.Second,
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "db.local", poolConfig.ConnConfig.Host)
	assert.Equal(t, uint16(5433), poolConfig.ConnConfig.Port)
	assert.Equal(t, "datayoti", poolConfig.ConnConfig.User)
	assert.Equal(t, "p@ss/w:rd#1", poolConfig.ConnConfig.Password)
	assert.Equal(t, "telemetry", poolConfig.ConnConfig.Database)
}

func setupSchema(t *testing.T, c *Client) {
	ctx := context.Background()
	stmts := []string{
		`CREATE TEMP TABLE devices (device_mac_addr TEXT PRIMARY KEY, site_ref TEXT NOT NULL)`,
		`CREATE TEMP TABLE sensor_data (
			time TIMESTAMPTZ NOT NULL, device_mac_addr TEXT NOT NULL,
			temperature DOUBLE PRECISION, humidity DOUBLE PRECISION,
			reception_time TIMESTAMPTZ NOT NULL, UNIQUE (device_mac_addr, time))`,
		`CREATE TEMP TABLE device_heartbeats (
			time TIMESTAMPTZ NOT NULL, device_mac_addr TEXT NOT NULL,
			rssi INTEGER, free_heap BIGINT, uptime BIGINT, min_heap BIGINT, ntp_sync BOOLEAN,
			reception_time TIMESTAMPTZ NOT NULL, UNIQUE (device_mac_addr, time))`,
	}
	for _, stmt := range stmts {
		_, err := c.pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

func TestClientUpsertIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	// Temporary tables are per session, so pin the pool to one connection.
	cfg.MaxConnections = 1

	ctx := context.Background()
	c, err := Connect(ctx, cfg)
	require.NoError(t, err)
	defer c.Close()
	setupSchema(t, c)

	_, err = c.pool.Exec(ctx, `INSERT INTO devices VALUES ('1C:69:20:E9:18:24', 'SITE_001')`)
	require.NoError(t, err)

	devices, err := c.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Device{{MACAddr: "1C:69:20:E9:18:24", SiteRef: "SITE_001"}}, devices)

	r := model.SensorReading{
		Time:          "2024-03-01T10:00:00Z",
		DeviceMAC:     "1C:69:20:E9:18:24",
		Temperature:   21.5,
		Humidity:      47.2,
		ReceptionTime: time.Now().UTC(),
	}
	require.NoError(t, c.UpsertReading(ctx, r))
	r.ReceptionTime = r.ReceptionTime.Add(time.Minute)
	require.NoError(t, c.UpsertReading(ctx, r))

	var count int
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT count(*) FROM sensor_data`).Scan(&count))
	assert.Equal(t, 1, count)

	hb := model.Heartbeat{Time: "2024-03-01T10:00:00Z", DeviceMAC: "1C:69:20:E9:18:24", RSSI: -62, Uptime: 3600, ReceptionTime: time.Now()}
	require.NoError(t, c.UpsertHeartbeat(ctx, hb))
	require.NoError(t, c.UpsertHeartbeat(ctx, hb))
	require.NoError(t, c.pool.QueryRow(ctx, `SELECT count(*) FROM device_heartbeats`).Scan(&count))
	assert.Equal(t, 1, count)
}
