package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config lists the tunable parameters for the DataYoti ingestor.
type Config struct {
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
	Store  StoreConfig  `mapstructure:"store"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Ingest IngestConfig `mapstructure:"ingest"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Log    LogConfig    `mapstructure:"log"`
}

type MQTTConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	StatusTopic    string        `mapstructure:"status_topic"`
}

// BrokerURL returns the paho broker address.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

type StoreConfig struct {
	Driver    string         `mapstructure:"driver"`
	OpTimeout time.Duration  `mapstructure:"op_timeout"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	SQLite    SQLiteConfig   `mapstructure:"sqlite"`
}

type PostgresConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	MaxConnections int           `mapstructure:"max_connections"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// DSN builds the pgx connection string. Credentials and database name are
// escaped, so any password the server accepts can be used.
func (p PostgresConfig) DSN() string {
	query := url.Values{}
	query.Set("sslmode", "disable")
	query.Set("connect_timeout", strconv.Itoa(int(p.ConnectTimeout.Seconds())))

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		Path:     "/" + p.Database,
		RawQuery: query.Encode(),
	}
	return u.String()
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type IngestConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// envBindings maps config keys to the environment variables the deployment uses.
var envBindings = map[string]string{
	"mqtt.host":                      "MQTT_HOST",
	"mqtt.port":                      "MQTT_PORT",
	"mqtt.user":                      "MQTT_USER",
	"mqtt.password":                  "MQTT_PASSWORD",
	"mqtt.client_id":                 "MQTT_CLIENT_ID",
	"mqtt.status_topic":              "MQTT_STATUS_TOPIC",
	"store.driver":                   "STORE_DRIVER",
	"store.op_timeout":               "STORE_OP_TIMEOUT",
	"store.postgres.host":            "PG_HOST",
	"store.postgres.port":            "PG_PORT",
	"store.postgres.user":            "PG_USER",
	"store.postgres.password":        "PG_PASSWORD",
	"store.postgres.database":        "PG_DATABASE",
	"store.postgres.max_connections": "PG_MAX_CONNECTIONS",
	"store.sqlite.path":              "SQLITE_PATH",
	"auth.cache_ttl":                 "AUTH_CACHE_TTL",
	"ingest.queue_size":              "INGEST_QUEUE_SIZE",
	"http.port":                      "HTTP_PORT",
	"log.level":                      "LOG_LEVEL",
	"log.format":                     "LOG_FORMAT",
}

// durationKeys also accept a bare number of seconds, e.g. AUTH_CACHE_TTL=300.
var durationKeys = []string{
	"mqtt.keep_alive",
	"mqtt.connect_timeout",
	"store.op_timeout",
	"store.postgres.connect_timeout",
	"auth.cache_ttl",
}

// Load reads configuration from the environment and, when path is not empty,
// from a YAML file. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.keep_alive", "60s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.status_topic", "datayoti/ingestor/status")
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.op_timeout", "5s")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.max_connections", 4)
	v.SetDefault("store.postgres.connect_timeout", "10s")
	v.SetDefault("store.sqlite.path", "data/datayoti.db")
	v.SetDefault("auth.cache_ttl", "300s")
	v.SetDefault("ingest.queue_size", 256)
	v.SetDefault("http.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for _, key := range durationKeys {
		if raw := strings.TrimSpace(v.GetString(key)); raw != "" && isDigits(raw) {
			v.Set(key, raw+"s")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every required setting that is missing.
func (c *Config) Validate() error {
	var missing []string
	require := func(value, env string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, env)
		}
	}

	require(c.MQTT.Host, "MQTT_HOST")
	require(c.MQTT.User, "MQTT_USER")
	require(c.MQTT.Password, "MQTT_PASSWORD")

	switch c.Store.Driver {
	case DriverPostgres:
		require(c.Store.Postgres.Host, "PG_HOST")
		require(c.Store.Postgres.User, "PG_USER")
		require(c.Store.Postgres.Password, "PG_PASSWORD")
		require(c.Store.Postgres.Database, "PG_DATABASE")
	case DriverSQLite:
		require(c.Store.SQLite.Path, "SQLITE_PATH")
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.Store.Driver)
	}

	if len(missing) > 0 {
		return errors.New("missing required configuration: " + strings.Join(missing, ", "))
	}

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("invalid MQTT_PORT %d", c.MQTT.Port)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTP.Port)
	}
	if c.Auth.CacheTTL <= 0 {
		return fmt.Errorf("AUTH_CACHE_TTL must be positive")
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("INGEST_QUEUE_SIZE must be positive")
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
