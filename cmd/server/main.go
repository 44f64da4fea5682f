package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"datayoti/go-ingestor/internal/app"
	"datayoti/go-ingestor/internal/config"
	"datayoti/go-ingestor/internal/store"
	"datayoti/go-ingestor/internal/store/postgres"
	"datayoti/go-ingestor/internal/store/sqlite"
	"datayoti/go-ingestor/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "optional YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dial, err := dialer(cfg.Store)
	if err != nil {
		logger.Fatal("invalid store configuration", zap.Error(err))
	}

	gateway := store.NewGateway(dial, logger.Named("store"), store.WithOpTimeout(cfg.Store.OpTimeout))
	broker := transport.New(cfg.MQTT, logger.Named("mqtt"))

	application, err := app.New(cfg, logger, gateway, broker)
	if err != nil {
		logger.Fatal("failed to build ingestor", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting ingestor",
		zap.String("broker", cfg.MQTT.BrokerURL()),
		zap.String("store", cfg.Store.Driver))

	if err := application.Run(ctx); err != nil {
		logger.Error("ingestor terminated", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	logger.Info("ingestor stopped cleanly")
}

func dialer(cfg config.StoreConfig) (store.Dialer, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Dialer(cfg.Postgres), nil
	case config.DriverSQLite:
		return sqlite.Dialer(cfg.SQLite.Path), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
