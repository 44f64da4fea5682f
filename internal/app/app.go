// Package app runs the DataYoti ingestion service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datayoti/go-ingestor/internal/authcache"
	"datayoti/go-ingestor/internal/config"
	"datayoti/go-ingestor/internal/ingest"
	"datayoti/go-ingestor/internal/store"
	"datayoti/go-ingestor/internal/timestamp"
	"datayoti/go-ingestor/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Transport is the broker session the ingestion loop reads from.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topics []string, handler transport.Handler) error
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
	Close(ctx context.Context) error
}

// State is the lifecycle state of the ingestion loop.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type inbound struct {
	topic   string
	payload []byte
}

// App wires the broker session, the message router and the store together
// and manages their lifecycle.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	gateway   *store.Gateway
	cache     *authcache.Cache
	router    *ingest.Router
	transport Transport

	state atomic.Int32
}

// New builds the ingestion pipeline on top of gateway and t. Neither is
// connected until Run.
func New(cfg *config.Config, logger *zap.Logger, gateway *store.Gateway, t Transport) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	validator, err := ingest.NewValidator()
	if err != nil {
		return nil, err
	}

	cache := authcache.New(gateway, cfg.Auth.CacheTTL, logger.Named("authcache"))
	handlers := ingest.NewHandlers(validator, timestamp.Normalizer{}, cache, gateway, logger.Named("ingest"))

	return &App{
		cfg:       cfg,
		logger:    logger,
		gateway:   gateway,
		cache:     cache,
		router:    ingest.NewRouter(handlers, logger.Named("router")),
		transport: t,
	}, nil
}

// State returns the current lifecycle state.
func (a *App) State() State {
	return State(a.state.Load())
}

// Stats exposes the router counters.
func (a *App) Stats() *ingest.Stats {
	return a.router.Stats()
}

// Run connects the store and the broker, then processes messages one at a
// time until ctx is cancelled. The broker session is torn down before the
// store on the way out.
func (a *App) Run(ctx context.Context) error {
	a.state.Store(int32(StateConnecting))
	defer a.state.Store(int32(StateStopped))

	if err := a.gateway.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	a.cache.Refresh(ctx)

	if err := a.transport.Connect(ctx); err != nil {
		return multierr.Append(fmt.Errorf("connect mqtt: %w", err), a.gateway.Close())
	}

	queue := make(chan inbound, a.queueSize())
	if err := a.transport.Subscribe(ctx, ingest.Subscriptions(), a.enqueue(queue)); err != nil {
		return multierr.Append(fmt.Errorf("subscribe: %w", err), a.shutdown())
	}

	if topic := a.cfg.MQTT.StatusTopic; topic != "" {
		if err := a.transport.Publish(ctx, topic, []byte(transport.StatusOnline), true); err != nil {
			a.logger.Warn("failed to publish online status", zap.String("topic", topic), zap.Error(err))
		}
	}

	a.state.Store(int32(StateRunning))
	a.logger.Info("ingestor running", zap.Strings("topics", ingest.Subscriptions()))

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.HTTP.Port != 0 {
		g.Go(func() error { return a.serveStatus(gctx) })
	}
	g.Go(func() error {
		a.loop(gctx, queue)
		return nil
	})

	err := g.Wait()
	a.state.Store(int32(StateStopped))
	a.logger.Info("ingestor stopping")
	return multierr.Append(err, a.shutdown())
}

func (a *App) loop(ctx context.Context, queue <-chan inbound) {
	// A message already being handled runs to completion under the store's
	// own deadline.
	routeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			a.router.Route(routeCtx, msg.topic, msg.payload)
		}
	}
}

// enqueue returns the transport callback. It never blocks the broker client;
// a full queue drops the message.
func (a *App) enqueue(queue chan<- inbound) transport.Handler {
	return func(topic string, payload []byte) {
		select {
		case queue <- inbound{topic: topic, payload: payload}:
		default:
			a.router.Stats().IncDropped()
			a.logger.Error("ingest queue full, dropping message", zap.String("topic", topic), zap.Int("queue_size", cap(queue)))
		}
	}
}

// shutdown releases the broker session, then the store. Both are attempted.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var err error
	if terr := a.transport.Close(ctx); terr != nil {
		err = multierr.Append(err, fmt.Errorf("close mqtt: %w", terr))
	}
	if serr := a.gateway.Close(); serr != nil {
		err = multierr.Append(err, serr)
	}
	return err
}

func (a *App) serveStatus(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:           a.statusRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("status server started", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		a.logger.Info("status server stopped")
		return nil
	}
}

func (a *App) queueSize() int {
	if a.cfg.Ingest.QueueSize > 0 {
		return a.cfg.Ingest.QueueSize
	}
	return 256
}
