// Package store owns the connection to the telemetry database and the
// reconnect policy around it. Backends live in the postgres and sqlite
// subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"datayoti/go-ingestor/internal/model"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
	// ErrUnavailable is returned when no connection could be established.
	ErrUnavailable = errors.New("store unavailable")
)

// Conn is one live connection to a backend.
type Conn interface {
	UpsertReading(ctx context.Context, r model.SensorReading) error
	UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) error
	Devices(ctx context.Context) ([]model.Device, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new Conn.
type Dialer func(ctx context.Context) (Conn, error)

// State is the gateway connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Gateway serializes access to a single backend connection. A failed
// operation moves it to StateFaulted and the connection is dropped and
// redialed before the error is returned. The failed operation itself is not
// retried.
type Gateway struct {
	dial      Dialer
	logger    *zap.Logger
	opTimeout time.Duration
	now       func() time.Time

	mu    sync.Mutex
	conn  Conn
	state atomic.Int32

	// live mirrors conn for Ping, which must not wait on mu.
	live atomic.Pointer[liveConn]
}

type liveConn struct {
	Conn
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithOpTimeout bounds every store operation. Zero disables the deadline.
func WithOpTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.opTimeout = d }
}

// WithClock replaces the clock used to stamp reception_time.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// NewGateway constructs a disconnected gateway.
func NewGateway(dial Dialer, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		dial:      dial,
		logger:    logger,
		opTimeout: 5 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current connection state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Connect opens the initial connection.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.State() == StateClosed {
		return ErrClosed
	}
	if g.conn != nil {
		return nil
	}
	return g.connectLocked(ctx)
}

// UpsertReading inserts r or, when a row for (device, time) exists, overwrites
// its temperature, humidity and reception_time.
func (g *Gateway) UpsertReading(ctx context.Context, r model.SensorReading) error {
	return g.do(ctx, "upsert sensor reading", func(ctx context.Context, c Conn) error {
		r.ReceptionTime = g.now().UTC()
		return c.UpsertReading(ctx, r)
	})
}

// UpsertHeartbeat inserts hb or overwrites the existing row for (device, time).
func (g *Gateway) UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	return g.do(ctx, "upsert heartbeat", func(ctx context.Context, c Conn) error {
		hb.ReceptionTime = g.now().UTC()
		return c.UpsertHeartbeat(ctx, hb)
	})
}

// Devices reads the whole device registry.
func (g *Gateway) Devices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	err := g.do(ctx, "query devices", func(ctx context.Context, c Conn) error {
		var err error
		devices, err = c.Devices(ctx)
		return err
	})
	return devices, err
}

// Ping checks that the current connection answers. It never dials, never
// faults the gateway and does not wait for an operation in progress.
func (g *Gateway) Ping(ctx context.Context) error {
	if g.State() == StateClosed {
		return ErrClosed
	}
	live := g.live.Load()
	if live == nil {
		return ErrUnavailable
	}

	if g.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opTimeout)
		defer cancel()
	}
	if err := live.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close releases the connection. The gateway cannot be reused afterwards.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.Store(int32(StateClosed))
	if g.conn == nil {
		return nil
	}
	err := g.conn.Close()
	g.setConnLocked(nil)
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

func (g *Gateway) do(ctx context.Context, op string, fn func(context.Context, Conn) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.State() == StateClosed {
		return ErrClosed
	}
	if g.conn == nil {
		if err := g.connectLocked(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	opCtx := ctx
	if g.opTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, g.opTimeout)
		defer cancel()
	}

	err := fn(opCtx, g.conn)
	if err == nil {
		return nil
	}

	g.state.Store(int32(StateFaulted))
	g.logger.Error("store operation failed, reconnecting", zap.String("op", op), zap.Error(err))
	g.reconnectLocked(ctx)

	return fmt.Errorf("%s: %w", op, err)
}

func (g *Gateway) connectLocked(ctx context.Context) error {
	conn, err := g.dial(ctx)
	if err != nil {
		if g.State() != StateFaulted {
			g.state.Store(int32(StateDisconnected))
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	g.setConnLocked(conn)
	g.state.Store(int32(StateConnected))
	return nil
}

func (g *Gateway) setConnLocked(conn Conn) {
	g.conn = conn
	if conn == nil {
		g.live.Store(nil)
		return
	}
	g.live.Store(&liveConn{Conn: conn})
}

func (g *Gateway) reconnectLocked(ctx context.Context) {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("close faulted store connection", zap.Error(err))
		}
		g.setConnLocked(nil)
	}

	if err := g.connectLocked(ctx); err != nil {
		g.logger.Error("store reconnect failed", zap.Error(err))
		return
	}
	g.logger.Info("store reconnected")
}
