// Package transport connects the ingestor to the MQTT broker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"datayoti/go-ingestor/internal/config"
)

const (
	// StatusOnline and StatusOffline are published retained on the status topic.
	StatusOnline  = "online"
	StatusOffline = "offline"

	clientIDPrefix = "datayoti-ingestor-"
	subscribeQoS   = byte(1)
	quiesceMillis  = 250
)

// ErrNotConnected is returned when an operation needs a live session.
var ErrNotConnected = errors.New("mqtt client not connected")

// Handler receives one publish. The payload is owned by the handler.
type Handler func(topic string, payload []byte)

// Client is a paho session that restores its subscriptions after every
// reconnect.
type Client struct {
	cfg    config.MQTTConfig
	logger *zap.Logger
	client mqtt.Client

	mu      sync.Mutex
	topics  []string
	handler Handler
}

// New prepares a client for cfg. Nothing is dialed until Connect.
func New(cfg config.MQTTConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, logger: logger}
	c.client = mqtt.NewClient(c.options())
	return c
}

// ClientID returns the configured client ID or a fresh random one.
func ClientID(configured string) string {
	if configured != "" {
		return configured
	}
	return clientIDPrefix + uuid.NewString()
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL()).
		SetClientID(ClientID(c.cfg.ClientID)).
		SetUsername(c.cfg.User).
		SetPassword(c.cfg.Password).
		SetKeepAlive(c.cfg.KeepAlive).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOrderMatters(true)

	if c.cfg.StatusTopic != "" {
		opts.SetWill(c.cfg.StatusTopic, StatusOffline, 1, true)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Info("mqtt reconnecting", zap.String("broker", c.cfg.BrokerURL()))
	})
	return opts
}

// Connect dials the broker and waits for the session, bounded by ctx and the
// configured connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	if err := wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("connect to %s: %w", c.cfg.BrokerURL(), err)
	}
	c.logger.Info("mqtt connected", zap.String("broker", c.cfg.BrokerURL()))
	return nil
}

// Subscribe registers handler for topics. The subscription is replayed on
// every reconnect.
func (c *Client) Subscribe(ctx context.Context, topics []string, handler Handler) error {
	c.mu.Lock()
	c.topics = append([]string(nil), topics...)
	c.handler = handler
	c.mu.Unlock()

	return c.subscribe(ctx)
}

func (c *Client) subscribe(ctx context.Context) error {
	c.mu.Lock()
	topics, handler := c.topics, c.handler
	c.mu.Unlock()

	if len(topics) == 0 || handler == nil {
		return nil
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = subscribeQoS
	}

	token := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		payload := append([]byte(nil), msg.Payload()...)
		handler(msg.Topic(), payload)
	})
	if err := wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	c.logger.Info("mqtt subscribed", zap.Strings("topics", topics))
	return nil
}

// Publish sends payload with QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, 1, retained, payload)
	if err := wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close marks the ingestor offline, drops the subscriptions and disconnects.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	topics := c.topics
	c.topics, c.handler = nil, nil
	c.mu.Unlock()

	if !c.client.IsConnected() {
		return nil
	}

	var err error
	if c.cfg.StatusTopic != "" {
		err = multierr.Append(err, c.Publish(ctx, c.cfg.StatusTopic, []byte(StatusOffline), true))
	}
	if len(topics) > 0 {
		if uerr := wait(ctx, c.client.Unsubscribe(topics...), c.cfg.ConnectTimeout); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("unsubscribe: %w", uerr))
		}
	}

	c.client.Disconnect(quiesceMillis)
	c.logger.Info("mqtt disconnected")
	return err
}

// onConnect runs on paho's own goroutine after every successful connect. The
// first connect has nothing to resume yet.
func (c *Client) onConnect(mqtt.Client) {
	c.mu.Lock()
	resume := c.handler != nil
	c.mu.Unlock()
	if !resume {
		return
	}

	ctx := context.Background()
	if err := c.subscribe(ctx); err != nil {
		c.logger.Error("mqtt resubscribe failed", zap.Error(err))
		return
	}
	if c.cfg.StatusTopic != "" {
		if err := c.Publish(ctx, c.cfg.StatusTopic, []byte(StatusOnline), true); err != nil {
			c.logger.Warn("mqtt status publish failed", zap.Error(err))
		}
	}
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
