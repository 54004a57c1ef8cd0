// Package eventbus fans EventRecords out to other execution-core instances
// over NATS JetStream, so a strategy's STOPLOSS or retry event enqueued on
// one instance is also observed (and, for a future multi-instance
// deployment, deduplicated) by every other instance watching the same
// symbol or strategy id.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// Config configures a NatsEventBus.
type Config struct {
	URLs              []string
	Subject           string
	ConnectionTimeout time.Duration
	MaxReconnects     int
	ReconnectWait     time.Duration
	UseJetStream      bool
	StreamConfig      *nats.StreamConfig
}

// DefaultConfig returns sane defaults: connect to the local NATS server,
// publish on "execution.events" with JetStream enabled for at-least-once
// delivery across restarts.
func DefaultConfig() Config {
	return Config{
		URLs:              []string{nats.DefaultURL},
		Subject:            "execution.events",
		ConnectionTimeout:  5 * time.Second,
		MaxReconnects:      10,
		ReconnectWait:      time.Second,
		UseJetStream:      true,
		StreamConfig: &nats.StreamConfig{
			Name:      "execution-events",
			Subjects:  []string{"execution.events"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			MaxBytes:  256 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Replicas:  1,
		},
	}
}

// EventBus publishes and subscribes to EventRecords across instances.
type EventBus interface {
	Publish(ctx context.Context, ev domain.EventRecord) error
	Subscribe(handler func(domain.EventRecord)) error
	Close() error
}

// NatsEventBus is the production EventBus, backed by NATS JetStream.
type NatsEventBus struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	logger  *zap.Logger
	subject string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New connects to NATS per cfg and, if UseJetStream is set, ensures the
// configured stream exists.
func New(logger *zap.Logger, cfg Config) (*NatsEventBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.URLs) == 0 {
		cfg.URLs = []string{nats.DefaultURL}
	}
	if cfg.Subject == "" {
		cfg.Subject = "execution.events"
	}

	opts := []nats.Option{
		nats.Name("execution-core"),
		nats.Timeout(cfg.ConnectionTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("eventbus: disconnected from nats", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("eventbus: reconnected to nats", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	bus := &NatsEventBus{conn: conn, logger: logger, subject: cfg.Subject}

	if cfg.UseJetStream {
		js, err := conn.JetStream()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("eventbus: jetstream context: %w", err)
		}
		if cfg.StreamConfig != nil {
			if _, err := js.StreamInfo(cfg.StreamConfig.Name); err != nil {
				if _, err := js.AddStream(cfg.StreamConfig); err != nil {
					conn.Close()
					return nil, fmt.Errorf("eventbus: add stream: %w", err)
				}
			}
		}
		bus.js = js
	}

	return bus, nil
}

// Publish marshals ev to JSON and publishes it to the configured subject.
func (b *NatsEventBus) Publish(ctx context.Context, ev domain.EventRecord) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}

	if b.js != nil {
		_, err = b.js.Publish(b.subject, payload)
	} else {
		err = b.conn.Publish(b.subject, payload)
	}
	if err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Subscribe registers handler to be called for every EventRecord published
// by any instance, including this one.
func (b *NatsEventBus) Subscribe(handler func(domain.EventRecord)) error {
	msgHandler := func(msg *nats.Msg) {
		var ev domain.EventRecord
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("eventbus: unmarshal event", zap.Error(err))
			return
		}
		handler(ev)
	}

	var sub *nats.Subscription
	var err error
	if b.js != nil {
		sub, err = b.js.Subscribe(b.subject, msgHandler)
	} else {
		sub, err = b.conn.Subscribe(b.subject, msgHandler)
	}
	if err != nil {
		return fmt.Errorf("eventbus: subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions and closes the underlying NATS connection.
func (b *NatsEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.logger.Error("eventbus: drain subscription", zap.Error(err))
		}
	}
	b.conn.Close()
	return nil
}
