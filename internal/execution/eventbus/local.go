package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// LocalEventBus is an in-process EventBus backed by watermill's gochannel
// pub/sub. It satisfies the same EventBus interface as NatsEventBus, for
// single-instance deployments and tests that don't want to stand up NATS.
type LocalEventBus struct {
	pubSub *gochannel.GoChannel
	topic  string
	logger *zap.Logger
}

// NewLocal constructs a LocalEventBus publishing and subscribing on topic.
func NewLocal(logger *zap.Logger, topic string) *LocalEventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = "execution.events"
	}
	wlogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 1000,
		Persistent:          false,
	}, wlogger)

	return &LocalEventBus{pubSub: pubSub, topic: topic, logger: logger}
}

func (b *LocalEventBus) Publish(ctx context.Context, ev domain.EventRecord) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if err := b.pubSub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

func (b *LocalEventBus) Subscribe(handler func(domain.EventRecord)) error {
	messages, err := b.pubSub.Subscribe(context.Background(), b.topic)
	if err != nil {
		return fmt.Errorf("eventbus: subscribe: %w", err)
	}

	go func() {
		for msg := range messages {
			var ev domain.EventRecord
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Error("eventbus: unmarshal event", zap.Error(err))
				msg.Nack()
				continue
			}
			handler(ev)
			msg.Ack()
		}
	}()
	return nil
}

func (b *LocalEventBus) Close() error {
	return b.pubSub.Close()
}
