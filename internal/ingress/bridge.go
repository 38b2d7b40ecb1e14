package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/firequeue/internal/message_broaker"
	"github.com/RezaEskandarii/firequeue/queue"
	"go.uber.org/zap"
)

var ErrDeliveriesClosed = errors.New("broker closed the delivery stream")

// Bridge consumes job requests from a broker queue and enqueues them. A
// message is acked only after its job is stored.
type Bridge struct {
	broker      message_broaker.MessageBroker
	brokerQueue string
	producer    queue.Producer
	logger      *zap.Logger
}

func NewBridge(broker message_broaker.MessageBroker, brokerQueue string, producer queue.Producer, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		broker:      broker,
		brokerQueue: brokerQueue,
		producer:    producer,
		logger:      logger.With(zap.String("broker_queue", brokerQueue)),
	}
}

func (b *Bridge) Run(ctx context.Context) error {
	deliveries, err := b.broker.Consume(ctx, b.brokerQueue)
	if err != nil {
		return fmt.Errorf("ingress: %w", err)
	}
	b.logger.Info("ingress bridge started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			_ = b.Handle(ctx, d)
		}
	}
}

// Handle settles one delivery. Malformed messages are dropped; enqueue
// failures go back to the broker for redelivery.
func (b *Bridge) Handle(ctx context.Context, d message_broaker.Delivery) error {
	msg, err := decodeMessage(d.Body)
	if err != nil {
		b.logger.Warn("dropping malformed message", zap.Error(err))
		if nackErr := d.Nack(false); nackErr != nil {
			b.logger.Error("nack failed", zap.Error(nackErr))
		}
		return err
	}

	id, err := b.producer.Enqueue(ctx, msg.Type, msg.payloadBytes(), msg.MaxAttempts)
	if err != nil {
		b.logger.Error("enqueue from broker failed, requeueing message", zap.String("type", msg.Type), zap.Error(err))
		if nackErr := d.Nack(true); nackErr != nil {
			b.logger.Error("nack failed", zap.Error(nackErr))
		}
		return err
	}

	if err := d.Ack(); err != nil {
		// the job is stored; redelivery would enqueue it a second time
		b.logger.Error("ack failed after enqueue", zap.String("job_id", id), zap.Error(err))
		return err
	}
	b.logger.Debug("message enqueued", zap.String("job_id", id), zap.String("type", msg.Type))
	return nil
}
