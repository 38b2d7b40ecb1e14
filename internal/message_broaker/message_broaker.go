package message_broaker

import (
	"context"
	"errors"
)

type MessageBroker interface {
	Publish(ctx context.Context, queue string, message []byte) error
	// Consume delivers messages until ctx ends. Every delivery must be acked
	// or nacked exactly once.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	Close() error
}

// Delivery is one consumed message plus its settlement callbacks.
type Delivery struct {
	Body []byte
	ack  func() error
	nack func(requeue bool) error
}

func NewDelivery(body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{Body: body, ack: ack, nack: nack}
}

var errUnsettleable = errors.New("delivery has no settlement callback")

func (d Delivery) Ack() error {
	if d.ack == nil {
		return errUnsettleable
	}
	return d.ack()
}

func (d Delivery) Nack(requeue bool) error {
	if d.nack == nil {
		return errUnsettleable
	}
	return d.nack(requeue)
}
