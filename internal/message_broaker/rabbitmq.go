package message_broaker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const prefetchCount = 32

type RabbitMQ struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	exchange   string
	routingKey string
}

// NewRabbitMQ dials the broker and declares a durable direct exchange with
// queue bound to it under routingKey.
func NewRabbitMQ(url, exchange, queue, routingKey string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := setup(ch, exchange, queue, routingKey); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		queueName:  queue,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

func setup(ch *amqp.Channel, exchange, queue, routingKey string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}

	if err := ch.QueueBind(
		queue,
		routingKey,
		exchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}

	// manual acks; bound the unacked window
	return ch.Qos(prefetchCount, 0, false)
}

func (r *RabbitMQ) routingKeyFor(queue string) string {
	if queue == "" {
		return r.routingKey
	}
	return queue
}

// Publish sends a persistent message. queue overrides the configured routing key.
func (r *RabbitMQ) Publish(ctx context.Context, queue string, message []byte) error {
	return r.channel.PublishWithContext(
		ctx,
		r.exchange,
		r.routingKeyFor(queue),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         message,
		},
	)
}

func (r *RabbitMQ) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if queue == "" {
		queue = r.queueName
	}
	msgs, err := r.channel.Consume(
		queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	out := make(chan Delivery, prefetchCount)

	go func() {
		defer close(out)

		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d := NewDelivery(msg.Body,
					func() error { return msg.Ack(false) },
					func(requeue bool) error { return msg.Nack(false, requeue) },
				)
				select {
				case out <- d:
				case <-ctx.Done():
					// unacked; the broker redelivers once the channel closes
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
