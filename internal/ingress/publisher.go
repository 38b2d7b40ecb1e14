package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/RezaEskandarii/firequeue/internal/message_broaker"
	"github.com/RezaEskandarii/firequeue/queue"
)

// Publisher is a queue.Producer that hands jobs to the broker instead of the
// store. Job ids are assigned when a Bridge picks the message up, so Enqueue
// returns an empty id.
type Publisher struct {
	broker      message_broaker.MessageBroker
	brokerQueue string
}

var _ queue.Producer = (*Publisher)(nil)

func NewPublisher(broker message_broaker.MessageBroker, brokerQueue string) *Publisher {
	return &Publisher{broker: broker, brokerQueue: brokerQueue}
}

func (p *Publisher) Enqueue(ctx context.Context, jobType string, payload []byte, maxAttempts int) (string, error) {
	if strings.TrimSpace(jobType) == "" {
		return "", errors.New("job type is required")
	}
	if maxAttempts < 1 {
		return "", fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}
	body, err := encodeMessage(jobType, payload, maxAttempts)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := p.broker.Publish(ctx, p.brokerQueue, body); err != nil {
		return "", fmt.Errorf("publish %s: %w", jobType, err)
	}
	return "", nil
}
