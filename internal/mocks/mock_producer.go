package mocks

import "context"

// MockProducer is a mock implementation of queue.Producer for testing.
type MockProducer struct {
	EnqueueFunc func(ctx context.Context, jobType string, payload []byte, maxAttempts int) (string, error)
}

func (m *MockProducer) Enqueue(ctx context.Context, jobType string, payload []byte, maxAttempts int) (string, error) {
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, jobType, payload, maxAttempts)
	}
	return "", nil
}
