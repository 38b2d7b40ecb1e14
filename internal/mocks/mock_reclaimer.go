package mocks

import "context"

// MockReclaimer is a mock implementation of sweeper.Reclaimer for testing.
type MockReclaimer struct {
	QueueName                string
	ReclaimExpiredLeasesFunc func(ctx context.Context) (int, error)
}

func (m *MockReclaimer) Queue() string { return m.QueueName }

func (m *MockReclaimer) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	if m.ReclaimExpiredLeasesFunc != nil {
		return m.ReclaimExpiredLeasesFunc(ctx)
	}
	return 0, nil
}
