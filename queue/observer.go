package queue

import "context"

type Event string

const (
	EventEnqueued     Event = "enqueued"
	EventLeased       Event = "leased"
	EventCompleted    Event = "completed"
	EventFailed       Event = "failed"
	EventDeadLettered Event = "dead_lettered"
	EventReclaimed    Event = "reclaimed"
	EventReleased     Event = "released"
)

var AllEvents = []Event{
	EventEnqueued,
	EventLeased,
	EventCompleted,
	EventFailed,
	EventDeadLettered,
	EventReclaimed,
	EventReleased,
}

// Observer receives one call per job transition. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	Record(queue, jobType string, event Event)
}

type NopObserver struct{}

func (NopObserver) Record(string, string, Event) {}

// Producer is the single ingress for new work.
type Producer interface {
	Enqueue(ctx context.Context, jobType string, payload []byte, maxAttempts int) (string, error)
}

// HealthSource is a connection-health signal, usually a store.HealthMonitor.
type HealthSource interface {
	Subscribe(fn func(healthy bool))
	Healthy() bool
}
