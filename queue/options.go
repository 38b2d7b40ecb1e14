package queue

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRetries          = 5
	DefaultRetryInitial     = 50 * time.Millisecond
	DefaultRetryMaxInterval = time.Second
	DefaultOutageThreshold  = 30 * time.Second
	DefaultReclaimBatchSize = 100
)

type Option func(*Engine) error

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		e.logger = logger
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) error {
		if o == nil {
			return errors.New("observer must not be nil")
		}
		e.observer = o
		return nil
	}
}

// WithHealth subscribes the engine to a connection-health signal. While the
// signal is down, dequeue does not touch storage.
func WithHealth(h HealthSource) Option {
	return func(e *Engine) error {
		if h == nil {
			return errors.New("health source must not be nil")
		}
		e.health = h
		return nil
	}
}

// WithRetryPolicy bounds the exponential backoff applied to transient storage errors.
func WithRetryPolicy(retries int, initial, maxInterval time.Duration) Option {
	return func(e *Engine) error {
		if retries < 0 {
			return errors.New("retries must not be negative")
		}
		if initial <= 0 || maxInterval < initial {
			return errors.New("retry intervals must be positive and max >= initial")
		}
		e.retries = retries
		e.retryInitial = initial
		e.retryMax = maxInterval
		return nil
	}
}

// WithOutageThreshold sets how long dequeue keeps reporting an empty queue
// during a storage outage before it returns ErrStorageUnavailable.
func WithOutageThreshold(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return errors.New("outage threshold must not be negative")
		}
		e.outageThreshold = d
		return nil
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(e *Engine) error {
		if strings.TrimSpace(prefix) == "" {
			return errors.New("key prefix is required")
		}
		e.keys.Prefix = prefix
		return nil
	}
}

func WithReclaimBatchSize(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return errors.New("reclaim batch size must be positive")
		}
		e.reclaimBatch = n
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now == nil {
			return errors.New("clock must not be nil")
		}
		e.now = now
		return nil
	}
}

func WithIDGenerator(next func() string) Option {
	return func(e *Engine) error {
		if next == nil {
			return errors.New("id generator must not be nil")
		}
		e.newID = next
		return nil
	}
}

func defaultIDGenerator() string {
	return uuid.NewString()
}
