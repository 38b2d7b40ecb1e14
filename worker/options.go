package worker

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultConcurrency   = 4
	DefaultPollInterval  = time.Second
	DefaultLeaseDuration = 30 * time.Second
	DefaultMaxExecution  = 5 * time.Minute
	DefaultShutdownGrace = 10 * time.Second
)

type Option func(*Runtime) error

func WithConcurrency(n int) Option {
	return func(r *Runtime) error {
		if n < 1 {
			return errors.New("concurrency must be at least 1")
		}
		r.concurrency = n
		return nil
	}
}

// WithPollInterval bounds how long one dequeue waits for work.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		r.pollInterval = d
		return nil
	}
}

func WithLeaseDuration(d time.Duration) Option {
	return func(r *Runtime) error {
		if d <= 0 {
			return errors.New("lease duration must be positive")
		}
		r.leaseDuration = d
		return nil
	}
}

// WithHeartbeatInterval sets how often a running job extends its lease.
// Defaults to a third of the lease duration.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runtime) error {
		if d <= 0 {
			return errors.New("heartbeat interval must be positive")
		}
		r.heartbeat = d
		return nil
	}
}

func WithMaxExecution(d time.Duration) Option {
	return func(r *Runtime) error {
		if d <= 0 {
			return errors.New("max execution must be positive")
		}
		r.maxExecution = d
		return nil
	}
}

func WithShutdownGrace(d time.Duration) Option {
	return func(r *Runtime) error {
		if d < 0 {
			return errors.New("shutdown grace must not be negative")
		}
		r.shutdownGrace = d
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		r.logger = logger
		return nil
	}
}
