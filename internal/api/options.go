package api

import (
	"errors"
	"strings"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/constants"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultAddr        = ":8080"
	DefaultLease       = 30 * time.Second
	DefaultMaxWait     = 20 * time.Second
	DefaultMaxAttempts = constants.DefaultMaxAttempts
	defaultPageSize    = 15
)

type Option func(*Server) error

func WithAddr(addr string) Option {
	return func(s *Server) error {
		if strings.TrimSpace(addr) == "" {
			return errors.New("listen address is required")
		}
		s.addr = addr
		return nil
	}
}

// WithAuthToken requires "Authorization: Bearer <token>" on every /v1 route.
func WithAuthToken(token string) Option {
	return func(s *Server) error {
		s.authToken = token
		return nil
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) error {
		if g == nil {
			return errors.New("metrics gatherer must not be nil")
		}
		s.gatherer = g
		return nil
	}
}

func WithDefaultLease(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return errors.New("default lease must be positive")
		}
		s.defaultLease = d
		return nil
	}
}

// WithMaxWait caps how long a lease request may block waiting for work.
func WithMaxWait(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return errors.New("max wait must not be negative")
		}
		s.maxWait = d
		return nil
	}
}

func WithDefaultMaxAttempts(n int) Option {
	return func(s *Server) error {
		if n < 1 {
			return errors.New("default max attempts must be at least 1")
		}
		s.defaultMaxAttempts = n
		return nil
	}
}
