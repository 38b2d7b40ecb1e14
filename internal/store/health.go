package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor turns periodic pings into a connection-health signal.
// It starts out healthy; subscribers are told about every change.
type HealthMonitor struct {
	pinger      Pinger
	interval    time.Duration
	timeout     time.Duration
	logger      *zap.Logger
	mu          sync.RWMutex
	healthy     bool
	lastErr     error
	subscribers []func(healthy bool)
}

func NewHealthMonitor(p Pinger, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthMonitor{
		pinger:   p,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger,
		healthy:  true,
	}
}

// Subscribe registers fn for health changes. fn must not block.
func (h *HealthMonitor) Subscribe(fn func(healthy bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

func (h *HealthMonitor) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

func (h *HealthMonitor) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Run pings until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check pings once and updates the signal.
func (h *HealthMonitor) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.pinger.Ping(pingCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		// shutting down, not an outage
		return h.Healthy()
	}
	h.set(err)
	return err == nil
}

func (h *HealthMonitor) set(err error) {
	healthy := err == nil

	h.mu.Lock()
	changed := h.healthy != healthy
	h.healthy = healthy
	h.lastErr = err
	subs := append([]func(bool){}, h.subscribers...)
	h.mu.Unlock()

	if !changed {
		return
	}
	if healthy {
		h.logger.Info("storage client connected to the server")
	} else {
		h.logger.Error("storage client not connected to the server", zap.Error(err))
	}
	for _, fn := range subs {
		fn(healthy)
	}
}
