// Package schedule enqueues jobs on cron schedules. Every instance may run a
// Scheduler; a compare-and-swap on the last fired slot makes each slot fire once.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	maxCatchupSlots  = 10
	maxCatchupWindow = time.Hour
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Entry struct {
	Name        string
	Spec        string
	JobType     string
	Payload     []byte
	MaxAttempts int
}

type entry struct {
	Entry
	schedule cron.Schedule
}

type Scheduler struct {
	producer queue.Producer
	store    store.Store
	keys     queue.Keys
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	entries []entry
}

func New(producer queue.Producer, s store.Store, keys queue.Keys, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{
		producer: producer,
		store:    s,
		keys:     keys,
		interval: interval,
		logger:   logger,
	}
}

// Add validates and registers a schedule. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if strings.TrimSpace(e.Name) == "" || strings.TrimSpace(e.JobType) == "" {
		return errors.New("schedule name and job type are required")
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("schedule %s: max attempts must be at least 1", e.Name)
	}
	sched, err := parser.Parse(e.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression '%s': %w", e.Name, e.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.Name == e.Name {
			return fmt.Errorf("schedule '%s' already registered", e.Name)
		}
	}
	s.entries = append(s.entries, entry{Entry: e, schedule: sched})
	return nil
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Int("schedules", s.Len()), zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick fires every slot that came due up to now and returns how many jobs
// this instance enqueued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	entries := append([]entry(nil), s.entries...)
	s.mu.Unlock()

	fired := 0
	for _, e := range entries {
		n, err := s.fire(ctx, e, now)
		fired += n
		if err != nil && ctx.Err() == nil {
			s.logger.Error("schedule tick failed", zap.String("schedule", e.Name), zap.Error(err))
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, e entry, now time.Time) (int, error) {
	key := s.keys.Schedule(e.Name)
	raw, err := s.store.Get(ctx, key)
	if err != nil && !store.IsNotFound(err) {
		return 0, err
	}

	last := now.Add(-s.interval)
	if raw != nil {
		if last, err = time.Parse(time.RFC3339, string(raw)); err != nil {
			return 0, fmt.Errorf("corrupt slot marker %q: %w", raw, err)
		}
	}
	cutoff := now.Add(-maxCatchupWindow)
	if last.Before(cutoff) {
		last = cutoff
	}

	fired := 0
	for next := e.schedule.Next(last); !next.After(now) && fired < maxCatchupSlots; next = e.schedule.Next(next) {
		slot := []byte(next.UTC().Format(time.RFC3339))
		ok, err := s.store.CompareAndSwap(ctx, key, raw, slot)
		if err != nil {
			return fired, err
		}
		if !ok {
			// another instance claimed this slot
			return fired, nil
		}
		raw = slot

		id, err := s.producer.Enqueue(ctx, e.JobType, e.Payload, e.MaxAttempts)
		if err != nil {
			return fired, fmt.Errorf("enqueue slot %s: %w", slot, err)
		}
		fired++
		s.logger.Info("scheduled job enqueued",
			zap.String("schedule", e.Name),
			zap.String("slot", string(slot)),
			zap.String("job_id", id))
	}
	return fired, nil
}
