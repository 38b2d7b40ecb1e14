package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/store"
)

// Store keeps everything in process memory. It satisfies the full store
// contract, including blocking pop, and is meant for tests and single-process use.
type Store struct {
	mu     sync.Mutex
	kv     map[string][]byte
	lists  map[string][]string
	sorted map[string]map[string]int64
	// closed and replaced on every push to wake blocked poppers
	notify chan struct{}
	closed bool
}

var _ store.Store = (*Store)(nil)
var _ store.BlockingPopper = (*Store)(nil)

func New() *Store {
	return &Store{
		kv:     make(map[string][]byte),
		lists:  make(map[string][]string),
		sorted: make(map[string]map[string]int64),
		notify: make(chan struct{}),
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.kv, key)
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	current, ok := s.kv[key]
	if expected == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(current, expected) {
		return false, nil
	}
	s.kv[key] = append([]byte(nil), value...)
	return true, nil
}

func (s *Store) ListPush(ctx context.Context, list, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.lists[list] = append(s.lists[list], member)
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

func (s *Store) ListPop(ctx context.Context, list string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked(list)
}

func (s *Store) popLocked(list string) (string, error) {
	if s.closed {
		return "", store.ErrClosed
	}
	items := s.lists[list]
	if len(items) == 0 {
		return "", store.ErrNotFound
	}
	head := items[0]
	s.lists[list] = items[1:]
	return head, nil
}

func (s *Store) BlockingListPop(ctx context.Context, list string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		member, err := s.popLocked(list)
		wait := s.notify
		s.mu.Unlock()
		if err != store.ErrNotFound {
			return member, err
		}

		select {
		case <-wait:
		case <-timer.C:
			return "", store.ErrNotFound
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Store) ListRange(ctx context.Context, list string, offset, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	items := s.lists[list]
	if offset >= int64(len(items)) {
		return []string{}, nil
	}
	end := int64(len(items))
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]string(nil), items[offset:end]...), nil
}

func (s *Store) ListRemove(ctx context.Context, list, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	items := s.lists[list]
	kept := items[:0:0]
	var removed int64
	for _, m := range items {
		if m == member {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.lists[list] = kept
	return removed, nil
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return int64(len(s.lists[list])), nil
}

func (s *Store) SortedAdd(ctx context.Context, set, member string, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	m, ok := s.sorted[set]
	if !ok {
		m = make(map[string]int64)
		s.sorted[set] = m
	}
	m[member] = score
	return nil
}

func (s *Store) SortedRemove(ctx context.Context, set, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	m := s.sorted[set]
	if _, ok := m[member]; !ok {
		return false, nil
	}
	delete(m, member)
	return true, nil
}

func (s *Store) SortedRangeByScore(ctx context.Context, set string, max int64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	type entry struct {
		member string
		score  int64
	}
	var entries []entry
	for member, score := range s.sorted[set] {
		if score <= max {
			entries = append(entries, entry{member, score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score == entries[j].score {
			return entries[i].member < entries[j].member
		}
		return entries[i].score < entries[j].score
	})
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.member)
	}
	return out, nil
}

func (s *Store) SortedLen(ctx context.Context, set string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return int64(len(s.sorted[set])), nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
