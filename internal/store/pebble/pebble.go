package pebble

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/cockroachdb/pebble"
)

// Key spaces. Names never contain 0x00, which separates them from suffixes.
const (
	kvPrefix     = "k/"
	listPrefix   = "l/"
	sortedPrefix = "z/"
	sep          = "\x00"
)

type Options struct {
	DataDir string
	// GroupCommit lets pebble coalesce WAL fsyncs of writes that land within
	// the interval. Zero syncs every write on its own.
	GroupCommit time.Duration
}

// Store is an embedded, single-process durable backend. Pebble gives atomic
// batches but no multi-key conditionals, so a process mutex serialises every
// read-modify-write.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	seqs   map[string]uint64
	notify chan struct{}
}

var _ store.Store = (*Store)(nil)
var _ store.BlockingPopper = (*Store)(nil)

func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := &pebble.Options{}
	if interval := opts.GroupCommit; interval > 0 {
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", opts.DataDir, err)
	}
	return &Store{
		db:        db,
		writeOpts: pebble.Sync,
		seqs:      make(map[string]uint64),
		notify:    make(chan struct{}),
	}, nil
}

func kvKey(key string) []byte {
	return []byte(kvPrefix + key)
}

func listKeyPrefix(list string) []byte {
	return []byte(listPrefix + list + sep)
}

func listItemKey(list string, seq uint64) []byte {
	k := listKeyPrefix(list)
	return binary.BigEndian.AppendUint64(k, seq)
}

func memberKey(set, member string) []byte {
	return []byte(sortedPrefix + set + sep + "m/" + member)
}

func scorePrefix(set string) []byte {
	return []byte(sortedPrefix + set + sep + "s/")
}

// scores sort as unsigned big endian once the sign bit is flipped
func encodeScore(score int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(score)^(1<<63))
}

func decodeScore(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func scoreKey(set string, score int64, member string) []byte {
	k := scorePrefix(set)
	k = append(k, encodeScore(score)...)
	return append(k, member...)
}

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(kvKey(key))
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set(kvKey(key), value, s.writeOpts)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(kvKey(key), s.writeOpts)
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.get(kvKey(key))
	switch {
	case store.IsNotFound(err):
		if expected != nil {
			return false, nil
		}
	case err != nil:
		return false, err
	case expected == nil || !bytes.Equal(current, expected):
		return false, nil
	}
	if err := s.db.Set(kvKey(key), value, s.writeOpts); err != nil {
		return false, err
	}
	return true, nil
}

// nextSeq must be called with s.mu held.
func (s *Store) nextSeq(list string) (uint64, error) {
	seq, ok := s.seqs[list]
	if !ok {
		prefix := listKeyPrefix(list)
		iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
		if err != nil {
			return 0, err
		}
		if iter.Last() {
			seq = binary.BigEndian.Uint64(iter.Key()[len(prefix):])
		}
		if err := iter.Close(); err != nil {
			return 0, err
		}
	}
	seq++
	s.seqs[list] = seq
	return seq, nil
}

func (s *Store) ListPush(ctx context.Context, list, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSeq(list)
	if err != nil {
		return err
	}
	if err := s.db.Set(listItemKey(list, seq), []byte(member), s.writeOpts); err != nil {
		return err
	}
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// scanList calls fn for each list item in order until fn returns false.
func (s *Store) scanList(list string, fn func(key, member []byte) bool) error {
	prefix := listKeyPrefix(list)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return err
	}
	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Close()
}

func (s *Store) ListPop(ctx context.Context, list string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked(list)
}

func (s *Store) popLocked(list string) (string, error) {
	var key []byte
	var member string
	err := s.scanList(list, func(k, v []byte) bool {
		key = append([]byte(nil), k...)
		member = string(v)
		return false
	})
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", store.ErrNotFound
	}
	if err := s.db.Delete(key, s.writeOpts); err != nil {
		return "", err
	}
	return member, nil
}

func (s *Store) BlockingListPop(ctx context.Context, list string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		member, err := s.popLocked(list)
		wait := s.notify
		s.mu.Unlock()
		if !store.IsNotFound(err) {
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
	members := []string{}
	var i int64
	err := s.scanList(list, func(_, v []byte) bool {
		if i >= offset {
			members = append(members, string(v))
		}
		i++
		return limit <= 0 || int64(len(members)) < limit
	})
	return members, err
}

func (s *Store) ListRemove(ctx context.Context, list, member string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	var removed int64
	err := s.scanList(list, func(k, v []byte) bool {
		if string(v) == member {
			_ = b.Delete(append([]byte(nil), k...), nil)
			removed++
		}
		return true
	})
	if err != nil || removed == 0 {
		return 0, err
	}
	return removed, b.Commit(s.writeOpts)
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	var n int64
	err := s.scanList(list, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

func (s *Store) SortedAdd(ctx context.Context, set, member string, score int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if old, err := s.get(memberKey(set, member)); err == nil {
		_ = b.Delete(scoreKey(set, decodeScore(old), member), nil)
	} else if !store.IsNotFound(err) {
		return err
	}
	_ = b.Set(memberKey(set, member), encodeScore(score), nil)
	_ = b.Set(scoreKey(set, score, member), nil, nil)
	return b.Commit(s.writeOpts)
}

func (s *Store) SortedRemove(ctx context.Context, set, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.get(memberKey(set, member))
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(memberKey(set, member), nil)
	_ = b.Delete(scoreKey(set, decodeScore(old), member), nil)
	if err := b.Commit(s.writeOpts); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SortedRangeByScore(ctx context.Context, set string, max int64, limit int64) ([]string, error) {
	prefix := scorePrefix(set)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	members := []string{}
	for valid := iter.First(); valid; valid = iter.Next() {
		rest := iter.Key()[len(prefix):]
		if decodeScore(rest[:8]) > max {
			break
		}
		members = append(members, string(rest[8:]))
		if limit > 0 && int64(len(members)) >= limit {
			break
		}
	}
	return members, iter.Close()
}

func (s *Store) SortedLen(ctx context.Context, set string) (int64, error) {
	prefix := []byte(sortedPrefix + set + sep + "m/")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return 0, err
	}
	var n int64
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
