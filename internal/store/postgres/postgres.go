package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	schema = "firequeue_schema"
	// notifyChannel is raised by the list_items insert trigger.
	notifyChannel = "firequeue_list_push"
	// fallback poll step for blocking pops without a listener
	pollStep = 200 * time.Millisecond
)

const (
	getQuery        = `SELECT value FROM firequeue_schema.kv WHERE key = $1`
	setQuery        = `INSERT INTO firequeue_schema.kv (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	deleteQuery     = `DELETE FROM firequeue_schema.kv WHERE key = $1`
	insertIfAbsent  = `INSERT INTO firequeue_schema.kv (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO NOTHING`
	casQuery        = `UPDATE firequeue_schema.kv SET value = $3, updated_at = now() WHERE key = $1 AND value = $2`
	listPushQuery   = `INSERT INTO firequeue_schema.list_items (list, member) VALUES ($1, $2)`
	listPopQuery    = `DELETE FROM firequeue_schema.list_items WHERE id = (SELECT id FROM firequeue_schema.list_items WHERE list = $1 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED) RETURNING member`
	listRangeQuery  = `SELECT member FROM firequeue_schema.list_items WHERE list = $1 ORDER BY id OFFSET $2 LIMIT $3`
	listRemoveQuery = `DELETE FROM firequeue_schema.list_items WHERE list = $1 AND member = $2`
	listLenQuery    = `SELECT COUNT(*) FROM firequeue_schema.list_items WHERE list = $1`
	sortedAddQuery  = `INSERT INTO firequeue_schema.sorted_items (set_key, member, score) VALUES ($1, $2, $3) ON CONFLICT (set_key, member) DO UPDATE SET score = EXCLUDED.score`
	sortedRemQuery  = `DELETE FROM firequeue_schema.sorted_items WHERE set_key = $1 AND member = $2`
	sortedRangeQ    = `SELECT member FROM firequeue_schema.sorted_items WHERE set_key = $1 AND score <= $2 ORDER BY score, member LIMIT $3`
	sortedLenQuery  = `SELECT COUNT(*) FROM firequeue_schema.sorted_items WHERE set_key = $1`
)

// Store maps the store contract onto three tables. Pops use SKIP LOCKED so
// concurrent consumers never receive the same row.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	listener *pq.Listener
	wake     chan struct{}
	logger   *zap.Logger
}

var _ store.Store = (*Store)(nil)
var _ store.BlockingPopper = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db, wake: make(chan struct{}), logger: zap.NewNop()}
}

// Open opens a lib/pq connection pool.
func Open(connectionURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return db, nil
}

// Listen subscribes to list push notifications so BlockingListPop wakes up
// on new items instead of polling.
func (s *Store) Listen(connectionURL string, logger *zap.Logger) error {
	if logger != nil {
		s.logger = logger
	}
	listener := pq.NewListener(connectionURL, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			s.logger.Warn("postgres listener not connected", zap.Error(err))
		case pq.ListenerEventReconnected:
			s.logger.Info("postgres listener reconnected")
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		// nil notifications mark a reconnect; wake waiters either way
		for range listener.Notify {
			s.broadcast()
		}
	}()
	return nil
}

func (s *Store) broadcast() {
	s.mu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

func (s *Store) waitChan() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake, s.listener != nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	if err := s.db.QueryRowContext(ctx, getQuery, key).Scan(&value); err != nil {
		return nil, mapError("get", err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, setQuery, key, value)
	return mapError("set", err)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, deleteQuery, key)
	return mapError("delete", err)
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected == nil {
		res, err = s.db.ExecContext(ctx, insertIfAbsent, key, value)
	} else {
		res, err = s.db.ExecContext(ctx, casQuery, key, expected, value)
	}
	if err != nil {
		return false, mapError("cas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("cas", err)
	}
	return n == 1, nil
}

func (s *Store) ListPush(ctx context.Context, list, member string) error {
	_, err := s.db.ExecContext(ctx, listPushQuery, list, member)
	return mapError("list push", err)
}

func (s *Store) ListPop(ctx context.Context, list string) (string, error) {
	var member string
	if err := s.db.QueryRowContext(ctx, listPopQuery, list).Scan(&member); err != nil {
		return "", mapError("list pop", err)
	}
	return member, nil
}

func (s *Store) BlockingListPop(ctx context.Context, list string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		wake, listening := s.waitChan()
		member, err := s.ListPop(ctx, list)
		if !store.IsNotFound(err) {
			return member, err
		}

		var step <-chan time.Time
		if !listening {
			step = time.After(pollStep)
		}
		select {
		case <-wake:
		case <-step:
		case <-timer.C:
			return "", store.ErrNotFound
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *Store) ListRange(ctx context.Context, list string, offset, limit int64) ([]string, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: limit, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, listRangeQuery, list, offset, lim)
	if err != nil {
		return nil, mapError("list range", err)
	}
	return scanMembers(rows)
}

func (s *Store) ListRemove(ctx context.Context, list, member string) (int64, error) {
	res, err := s.db.ExecContext(ctx, listRemoveQuery, list, member)
	if err != nil {
		return 0, mapError("list remove", err)
	}
	n, err := res.RowsAffected()
	return n, mapError("list remove", err)
}

func (s *Store) ListLen(ctx context.Context, list string) (int64, error) {
	return s.count(ctx, "list len", listLenQuery, list)
}

func (s *Store) SortedAdd(ctx context.Context, set, member string, score int64) error {
	_, err := s.db.ExecContext(ctx, sortedAddQuery, set, member, score)
	return mapError("sorted add", err)
}

func (s *Store) SortedRemove(ctx context.Context, set, member string) (bool, error) {
	res, err := s.db.ExecContext(ctx, sortedRemQuery, set, member)
	if err != nil {
		return false, mapError("sorted remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("sorted remove", err)
	}
	return n > 0, nil
}

func (s *Store) SortedRangeByScore(ctx context.Context, set string, max int64, limit int64) ([]string, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: limit, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, sortedRangeQ, set, max, lim)
	if err != nil {
		return nil, mapError("sorted range", err)
	}
	return scanMembers(rows)
}

func (s *Store) SortedLen(ctx context.Context, set string) (int64, error) {
	return s.count(ctx, "sorted len", sortedLenQuery, set)
}

func (s *Store) Ping(ctx context.Context) error {
	return mapError("ping", s.db.PingContext(ctx))
}

func (s *Store) Close() error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	return s.db.Close()
}

func (s *Store) count(ctx context.Context, op, query, arg string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&n); err != nil {
		return 0, mapError(op, err)
	}
	return n, nil
}

func scanMembers(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, mapError("scan", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("rows", err)
	}
	return members, nil
}

// mapError separates transient failures (connection, resources, shutdown,
// serialization) from programming errors such as bad SQL.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return store.Unavailable(op, err)
		}
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return store.Unavailable(op, err)
}
