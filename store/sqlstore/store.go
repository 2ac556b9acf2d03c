// Package sqlstore provides the relational implementation of the storage
// backend contract on grove, with PostgreSQL (pgdriver) and SQLite
// (sqlitedriver) engines.
//
// One Store owns one grove database shared by every world. Users and groups
// are stored one row per record keyed by (world, id); their collections are
// JSON text. Saves and deletes append to an append-only change-log table in
// the same transaction.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/grove"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/retry"
)

// Kind is the backend kind reported by Store.Kind.
const Kind = "sql"

// Compile-time interface checks.
var (
	_ store.Backend       = (*Store)(nil)
	_ store.Transactor    = (*Store)(nil)
	_ store.BulkSaver     = (*Store)(nil)
	_ changelog.Retention = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the relational backend.
type Store struct {
	cfg     Config
	clock   *store.Clock
	retrier *retry.Retrier
	logger  *slog.Logger

	mu     sync.RWMutex
	conn   *conn
	closed bool
}

// New validates cfg and returns an unconnected Store. Call Init before use.
func New(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerID == "" {
		cfg.ServerID = id.NewServerID().String()
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = "default"
	}
	cfg.DefaultGroup = node.Normalize(cfg.DefaultGroup)

	s := &Store{
		cfg:    cfg,
		clock:  store.NewClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retrier = retry.New(Kind, cfg.Retry, IsConnectionError, s.reconnect, s.logger,
		retry.WithTransient(IsBusy))
	return s, nil
}

// Open is New followed by Init.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens and pings the database, then runs the grove migrations.
// Calling Init on an initialized Store only re-checks the schema.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	c := s.conn
	if c == nil {
		var err error
		c, err = openConn(ctx, s.cfg)
		if err != nil {
			s.mu.Unlock()
			return store.NewError(store.KindConnection, Kind, "init", err)
		}
		s.conn = c
	}
	s.closed = false
	s.mu.Unlock()

	if err := c.migrate(ctx); err != nil {
		return fmt.Errorf("sqlstore: init: %w", err)
	}
	s.logger.Info("sql backend ready", "driver", s.cfg.Driver, "server_id", s.cfg.ServerID)
	return nil
}

// reconnect opens and pings a replacement database and swaps it in. The old
// one is closed only after the swap, so a failed rebuild leaves the previous
// handle in place and its errors stay connection-class.
func (s *Store) reconnect(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return store.ErrClosed
	}

	c, err := openConn(ctx, s.cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.db.Close()
		return store.ErrClosed
	}
	old := s.conn
	s.conn = c
	s.mu.Unlock()

	if old != nil {
		_ = old.db.Close()
	}
	return nil
}

// handle returns the current connection.
func (s *Store) handle() (*conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.closed:
		return nil, store.ErrClosed
	case s.conn == nil:
		return nil, store.ErrNotInitialized
	}
	return s.conn, nil
}

// Ping verifies the database without retrying.
func (s *Store) Ping(ctx context.Context) error {
	c, err := s.handle()
	if err != nil {
		return fmt.Errorf("sqlstore: ping: %w", err)
	}
	if err := c.db.Ping(ctx); err != nil {
		return store.NewError(store.KindConnection, Kind, "ping", err)
	}
	return nil
}

// Connected reports whether a ping succeeds.
func (s *Store) Connected(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

// Close releases the database. It is safe after a failed Init and idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.db.Close()
	s.conn = nil
	return err
}

// ServerID returns the server identity.
func (s *Store) ServerID() string { return s.cfg.ServerID }

// Kind returns "sql".
func (s *Store) Kind() string { return Kind }

// DB returns the current grove database, or nil before Init.
func (s *Store) DB() *grove.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.db
}

// ──────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────

// do runs fn in a session: the context's transaction when one is bound,
// otherwise a local transaction under the retry policy.
func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context, ss *session) error) error {
	if t := s.txFrom(ctx); t != nil {
		return s.inTx(op, fn(ctx, t.ss))
	}
	return s.fail(op, s.retrier.Do(ctx, op, func(ctx context.Context) error {
		c, err := s.handle()
		if err != nil {
			return err
		}
		ss, err := c.begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(ctx, ss); err != nil {
			_ = ss.rollback()
			return err
		}
		return ss.commit()
	}))
}

// inTx classifies an error raised inside a caller transaction. Those are
// never retried because the transaction cannot survive a reconnect.
func (s *Store) inTx(op string, err error) error {
	if err != nil && IsConnectionError(err) {
		return store.NewError(store.KindConnection, Kind, op, err)
	}
	return s.fail(op, err)
}

// fail adds the package prefix to untyped errors. Typed storage errors and
// not-found errors pass through unchanged.
func (s *Store) fail(op string, err error) error {
	var se *store.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &se), errors.Is(err, store.ErrNotFound):
		return err
	default:
		return fmt.Errorf("sqlstore: %s: %w", op, err)
	}
}

// corrupted wraps a decode failure.
func corrupted(op string, err error) error {
	return store.NewError(store.KindDataCorrupted, Kind, op, err)
}
