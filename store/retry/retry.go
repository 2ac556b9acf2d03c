// Package retry runs storage operations with connection-failure recovery.
//
// Every operation of a concrete backend goes through a Retrier. When an
// operation fails with an error the backend classifies as connection-class,
// the Retrier waits the configured backoff, rebuilds the backend's pool via
// its reconnect function, and retries, up to Policy.MaxAttempts times. Any
// other error is returned immediately. Reconnects are de-duplicated so that a
// burst of failing callers triggers one rebuild, not one per caller, and a
// caller whose failure predates the last rebuild retries on the new pool
// instead of replacing it again.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/jmurth1234/bPermissions-sub000/store"
)

// Policy configures reconnect attempts.
type Policy struct {
	// MaxAttempts is the number of reconnect-and-retry rounds after the
	// first failure. Zero disables retries.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts" yaml:"max_attempts"`

	// Backoff is the delay before each reconnect.
	Backoff time.Duration `json:"backoff" mapstructure:"backoff" yaml:"backoff"`
}

// DefaultPolicy returns three attempts two seconds apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 2 * time.Second}
}

// Validate reports the first invalid field as a *store.ConfigError.
func (p Policy) Validate(backend string) error {
	if p.MaxAttempts < 0 {
		return &store.ConfigError{Backend: backend, Key: "retry.max_attempts", Reason: "must not be negative"}
	}
	if p.Backoff < 0 {
		return &store.ConfigError{Backend: backend, Key: "retry.backoff", Reason: "must not be negative"}
	}
	return nil
}

// Classifier reports whether an error is connection-class.
type Classifier func(error) bool

// ReconnectFunc builds and pings a replacement pool and swaps it in. On
// failure the backend must keep a handle whose errors classify as
// connection-class, so that a later call can try again.
type ReconnectFunc func(ctx context.Context) error

// Option configures a Retrier.
type Option func(*Retrier)

// WithTransient retries errors matched by c after the backoff without
// rebuilding the pool. Lock contention is the typical case.
func WithTransient(c Classifier) Option {
	return func(r *Retrier) { r.transient = c }
}

// Retrier executes operations under a Policy.
type Retrier struct {
	backend   string
	policy    Policy
	classify  Classifier
	transient Classifier
	reconnect ReconnectFunc
	logger    *slog.Logger

	group singleflight.Group
	mu    sync.Mutex    // held while a rebuild runs
	gen   atomic.Uint64 // successful rebuilds
}

// New creates a Retrier for the named backend.
func New(backend string, p Policy, classify Classifier, reconnect ReconnectFunc, logger *slog.Logger, opts ...Option) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retrier{
		backend:   backend,
		policy:    p,
		classify:  classify,
		reconnect: reconnect,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn, recovering from connection-class failures. Once attempts are
// exhausted the last cause is returned wrapped in a connection-kind
// *store.Error. Exhausted transient errors are returned unwrapped.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var (
		attempt   int
		permanent bool
		rebuild   bool
		busy      bool
		seen      uint64
	)
	attempts := uint64(max(r.policy.MaxAttempts, 0))
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.policy.Backoff), attempts), ctx)

	err := backoff.RetryNotify(func() error {
		attempt++
		if rebuild {
			if err := r.reconnectFrom(ctx, seen); err != nil {
				return err
			}
			rebuild = false
		}
		seen = r.gen.Load()
		err := fn(ctx)
		switch {
		case err == nil:
			return nil
		case r.classify(err):
			rebuild, busy = true, false
			return err
		case r.transient != nil && r.transient(err):
			busy = true
			return err
		default:
			permanent = true
			return backoff.Permanent(err)
		}
	}, b, func(err error, wait time.Duration) {
		r.logger.Warn("storage operation failed, will retry",
			"backend", r.backend,
			"op", op,
			"attempt", attempt,
			"reconnect", rebuild,
			"wait", wait,
			"error", err,
		)
	})

	switch {
	case err == nil:
		return nil
	case permanent, busy:
		return err
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	default:
		return store.NewError(store.KindConnection, r.backend, op, err)
	}
}

// Reconnect rebuilds the pool now. Concurrent callers share a single
// in-flight reconnect.
func (r *Retrier) Reconnect(ctx context.Context) error {
	return r.reconnectFrom(ctx, r.gen.Load())
}

// Generation counts successful rebuilds.
func (r *Retrier) Generation() uint64 { return r.gen.Load() }

// reconnectFrom rebuilds the pool unless it was already rebuilt after
// generation seen, the pool the failing call ran against.
func (r *Retrier) reconnectFrom(ctx context.Context, seen uint64) error {
	if r.gen.Load() != seen {
		r.logger.Debug("pool already rebuilt", "backend", r.backend)
		return nil
	}
	_, err, shared := r.group.Do(strconv.FormatUint(seen, 10), func() (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen.Load() != seen {
			return nil, nil
		}
		if err := r.reconnect(ctx); err != nil {
			r.logger.Error("reconnect failed", "backend", r.backend, "error", err)
			return nil, err
		}
		r.gen.Add(1)
		r.logger.Info("reconnected", "backend", r.backend)
		return nil, nil
	})
	if shared {
		r.logger.Debug("joined in-flight reconnect", "backend", r.backend)
	}
	return err
}

// Policy returns the retry policy.
func (r *Retrier) Policy() Policy { return r.policy }
