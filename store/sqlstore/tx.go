package sqlstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmurth1234/bPermissions-sub000/store"
)

type txKey struct{ s *Store }

type txState struct {
	mu   sync.Mutex
	ss   *session
	done bool
}

func (s *Store) txFrom(ctx context.Context) *txState {
	t, _ := ctx.Value(txKey{s}).(*txState)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	return t
}

// BeginTx starts a grove transaction bound to the returned context. Every
// operation issued with that context joins it.
func (s *Store) BeginTx(ctx context.Context) (context.Context, error) {
	if s.txFrom(ctx) != nil {
		return ctx, fmt.Errorf("sqlstore: begin tx: %w", store.ErrTxActive)
	}
	var ss *session
	err := s.retrier.Do(ctx, "begin tx", func(ctx context.Context) error {
		c, err := s.handle()
		if err != nil {
			return err
		}
		ss, err = c.begin(ctx)
		return err
	})
	if err != nil {
		return ctx, s.fail("begin tx", err)
	}
	return context.WithValue(ctx, txKey{s}, &txState{ss: ss}), nil
}

// CommitTx commits the transaction bound to ctx.
func (s *Store) CommitTx(ctx context.Context) error {
	t := s.finish(ctx)
	if t == nil {
		return fmt.Errorf("sqlstore: commit tx: %w", store.ErrNoTx)
	}
	return s.inTx("commit tx", t.ss.commit())
}

// RollbackTx rolls back the transaction bound to ctx.
func (s *Store) RollbackTx(ctx context.Context) error {
	t := s.finish(ctx)
	if t == nil {
		return fmt.Errorf("sqlstore: rollback tx: %w", store.ErrNoTx)
	}
	return s.inTx("rollback tx", t.ss.rollback())
}

// finish marks the context's transaction done and returns it, or nil when
// none is active.
func (s *Store) finish(ctx context.Context) *txState {
	t, _ := ctx.Value(txKey{s}).(*txState)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	return t
}
