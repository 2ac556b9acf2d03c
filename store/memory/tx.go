package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/jmurth1234/bPermissions-sub000/store"
)

type txKey struct{ s *Store }

// tx is an undo log. Entries run in reverse on rollback.
type tx struct {
	undo []func()
	done bool
}

// txFrom returns the open transaction carried by ctx, if any.
func (s *Store) txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{s}).(*tx)
	if t == nil || t.done {
		return nil
	}
	return t
}

// recordUndo registers an inverse mutation when ctx carries a transaction.
// Must hold write lock.
func (s *Store) recordUndo(ctx context.Context, fn func()) {
	if t := s.txFrom(ctx); t != nil {
		t.undo = append(t.undo, fn)
	}
}

// BeginTx starts a transaction bound to the returned context.
func (s *Store) BeginTx(ctx context.Context) (context.Context, error) {
	if err := s.check("begin tx"); err != nil {
		return ctx, err
	}
	if s.txFrom(ctx) != nil {
		return ctx, fmt.Errorf("memory: begin tx: %w", store.ErrTxActive)
	}
	return context.WithValue(ctx, txKey{s}, &tx{}), nil
}

// CommitTx keeps every change made under ctx.
func (s *Store) CommitTx(ctx context.Context) error {
	t := s.txFrom(ctx)
	if t == nil {
		return fmt.Errorf("memory: commit tx: %w", store.ErrNoTx)
	}
	s.db.mu.Lock()
	t.undo, t.done = nil, true
	s.db.mu.Unlock()
	return nil
}

// RollbackTx reverts every change made under ctx.
func (s *Store) RollbackTx(ctx context.Context) error {
	t := s.txFrom(ctx)
	if t == nil {
		return fmt.Errorf("memory: rollback tx: %w", store.ErrNoTx)
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, fn := range slices.Backward(t.undo) {
		fn()
	}
	t.undo, t.done = nil, true
	return nil
}
