package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/user"
)

// RunInTx runs fn inside a transaction when b supports one, committing on
// success and rolling back on error. Backends without transactions run fn
// directly.
func RunInTx(ctx context.Context, b Backend, fn func(ctx context.Context) error) (err error) {
	tx, ok := b.(Transactor)
	if !ok {
		return fn(ctx)
	}
	txCtx, err := tx.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.RollbackTx(txCtx) //nolint:errcheck // re-panicking
			panic(p)
		}
	}()
	if err := fn(txCtx); err != nil {
		if rbErr := tx.RollbackTx(txCtx); rbErr != nil && !errors.Is(rbErr, ErrNoTx) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.CommitTx(txCtx)
}

// SaveAllUsers saves users through the backend's bulk path when available,
// falling back to one SaveUser call per record.
func SaveAllUsers(ctx context.Context, b Backend, world string, users []*user.Record) error {
	if bs, ok := b.(BulkSaver); ok {
		return bs.SaveAllUsers(ctx, world, users)
	}
	for _, u := range users {
		if err := b.SaveUser(ctx, world, u); err != nil {
			return fmt.Errorf("save user %s: %w", u.ID, err)
		}
	}
	return nil
}

// SaveAllGroups saves groups through the backend's bulk path when
// available, falling back to one SaveGroup call per record.
func SaveAllGroups(ctx context.Context, b Backend, world string, groups []*group.Record) error {
	if bs, ok := b.(BulkSaver); ok {
		return bs.SaveAllGroups(ctx, world, groups)
	}
	for _, g := range groups {
		if err := b.SaveGroup(ctx, world, g); err != nil {
			return fmt.Errorf("save group %s: %w", g.Name, err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Retention helpers (no-ops without a change log)
// ──────────────────────────────────────────────────

// DeleteChangesBefore prunes entries older than before.
func DeleteChangesBefore(ctx context.Context, b Backend, world string, before int64) (int64, error) {
	if r, ok := b.(changelog.Retention); ok {
		return r.DeleteChangesBefore(ctx, world, before)
	}
	return 0, nil
}

// DeleteAllChanges empties the change log.
func DeleteAllChanges(ctx context.Context, b Backend) (int64, error) {
	if r, ok := b.(changelog.Retention); ok {
		return r.DeleteAllChanges(ctx)
	}
	return 0, nil
}

// CountChanges counts change-log entries.
func CountChanges(ctx context.Context, b Backend, world string) (int64, error) {
	if r, ok := b.(changelog.Retention); ok {
		return r.CountChanges(ctx, world)
	}
	return 0, nil
}

// OldestChange returns the oldest change-log timestamp, or 0.
func OldestChange(ctx context.Context, b Backend, world string) (int64, error) {
	if r, ok := b.(changelog.Retention); ok {
		return r.OldestChange(ctx, world)
	}
	return 0, nil
}
