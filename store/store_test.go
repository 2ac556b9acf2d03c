package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("load user: %w", NewError(KindConnection, "sql", "load user", cause))

	if !IsConnection(err) {
		t.Fatal("expected connection kind")
	}
	if IsDataCorrupted(err) {
		t.Fatal("unexpected data-corrupted kind")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
	if KindOf(cause) != KindUnknown {
		t.Fatal("plain errors are unknown kind")
	}
}

func TestPoolConfigValidate(t *testing.T) {
	if err := DefaultPoolConfig().Validate("sql"); err != nil {
		t.Fatalf("default pool config invalid: %v", err)
	}

	bad := DefaultPoolConfig()
	bad.MinIdle = bad.MaxSize + 1
	err := bad.Validate("sql")
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if ce.Key != "pool.min_idle" || ce.Backend != "sql" {
		t.Fatalf("unexpected config error %+v", ce)
	}
}

func TestClockNeverDecreases(t *testing.T) {
	wall := time.UnixMilli(1_000)
	c := &Clock{now: func() time.Time { return wall }}

	if got := c.Now(); got != 1_000 {
		t.Fatalf("expected 1000, got %d", got)
	}
	wall = time.UnixMilli(500)
	if got := c.Now(); got != 1_000 {
		t.Fatalf("clock went backwards: %d", got)
	}
	wall = time.UnixMilli(2_000)
	if got := c.Now(); got != 2_000 {
		t.Fatalf("expected 2000, got %d", got)
	}
}

// txBackend records transaction calls. Only the Transactor half is used by
// RunInTx, so the Backend methods are left unimplemented.
type txBackend struct {
	Backend
	began, committed, rolledBack int
}

type txKey struct{}

func (b *txBackend) BeginTx(ctx context.Context) (context.Context, error) {
	if ctx.Value(txKey{}) != nil {
		return nil, ErrTxActive
	}
	b.began++
	return context.WithValue(ctx, txKey{}, true), nil
}

func (b *txBackend) CommitTx(context.Context) error   { b.committed++; return nil }
func (b *txBackend) RollbackTx(context.Context) error { b.rolledBack++; return nil }

func TestRunInTx(t *testing.T) {
	ctx := context.Background()
	b := &txBackend{}

	if err := RunInTx(ctx, b, func(ctx context.Context) error {
		if ctx.Value(txKey{}) == nil {
			t.Fatal("fn did not receive the transaction context")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if b.began != 1 || b.committed != 1 || b.rolledBack != 0 {
		t.Fatalf("unexpected calls: %+v", b)
	}

	boom := errors.New("boom")
	if err := RunInTx(ctx, b, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.rolledBack != 1 || b.committed != 1 {
		t.Fatalf("expected rollback, got %+v", b)
	}
}
