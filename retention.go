package bperms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmurth1234/bPermissions-sub000/store"
)

// pruner periodically deletes change-log entries older than the retention
// window, across every world of one backend.
type pruner struct {
	backend store.Backend
	cfg     RetentionConfig
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPruner(b store.Backend, cfg RetentionConfig, logger *slog.Logger) *pruner {
	return &pruner{
		backend: b,
		cfg:     cfg,
		logger:  logger.With("backend", b.Kind()),
		now:     time.Now,
	}
}

func (p *pruner) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *pruner) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *pruner) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.prune(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("change log pruning failed", "error", err)
			}
		}
	}
}

// prune deletes entries older than the window and returns how many went.
func (p *pruner) prune(ctx context.Context) (int64, error) {
	before := p.now().Add(-p.cfg.Window).UnixMilli()
	n, err := store.DeleteChangesBefore(ctx, p.backend, "", before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned change log", "deleted", n, "before", before)
	}
	return n, nil
}

// Prune deletes change-log entries older than the retention window from
// the open backend of kind, across every world.
func (f *Factory) Prune(ctx context.Context, kind Kind) (int64, error) {
	b, err := f.Backend(ctx, kind)
	if err != nil {
		return 0, err
	}
	if f.cfg.Retention.Window <= 0 {
		return 0, fmt.Errorf("bperms: prune %s: retention window not configured", kind)
	}
	return newPruner(b, f.cfg.Retention, f.logger).prune(ctx)
}
