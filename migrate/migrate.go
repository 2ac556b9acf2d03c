// Package migrate copies worlds between storage backends.
//
// A world is migrated metadata first, then groups, then users, so that
// group references resolve on read-back. Users carrying nothing beyond the
// source world's default group are skipped; they are reconstructed on
// demand the next time they are loaded. When the target supports
// transactions the whole world is copied atomically.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/plugin"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// ErrMigrationFailed matches every *Error.
var ErrMigrationFailed = errors.New("migrate: migration failed")

// Error reports a failed world migration. The target was rolled back when
// it supports transactions.
type Error struct {
	World string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migrate: world %q: %v", e.World, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMigrationFailed) match.
func (e *Error) Is(target error) bool { return target == ErrMigrationFailed }

// Source is what a migration reads from.
type Source interface {
	user.Store
	group.Store
	world.Store
}

// Result summarizes one world migration.
type Result struct {
	World        string        `json:"world"`
	Groups       int           `json:"groups"`
	Users        int           `json:"users"`
	SkippedUsers int           `json:"skipped_users"`
	Duration     time.Duration `json:"duration"`
}

// BatchResult aggregates a multi-world migration.
type BatchResult struct {
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Errors    []string           `json:"errors,omitempty"`
	Results   map[string]*Result `json:"results"`
}

// Option configures a migration.
type Option func(*options)

type options struct {
	parallelism int
	logger      *slog.Logger
	plugins     *plugin.Registry
}

func defaults(opts []Option) *options {
	o := &options{
		parallelism: 1,
		logger:      slog.Default(),
		plugins:     plugin.NewRegistry(nil),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithParallelism sets how many worlds Worlds migrates at once.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallelism = max(n, 1) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPlugins sets the registry notified of migrated worlds.
func WithPlugins(r *plugin.Registry) Option {
	return func(o *options) { o.plugins = r }
}

// ──────────────────────────────────────────────────
// Single world
// ──────────────────────────────────────────────────

// World copies one world from src to dst.
func World(ctx context.Context, src Source, dst store.Backend, name string, opts ...Option) (*Result, error) {
	o := defaults(opts)
	start := time.Now()
	res := &Result{World: name}

	meta, err := src.LoadWorld(ctx, name)
	if err != nil {
		return nil, &Error{World: name, Err: fmt.Errorf("load metadata: %w", err)}
	}
	groups, err := src.LoadAllGroups(ctx, name)
	if err != nil {
		return nil, &Error{World: name, Err: fmt.Errorf("load groups: %w", err)}
	}
	users, err := src.LoadAllUsers(ctx, name)
	if err != nil {
		return nil, &Error{World: name, Err: fmt.Errorf("load users: %w", err)}
	}

	groupList := sortedValues(groups)
	var userList []*user.Record
	for _, u := range sortedValues(users) {
		if u.IsDefault(meta.DefaultGroup) {
			res.SkippedUsers++
			continue
		}
		userList = append(userList, u)
	}

	err = store.RunInTx(ctx, dst, func(ctx context.Context) error {
		if err := dst.SaveWorld(ctx, meta); err != nil {
			return fmt.Errorf("save metadata: %w", err)
		}
		if err := store.SaveAllGroups(ctx, dst, name, groupList); err != nil {
			return fmt.Errorf("save groups: %w", err)
		}
		if err := store.SaveAllUsers(ctx, dst, name, userList); err != nil {
			return fmt.Errorf("save users: %w", err)
		}
		return nil
	})
	if err != nil {
		o.logger.Error("world migration failed", "world", name, "backend", dst.Kind(), "error", err)
		return nil, &Error{World: name, Err: err}
	}

	res.Groups = len(groupList)
	res.Users = len(userList)
	res.Duration = time.Since(start)
	o.logger.Info("world migrated",
		"world", name,
		"backend", dst.Kind(),
		"groups", res.Groups,
		"users", res.Users,
		"skipped_users", res.SkippedUsers,
	)
	o.plugins.EmitWorldMigrated(ctx, name, res.Users, res.Groups)
	return res, nil
}

// ──────────────────────────────────────────────────
// Batch
// ──────────────────────────────────────────────────

// Worlds migrates each world independently, continuing past failures.
func Worlds(ctx context.Context, src Source, dst store.Backend, worlds []string, opts ...Option) *BatchResult {
	o := defaults(opts)
	batch := &BatchResult{Results: make(map[string]*Result, len(worlds))}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for _, name := range worlds {
		g.Go(func() error {
			res, err := World(gctx, src, dst, name, opts...)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				batch.Failed++
				batch.Errors = append(batch.Errors, err.Error())
				return nil
			}
			batch.Succeeded++
			batch.Results[name] = res
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
	slices.Sort(batch.Errors)
	return batch
}

// ──────────────────────────────────────────────────
// Verification
// ──────────────────────────────────────────────────

// Verification compares record counts of a world in two backends. Counts
// are approximate: skipped default users exist only in the source.
type Verification struct {
	World        string `json:"world"`
	SourceGroups int    `json:"source_groups"`
	TargetGroups int    `json:"target_groups"`
	SourceUsers  int    `json:"source_users"`
	TargetUsers  int    `json:"target_users"`
}

// GroupsMatch reports whether both sides hold the same number of groups.
func (v *Verification) GroupsMatch() bool { return v.SourceGroups == v.TargetGroups }

// UsersPlausible reports whether the target holds no more users than the
// source.
func (v *Verification) UsersPlausible() bool { return v.TargetUsers <= v.SourceUsers }

// OK reports whether the counts are consistent with a completed migration.
func (v *Verification) OK() bool { return v.GroupsMatch() && v.UsersPlausible() }

// Verify counts the groups and users of a world on both sides.
func Verify(ctx context.Context, src, dst Source, name string) (*Verification, error) {
	v := &Verification{World: name}

	g, gctx := errgroup.WithContext(ctx)
	count := func(out *int, load func(context.Context, string) (int, error)) {
		g.Go(func() error {
			n, err := load(gctx, name)
			*out = n
			return err
		})
	}
	count(&v.SourceGroups, groupCount(src))
	count(&v.TargetGroups, groupCount(dst))
	count(&v.SourceUsers, userCount(src))
	count(&v.TargetUsers, userCount(dst))
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("migrate: verify %s: %w", name, err)
	}
	return v, nil
}

func groupCount(s group.Store) func(context.Context, string) (int, error) {
	return func(ctx context.Context, name string) (int, error) {
		m, err := s.LoadAllGroups(ctx, name)
		return len(m), err
	}
}

func userCount(s user.Store) func(context.Context, string) (int, error) {
	return func(ctx context.Context, name string) (int, error) {
		m, err := s.LoadAllUsers(ctx, name)
		return len(m), err
	}
}

func sortedValues[V any](m map[string]V) []V {
	out := make([]V, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[k])
	}
	return out
}
