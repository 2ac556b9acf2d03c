package bperms

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/plugin"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/syncer"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// World is a handle to one world of a backend. It exposes the backend
// contract without the world parameter and notifies plugins of saves and
// deletes made through it.
type World struct {
	name    string
	kind    Kind
	backend store.Backend
	owned   bool
	sync    SyncConfig
	plugins *plugin.Registry
	logger  *slog.Logger
}

func newWorld(f *Factory, kind Kind, name string, b store.Backend, owned bool) *World {
	return &World{
		name:    name,
		kind:    kind,
		backend: b,
		owned:   owned,
		sync:    f.cfg.Sync,
		plugins: f.plugins,
		logger:  f.logger.With("world", name, "backend", kind),
	}
}

// Name returns the world name.
func (w *World) Name() string { return w.name }

// Kind returns the storage kind backing the world.
func (w *World) Kind() Kind { return w.kind }

// Backend returns the underlying backend, which may be shared.
func (w *World) Backend() store.Backend { return w.backend }

// Close releases the backend of a file world. Shared backends are owned by
// the factory and left open.
func (w *World) Close() error {
	if !w.owned {
		return nil
	}
	return w.backend.Close()
}

// ──────────────────────────────────────────────────
// Users
// ──────────────────────────────────────────────────

// LoadUser retrieves a user or an error matching store.ErrNotFound.
func (w *World) LoadUser(ctx context.Context, userID string) (*user.Record, error) {
	return w.backend.LoadUser(ctx, w.name, userID)
}

// SaveUser upserts a user.
func (w *World) SaveUser(ctx context.Context, u *user.Record) error {
	if err := w.backend.SaveUser(ctx, w.name, u); err != nil {
		return err
	}
	w.plugins.EmitUserSaved(ctx, w.name, u.Clone())
	return nil
}

// SaveAllUsers upserts many users.
func (w *World) SaveAllUsers(ctx context.Context, users []*user.Record) error {
	if err := store.SaveAllUsers(ctx, w.backend, w.name, users); err != nil {
		return err
	}
	for _, u := range users {
		w.plugins.EmitUserSaved(ctx, w.name, u.Clone())
	}
	return nil
}

// UserExists reports whether a user has been saved.
func (w *World) UserExists(ctx context.Context, userID string) (bool, error) {
	return w.backend.UserExists(ctx, w.name, userID)
}

// DeleteUser removes a user.
func (w *World) DeleteUser(ctx context.Context, userID string) error {
	if err := w.backend.DeleteUser(ctx, w.name, userID); err != nil {
		return err
	}
	w.plugins.EmitUserDeleted(ctx, w.name, userID)
	return nil
}

// LoadAllUsers returns every saved user keyed by ID.
func (w *World) LoadAllUsers(ctx context.Context) (map[string]*user.Record, error) {
	return w.backend.LoadAllUsers(ctx, w.name)
}

// ──────────────────────────────────────────────────
// Groups
// ──────────────────────────────────────────────────

// LoadGroup retrieves a group or an error matching store.ErrNotFound.
func (w *World) LoadGroup(ctx context.Context, name string) (*group.Record, error) {
	return w.backend.LoadGroup(ctx, w.name, name)
}

// SaveGroup upserts a group.
func (w *World) SaveGroup(ctx context.Context, g *group.Record) error {
	if err := w.backend.SaveGroup(ctx, w.name, g); err != nil {
		return err
	}
	w.plugins.EmitGroupSaved(ctx, w.name, g.Clone())
	return nil
}

// SaveAllGroups upserts many groups.
func (w *World) SaveAllGroups(ctx context.Context, groups []*group.Record) error {
	if err := store.SaveAllGroups(ctx, w.backend, w.name, groups); err != nil {
		return err
	}
	for _, g := range groups {
		w.plugins.EmitGroupSaved(ctx, w.name, g.Clone())
	}
	return nil
}

// GroupExists reports whether a group has been saved.
func (w *World) GroupExists(ctx context.Context, name string) (bool, error) {
	return w.backend.GroupExists(ctx, w.name, name)
}

// DeleteGroup removes a group.
func (w *World) DeleteGroup(ctx context.Context, name string) error {
	if err := w.backend.DeleteGroup(ctx, w.name, name); err != nil {
		return err
	}
	w.plugins.EmitGroupDeleted(ctx, w.name, name)
	return nil
}

// LoadAllGroups returns every saved group keyed by name.
func (w *World) LoadAllGroups(ctx context.Context) (map[string]*group.Record, error) {
	return w.backend.LoadAllGroups(ctx, w.name)
}

// ──────────────────────────────────────────────────
// Metadata and change log
// ──────────────────────────────────────────────────

// Metadata returns the world's metadata.
func (w *World) Metadata(ctx context.Context) (*world.Metadata, error) {
	return w.backend.LoadWorld(ctx, w.name)
}

// SaveMetadata stores the world's metadata.
func (w *World) SaveMetadata(ctx context.Context, m *world.Metadata) error {
	if m.World != "" && m.World != w.name {
		return fmt.Errorf("bperms: metadata of world %q saved through world %q", m.World, w.name)
	}
	m.World = w.name
	return w.backend.SaveWorld(ctx, m)
}

// ChangesSince returns changes by other servers newer than since.
func (w *World) ChangesSince(ctx context.Context, since int64) ([]*changelog.Entry, error) {
	return w.backend.ChangesSince(ctx, w.name, since)
}

// LastModified returns the newest change timestamp, or 0.
func (w *World) LastModified(ctx context.Context) (int64, error) {
	return w.backend.LastModified(ctx, w.name)
}

// RunInTx runs fn atomically when the backend supports transactions. Pass
// the context fn receives to every call that should join the transaction.
func (w *World) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return store.RunInTx(ctx, w.backend, fn)
}

// Syncer returns a stopped synchronizer following this world with the
// configured interval. opts override the configuration.
func (w *World) Syncer(ns syncer.Namespace, sessions syncer.Sessions, opts ...syncer.Option) *syncer.Syncer {
	base := []syncer.Option{
		syncer.WithLogger(w.logger),
		syncer.WithPlugins(w.plugins),
		syncer.WithMaxApplyRetries(w.sync.MaxApplyRetries),
	}
	if w.sync.Interval > 0 {
		base = append(base, syncer.WithInterval(w.sync.Interval))
	}
	if w.sync.StopTimeout > 0 {
		base = append(base, syncer.WithStopTimeout(w.sync.StopTimeout))
	}
	if sessions != nil {
		base = append(base, syncer.WithSessions(sessions))
	}
	return syncer.New(w.backend, w.name, ns, append(base, opts...)...)
}
