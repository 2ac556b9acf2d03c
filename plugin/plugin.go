// Package plugin defines lifecycle hooks for the storage layer.
// Plugins are notified when records are saved or deleted, when a
// synchronizer applies a remote change, and when backends open and close,
// and can react with logging, metrics, or cache invalidation.
//
// Each lifecycle hook is a separate interface so plugins opt in only
// to the events they care about.
package plugin

import (
	"context"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/user"
)

// Plugin is the base interface all plugins must implement.
type Plugin interface {
	// Name returns a unique human-readable name for the plugin.
	Name() string
}

// ──────────────────────────────────────────────────
// Record hooks
// ──────────────────────────────────────────────────

// UserSaved is called after a user is saved through a world handle.
type UserSaved interface {
	OnUserSaved(ctx context.Context, world string, u *user.Record) error
}

// UserDeleted is called after a user is deleted through a world handle.
type UserDeleted interface {
	OnUserDeleted(ctx context.Context, world, userID string) error
}

// GroupSaved is called after a group is saved through a world handle.
type GroupSaved interface {
	OnGroupSaved(ctx context.Context, world string, g *group.Record) error
}

// GroupDeleted is called after a group is deleted through a world handle.
type GroupDeleted interface {
	OnGroupDeleted(ctx context.Context, world, name string) error
}

// ──────────────────────────────────────────────────
// Synchronization hooks
// ──────────────────────────────────────────────────

// ChangeApplied is called after a synchronizer applies a change recorded
// by another server.
type ChangeApplied interface {
	OnChangeApplied(ctx context.Context, e *changelog.Entry) error
}

// WorldMigrated is called after a world is copied to another backend.
type WorldMigrated interface {
	OnWorldMigrated(ctx context.Context, world string, users, groups int) error
}

// ──────────────────────────────────────────────────
// Backend lifecycle hooks
// ──────────────────────────────────────────────────

// BackendOpened is called after a shared backend is initialized.
type BackendOpened interface {
	OnBackendOpened(ctx context.Context, kind, serverID string) error
}

// BackendClosed is called after a shared backend is closed.
type BackendClosed interface {
	OnBackendClosed(ctx context.Context, kind string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
