package plugin

import (
	"context"
	"log/slog"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/user"
)

// Named entry types pair a hook with the plugin name for logging.

type userSavedEntry struct {
	name string
	hook UserSaved
}
type userDeletedEntry struct {
	name string
	hook UserDeleted
}
type groupSavedEntry struct {
	name string
	hook GroupSaved
}
type groupDeletedEntry struct {
	name string
	hook GroupDeleted
}
type changeAppliedEntry struct {
	name string
	hook ChangeApplied
}
type worldMigratedEntry struct {
	name string
	hook WorldMigrated
}
type backendOpenedEntry struct {
	name string
	hook BackendOpened
}
type backendClosedEntry struct {
	name string
	hook BackendClosed
}
type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered plugins and dispatches lifecycle events.
// It type-caches plugins at registration time so emit calls iterate
// only over plugins implementing the relevant hook.
//
// Register is not safe for concurrent use with emits; register every plugin
// before handing the registry to a factory or synchronizer.
type Registry struct {
	plugins []Plugin
	logger  *slog.Logger

	userSaved     []userSavedEntry
	userDeleted   []userDeletedEntry
	groupSaved    []groupSavedEntry
	groupDeleted  []groupDeletedEntry
	changeApplied []changeAppliedEntry
	worldMigrated []worldMigratedEntry
	backendOpened []backendOpenedEntry
	backendClosed []backendClosedEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates a plugin registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a plugin and type-asserts it into all applicable
// hook caches. Plugins are notified in registration order.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
	name := p.Name()

	if h, ok := p.(UserSaved); ok {
		r.userSaved = append(r.userSaved, userSavedEntry{name, h})
	}
	if h, ok := p.(UserDeleted); ok {
		r.userDeleted = append(r.userDeleted, userDeletedEntry{name, h})
	}
	if h, ok := p.(GroupSaved); ok {
		r.groupSaved = append(r.groupSaved, groupSavedEntry{name, h})
	}
	if h, ok := p.(GroupDeleted); ok {
		r.groupDeleted = append(r.groupDeleted, groupDeletedEntry{name, h})
	}
	if h, ok := p.(ChangeApplied); ok {
		r.changeApplied = append(r.changeApplied, changeAppliedEntry{name, h})
	}
	if h, ok := p.(WorldMigrated); ok {
		r.worldMigrated = append(r.worldMigrated, worldMigratedEntry{name, h})
	}
	if h, ok := p.(BackendOpened); ok {
		r.backendOpened = append(r.backendOpened, backendOpenedEntry{name, h})
	}
	if h, ok := p.(BackendClosed); ok {
		r.backendClosed = append(r.backendClosed, backendClosedEntry{name, h})
	}
	if h, ok := p.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Plugins returns all registered plugins.
func (r *Registry) Plugins() []Plugin { return r.plugins }

// ──────────────────────────────────────────────────
// Record event emitters
// ──────────────────────────────────────────────────

// EmitUserSaved notifies all plugins that implement UserSaved.
func (r *Registry) EmitUserSaved(ctx context.Context, world string, u *user.Record) {
	for _, e := range r.userSaved {
		if err := e.hook.OnUserSaved(ctx, world, u); err != nil {
			r.logHookError("OnUserSaved", e.name, err)
		}
	}
}

// EmitUserDeleted notifies all plugins that implement UserDeleted.
func (r *Registry) EmitUserDeleted(ctx context.Context, world, userID string) {
	for _, e := range r.userDeleted {
		if err := e.hook.OnUserDeleted(ctx, world, userID); err != nil {
			r.logHookError("OnUserDeleted", e.name, err)
		}
	}
}

// EmitGroupSaved notifies all plugins that implement GroupSaved.
func (r *Registry) EmitGroupSaved(ctx context.Context, world string, g *group.Record) {
	for _, e := range r.groupSaved {
		if err := e.hook.OnGroupSaved(ctx, world, g); err != nil {
			r.logHookError("OnGroupSaved", e.name, err)
		}
	}
}

// EmitGroupDeleted notifies all plugins that implement GroupDeleted.
func (r *Registry) EmitGroupDeleted(ctx context.Context, world, name string) {
	for _, e := range r.groupDeleted {
		if err := e.hook.OnGroupDeleted(ctx, world, name); err != nil {
			r.logHookError("OnGroupDeleted", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Synchronization event emitters
// ──────────────────────────────────────────────────

// EmitChangeApplied notifies all plugins that implement ChangeApplied.
func (r *Registry) EmitChangeApplied(ctx context.Context, entry *changelog.Entry) {
	for _, e := range r.changeApplied {
		if err := e.hook.OnChangeApplied(ctx, entry); err != nil {
			r.logHookError("OnChangeApplied", e.name, err)
		}
	}
}

// EmitWorldMigrated notifies all plugins that implement WorldMigrated.
func (r *Registry) EmitWorldMigrated(ctx context.Context, world string, users, groups int) {
	for _, e := range r.worldMigrated {
		if err := e.hook.OnWorldMigrated(ctx, world, users, groups); err != nil {
			r.logHookError("OnWorldMigrated", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Backend lifecycle emitters
// ──────────────────────────────────────────────────

// EmitBackendOpened notifies all plugins that implement BackendOpened.
func (r *Registry) EmitBackendOpened(ctx context.Context, kind, serverID string) {
	for _, e := range r.backendOpened {
		if err := e.hook.OnBackendOpened(ctx, kind, serverID); err != nil {
			r.logHookError("OnBackendOpened", e.name, err)
		}
	}
}

// EmitBackendClosed notifies all plugins that implement BackendClosed.
func (r *Registry) EmitBackendClosed(ctx context.Context, kind string) {
	for _, e := range r.backendClosed {
		if err := e.hook.OnBackendClosed(ctx, kind); err != nil {
			r.logHookError("OnBackendClosed", e.name, err)
		}
	}
}

// EmitShutdown notifies all plugins that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated.
func (r *Registry) logHookError(hook, pluginName string, err error) {
	r.logger.Warn("plugin hook error",
		slog.String("hook", hook),
		slog.String("plugin", pluginName),
		slog.String("error", err.Error()),
	)
}
