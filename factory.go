// Package bperms stores permission data for a multi-world game server and
// keeps several servers sharing one backend in sync.
//
// A Factory hands out World handles. Worlds of the sql, mongo and memory
// kinds share one lazily opened backend per kind, so every world on a
// server draws from the same connection pool. File worlds are opened one
// backend per world through an injected FileOpener.
//
//	f, err := bperms.NewFactory(cfg)
//	w, err := f.World(ctx, bperms.KindSQL, "survival")
//	u, err := w.LoadUser(ctx, userID)
//	s := w.Syncer(view, sessions)
//	s.Start()
//	defer f.Shutdown(ctx)
package bperms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/jmurth1234/bPermissions-sub000/plugin"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/memory"
	"github.com/jmurth1234/bPermissions-sub000/store/mongo"
	"github.com/jmurth1234/bPermissions-sub000/store/sqlstore"
)

// Kind selects a storage engine.
type Kind string

// Storage kinds.
const (
	KindFile   Kind = "file"
	KindSQL    Kind = "sql"
	KindMongo  Kind = "mongo"
	KindMemory Kind = "memory"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindFile, KindSQL, KindMongo, KindMemory:
		return true
	default:
		return false
	}
}

// Shared reports whether worlds of this kind share one backend.
func (k Kind) Shared() bool { return k.Valid() && k != KindFile }

// FileOpener opens the backend of one file world. The factory calls Init
// on the result.
type FileOpener func(ctx context.Context, world string) (store.Backend, error)

// shared is one open backend and its pruner.
type shared struct {
	backend store.Backend
	pruner  *pruner
}

// Factory owns the shared backends of one server process.
type Factory struct {
	cfg        Config
	logger     *slog.Logger
	plugins    *plugin.Registry
	pending    []plugin.Plugin
	fileOpener FileOpener
	memoryDB   *memory.Database

	mu       sync.Mutex
	backends map[Kind]*shared
	closed   bool
}

// NewFactory validates cfg and returns a factory. No backend is opened
// until first requested.
func NewFactory(cfg Config, opts ...Option) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Factory{
		cfg:      cfg.withServerID(),
		logger:   slog.Default(),
		backends: make(map[Kind]*shared),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.plugins = plugin.NewRegistry(f.logger)
	for _, x := range f.pending {
		f.plugins.Register(x)
	}
	f.pending = nil
	if f.memoryDB == nil {
		f.memoryDB = memory.NewDatabase()
	}
	return f, nil
}

// Config returns the effective configuration, including the server id.
func (f *Factory) Config() Config { return f.cfg }

// ServerID returns the identity this process records in change logs.
func (f *Factory) ServerID() string { return f.cfg.ServerID }

// Plugins returns the plugin registry.
func (f *Factory) Plugins() *plugin.Registry { return f.plugins }

// ──────────────────────────────────────────────────
// Backends
// ──────────────────────────────────────────────────

// Backend returns the shared backend of kind, opening it on first use. A
// failed open is not cached; the next call tries again.
func (f *Factory) Backend(ctx context.Context, kind Kind) (store.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backendLocked(ctx, kind)
}

func (f *Factory) backendLocked(ctx context.Context, kind Kind) (store.Backend, error) {
	if f.closed {
		return nil, ErrFactoryClosed
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !kind.Shared() {
		return nil, fmt.Errorf("%w: %q", ErrNotShared, kind)
	}
	if sh, ok := f.backends[kind]; ok {
		return sh.backend, nil
	}

	b, err := f.build(kind)
	if err != nil {
		return nil, fmt.Errorf("bperms: build %s backend: %w", kind, err)
	}
	if err := b.Init(ctx); err != nil {
		_ = b.Close() //nolint:errcheck // best-effort cleanup of a partial init
		return nil, fmt.Errorf("bperms: open %s backend: %w", kind, err)
	}

	sh := &shared{backend: b}
	if f.cfg.Retention.Window > 0 {
		sh.pruner = newPruner(b, f.cfg.Retention, f.logger)
		sh.pruner.start()
	}
	f.backends[kind] = sh
	f.logger.Info("backend opened", "backend", kind, "server_id", b.ServerID())
	f.plugins.EmitBackendOpened(ctx, string(kind), b.ServerID())
	return b, nil
}

func (f *Factory) build(kind Kind) (store.Backend, error) {
	switch kind {
	case KindSQL:
		return sqlstore.New(f.cfg.sqlConfig(), sqlstore.WithLogger(f.logger))
	case KindMongo:
		return mongo.New(f.cfg.mongoConfig(), mongo.WithLogger(f.logger))
	case KindMemory:
		return memory.New(f.memoryDB, memory.Config{
			ServerID:     f.cfg.ServerID,
			DefaultGroup: f.cfg.DefaultGroup,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Open reports which shared kinds currently have an open backend.
func (f *Factory) Open() []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.backends))
}

// CloseBackend closes the shared backend of kind so that the next request
// opens a fresh one, for example after reconfiguration. Closing a kind that
// is not open is a no-op. Worlds already handed out keep the closed
// backend and fail with store.ErrClosed.
func (f *Factory) CloseBackend(ctx context.Context, kind Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFactoryClosed
	}
	return f.closeLocked(ctx, kind)
}

// CloseOtherBackends closes every shared backend except the one of kind.
func (f *Factory) CloseOtherBackends(ctx context.Context, except Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFactoryClosed
	}
	var errs []error
	for _, kind := range slices.Sorted(maps.Keys(f.backends)) {
		if kind == except {
			continue
		}
		errs = append(errs, f.closeLocked(ctx, kind))
	}
	return errors.Join(errs...)
}

// Shutdown closes every shared backend exactly once. Later calls to any
// factory method fail with ErrFactoryClosed.
func (f *Factory) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFactoryClosed
	}
	f.closed = true
	f.plugins.EmitShutdown(ctx)

	var errs []error
	for _, kind := range slices.Sorted(maps.Keys(f.backends)) {
		errs = append(errs, f.closeLocked(ctx, kind))
	}
	f.logger.Info("storage factory shut down")
	return errors.Join(errs...)
}

// closeLocked closes one shared backend. Must hold f.mu.
func (f *Factory) closeLocked(ctx context.Context, kind Kind) error {
	sh, ok := f.backends[kind]
	if !ok {
		return nil
	}
	delete(f.backends, kind)
	if sh.pruner != nil {
		sh.pruner.stop()
	}
	if err := sh.backend.Close(); err != nil {
		return fmt.Errorf("bperms: close %s backend: %w", kind, err)
	}
	f.logger.Info("backend closed", "backend", kind)
	f.plugins.EmitBackendClosed(ctx, string(kind))
	return nil
}

// ──────────────────────────────────────────────────
// Worlds
// ──────────────────────────────────────────────────

// World returns a handle to one world. The world's metadata is created on
// the backend if absent, so a handle is only returned once the world is
// usable.
func (f *Factory) World(ctx context.Context, kind Kind, name string) (*World, error) {
	if name == "" {
		return nil, &store.ConfigError{Backend: configBackend, Key: "world", Reason: "required"}
	}

	var (
		b     store.Backend
		owned bool
		err   error
	)
	if kind == KindFile {
		b, err = f.openFile(ctx, name)
		owned = true
	} else {
		b, err = f.Backend(ctx, kind)
	}
	if err != nil {
		return nil, err
	}

	if _, err := b.LoadWorld(ctx, name); err != nil {
		if owned {
			_ = b.Close() //nolint:errcheck // the load error is reported
		}
		return nil, fmt.Errorf("bperms: open world %s: %w", name, err)
	}
	return newWorld(f, kind, name, b, owned), nil
}

// DefaultWorld returns a handle using the configured storage kind.
func (f *Factory) DefaultWorld(ctx context.Context, name string) (*World, error) {
	return f.World(ctx, f.cfg.Storage, name)
}

func (f *Factory) openFile(ctx context.Context, name string) (store.Backend, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrFactoryClosed
	}
	if f.fileOpener == nil {
		return nil, ErrNoFileOpener
	}
	b, err := f.fileOpener(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("bperms: open file world %s: %w", name, err)
	}
	if err := b.Init(ctx); err != nil {
		_ = b.Close() //nolint:errcheck // best-effort cleanup of a partial init
		return nil, fmt.Errorf("bperms: open file world %s: %w", name, err)
	}
	return b, nil
}
