// Package extension provides a Forge extension entry point for bperms.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	bperms "github.com/jmurth1234/bPermissions-sub000"
	"github.com/jmurth1234/bPermissions-sub000/plugin"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "bperms"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Permission storage and multi-server synchronization"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the bperms Factory as a Forge extension.
type Extension struct {
	config      Config
	factory     *bperms.Factory
	logger      *slog.Logger
	factoryOpts []bperms.Option
	plugins     []plugin.Plugin
}

// New creates a bperms Forge extension with the given options.
func New(opts ...ExtOption) *Extension {
	e := &Extension{config: DefaultConfig()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the extension name.
func (e *Extension) Name() string { return ExtensionName }

// Description returns the extension description.
func (e *Extension) Description() string { return ExtensionDescription }

// Version returns the extension version.
func (e *Extension) Version() string { return ExtensionVersion }

// Dependencies returns the list of extension names this extension depends on.
func (e *Extension) Dependencies() []string { return []string{} }

// Factory returns the underlying storage factory.
func (e *Extension) Factory() *bperms.Factory { return e.factory }

// Register implements [forge.Extension]. It builds the factory and
// registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.init(fapp); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*bperms.Factory, error) {
		return e.factory, nil
	}); err != nil {
		return fmt.Errorf("bperms: register factory in container: %w", err)
	}

	return nil
}

func (e *Extension) init(fapp forge.App) error {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := e.config.Storage
	if e.config.ConfigFile != "" {
		loaded, err := bperms.LoadConfig(e.config.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	opts := make([]bperms.Option, 0, len(e.factoryOpts)+len(e.plugins)+2)
	opts = append(opts, bperms.WithLogger(logger))

	// A host may provide flat-file storage through the container.
	if opener, err := forge.Inject[bperms.FileOpener](fapp.Container()); err == nil {
		opts = append(opts, bperms.WithFileOpener(opener))
	}

	opts = append(opts, e.factoryOpts...)
	for _, x := range e.plugins {
		opts = append(opts, bperms.WithPlugin(x))
	}

	f, err := bperms.NewFactory(cfg, opts...)
	if err != nil {
		return fmt.Errorf("bperms: create factory: %w", err)
	}
	e.factory = f
	return nil
}

// Start opens the default backend and the configured worlds.
func (e *Extension) Start(ctx context.Context) error {
	if e.factory == nil {
		return errors.New("bperms: extension not initialized")
	}

	kind := e.factory.Config().Storage
	if !e.config.DisableEagerOpen && kind.Shared() {
		if _, err := e.factory.Backend(ctx, kind); err != nil {
			return err
		}
	}
	for _, name := range e.config.Worlds {
		w, err := e.factory.World(ctx, kind, name)
		if err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the factory down.
func (e *Extension) Stop(ctx context.Context) error {
	if e.factory == nil {
		return nil
	}
	err := e.factory.Shutdown(ctx)
	if errors.Is(err, bperms.ErrFactoryClosed) {
		return nil
	}
	return err
}

// Health implements [forge.Extension]. It pings the default backend when
// it is open.
func (e *Extension) Health(ctx context.Context) error {
	if e.factory == nil {
		return errors.New("bperms: extension not initialized")
	}
	kind := e.factory.Config().Storage
	if !kind.Shared() {
		return nil
	}
	for _, open := range e.factory.Open() {
		if open != kind {
			continue
		}
		b, err := e.factory.Backend(ctx, kind)
		if err != nil {
			return err
		}
		return b.Ping(ctx)
	}
	if e.config.DisableEagerOpen {
		return nil
	}
	return fmt.Errorf("bperms: %s backend not open", kind)
}
