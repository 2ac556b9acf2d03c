package bperms

import (
	"log/slog"

	"github.com/jmurth1234/bPermissions-sub000/plugin"
	"github.com/jmurth1234/bPermissions-sub000/store/memory"
)

// Option is a functional option for the Factory.
type Option func(*Factory)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(f *Factory) { f.logger = l } }

// WithFileOpener sets how file worlds are opened.
func WithFileOpener(fn FileOpener) Option { return func(f *Factory) { f.fileOpener = fn } }

// WithMemoryDatabase sets the database backing the memory kind. Factories
// sharing one database behave like servers sharing one backend.
func WithMemoryDatabase(db *memory.Database) Option {
	return func(f *Factory) { f.memoryDB = db }
}

// WithPlugin registers a plugin with the factory.
func WithPlugin(x plugin.Plugin) Option {
	return func(f *Factory) { f.pending = append(f.pending, x) }
}
