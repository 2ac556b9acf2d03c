package extension

import (
	"log/slog"

	bperms "github.com/jmurth1234/bPermissions-sub000"
	"github.com/jmurth1234/bPermissions-sub000/plugin"
)

// ExtOption configures the bperms Forge extension.
type ExtOption func(*Extension)

// WithConfig sets the extension configuration.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) {
		e.config = cfg
	}
}

// WithConfigFile reads the storage configuration from a YAML file.
func WithConfigFile(path string) ExtOption {
	return func(e *Extension) {
		e.config.ConfigFile = path
	}
}

// WithWorlds opens the given worlds on start.
func WithWorlds(worlds ...string) ExtOption {
	return func(e *Extension) {
		e.config.Worlds = append(e.config.Worlds, worlds...)
	}
}

// WithFactoryOptions adds factory-level options.
func WithFactoryOptions(opts ...bperms.Option) ExtOption {
	return func(e *Extension) {
		e.factoryOpts = append(e.factoryOpts, opts...)
	}
}

// WithPlugin registers a lifecycle hook plugin.
func WithPlugin(x plugin.Plugin) ExtOption {
	return func(e *Extension) {
		e.plugins = append(e.plugins, x)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ExtOption {
	return func(e *Extension) {
		e.logger = l
	}
}

// WithDisableEagerOpen defers opening the default backend to first use.
func WithDisableEagerOpen() ExtOption {
	return func(e *Extension) {
		e.config.DisableEagerOpen = true
	}
}
