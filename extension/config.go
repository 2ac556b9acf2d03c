package extension

import bperms "github.com/jmurth1234/bPermissions-sub000"

// Config holds the bperms extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files.
type Config struct {
	// ConfigFile is a bperms YAML file read at registration. When empty the
	// Storage field is used as is.
	ConfigFile string `json:"config_file" mapstructure:"config_file" yaml:"config_file"`

	// Storage is the storage-layer configuration.
	Storage bperms.Config `json:"storage" mapstructure:"storage" yaml:"storage"`

	// Worlds are opened on start so that configuration or connection
	// problems surface before the host accepts players.
	Worlds []string `json:"worlds" mapstructure:"worlds" yaml:"worlds"`

	// DisableEagerOpen defers opening the default backend to first use.
	DisableEagerOpen bool `json:"disable_eager_open" mapstructure:"disable_eager_open" yaml:"disable_eager_open"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Storage: bperms.DefaultConfig(),
	}
}
