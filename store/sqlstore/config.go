package sqlstore

import (
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/retry"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config configures the relational backend.
type Config struct {
	// Driver selects the SQL engine: "postgres" or "sqlite".
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`

	// DSN is the driver-specific connection string. For postgres a URL or
	// keyword/value string understood by pgx; for sqlite a file path or
	// "file:" URI.
	DSN string `json:"dsn" mapstructure:"dsn" yaml:"dsn"`

	// ServerID identifies this process in the change log.
	ServerID string `json:"server_id" mapstructure:"server_id" yaml:"server_id"`

	// DefaultGroup seeds lazily created world metadata.
	DefaultGroup string `json:"default_group" mapstructure:"default_group" yaml:"default_group"`

	// Pool bounds the postgres pool. SQLite ignores it.
	Pool  store.PoolConfig `json:"pool" mapstructure:"pool" yaml:"pool"`
	Retry retry.Policy     `json:"retry" mapstructure:"retry" yaml:"retry"`
}

// DefaultConfig returns a SQLite configuration writing to bperms.db.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverSQLite,
		DSN:          "file:bperms.db?_pragma=busy_timeout(5000)",
		DefaultGroup: "default",
		Pool:         store.DefaultPoolConfig(),
		Retry:        retry.DefaultPolicy(),
	}
}

// Validate reports the first invalid key. It never connects.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverSQLite:
	case "":
		return &store.ConfigError{Backend: Kind, Key: "driver", Reason: "required"}
	default:
		return &store.ConfigError{Backend: Kind, Key: "driver", Reason: "must be postgres or sqlite, got " + c.Driver}
	}
	if c.DSN == "" {
		return &store.ConfigError{Backend: Kind, Key: "dsn", Reason: "required"}
	}
	if err := c.Pool.Validate(Kind); err != nil {
		return err
	}
	return c.Retry.Validate(Kind)
}
