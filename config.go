package bperms

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/mongo"
	"github.com/jmurth1234/bPermissions-sub000/store/retry"
	"github.com/jmurth1234/bPermissions-sub000/store/sqlstore"
	"github.com/jmurth1234/bPermissions-sub000/syncer"
)

// configBackend names the root configuration in errors.
const configBackend = "bperms"

// Config holds configuration for the storage layer.
type Config struct {
	// Storage selects the default backend kind: file, sql, mongo or memory.
	Storage Kind `json:"storage" mapstructure:"storage" yaml:"storage"`

	// ServerID identifies this process to the change log. It must be unique
	// among processes sharing a backend. Empty generates one at startup.
	ServerID string `json:"server_id" mapstructure:"server_id" yaml:"server_id"`

	// DefaultGroup is given to users that were never saved.
	DefaultGroup string `json:"default_group" mapstructure:"default_group" yaml:"default_group"`

	SQL   sqlstore.Config `json:"sql" mapstructure:"sql" yaml:"sql"`
	Mongo mongo.Config    `json:"mongo" mapstructure:"mongo" yaml:"mongo"`

	// Retry, when set, replaces the retry policy of every backend.
	Retry *retry.Policy `json:"retry,omitempty" mapstructure:"retry" yaml:"retry,omitempty"`

	Sync      SyncConfig      `json:"sync" mapstructure:"sync" yaml:"sync"`
	Retention RetentionConfig `json:"retention" mapstructure:"retention" yaml:"retention"`
}

// SyncConfig configures the synchronizers handed out by World.Syncer.
type SyncConfig struct {
	// Interval between polls. Values below one second are raised.
	Interval time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`

	// StopTimeout bounds how long stopping waits for an in-flight poll.
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// MaxApplyRetries is how many later polls replay a change that failed.
	MaxApplyRetries int `json:"max_apply_retries" mapstructure:"max_apply_retries" yaml:"max_apply_retries"`
}

// RetentionConfig configures change-log pruning of shared backends.
type RetentionConfig struct {
	// Window is how long entries are kept. Zero disables pruning.
	Window time.Duration `json:"window" mapstructure:"window" yaml:"window"`

	// Interval between pruning runs.
	Interval time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Storage:      KindSQL,
		DefaultGroup: "default",
		SQL:          sqlstore.DefaultConfig(),
		Mongo:        mongo.DefaultConfig(),
		Sync: SyncConfig{
			Interval:        syncer.DefaultInterval,
			StopTimeout:     syncer.DefaultStopTimeout,
			MaxApplyRetries: syncer.DefaultMaxApplyRetries,
		},
		Retention: RetentionConfig{
			Window:   7 * 24 * time.Hour,
			Interval: time.Hour,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. ${VAR} references are
// expanded from the environment before parsing.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bperms: read config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return Config{}, fmt.Errorf("bperms: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid key as a *store.ConfigError. Only the
// configuration of the selected storage kind is checked.
func (c Config) Validate() error {
	if !c.Storage.Valid() {
		return &store.ConfigError{Backend: configBackend, Key: "storage", Reason: fmt.Sprintf("unknown kind %q", c.Storage)}
	}
	if node.Normalize(c.DefaultGroup) == "" {
		return &store.ConfigError{Backend: configBackend, Key: "default_group", Reason: "required"}
	}
	switch {
	case c.Sync.Interval < 0:
		return &store.ConfigError{Backend: configBackend, Key: "sync.interval", Reason: "must not be negative"}
	case c.Sync.StopTimeout < 0:
		return &store.ConfigError{Backend: configBackend, Key: "sync.stop_timeout", Reason: "must not be negative"}
	case c.Sync.MaxApplyRetries < 0:
		return &store.ConfigError{Backend: configBackend, Key: "sync.max_apply_retries", Reason: "must not be negative"}
	case c.Retention.Window < 0:
		return &store.ConfigError{Backend: configBackend, Key: "retention.window", Reason: "must not be negative"}
	case c.Retention.Window > 0 && c.Retention.Interval <= 0:
		return &store.ConfigError{Backend: configBackend, Key: "retention.interval", Reason: "must be positive when retention.window is set"}
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(configBackend); err != nil {
			return err
		}
	}

	switch c.Storage {
	case KindSQL:
		return c.sqlConfig().Validate()
	case KindMongo:
		return c.mongoConfig().Validate()
	}
	return nil
}

// withServerID fills in a generated server id.
func (c Config) withServerID() Config {
	if c.ServerID == "" {
		c.ServerID = id.NewServerID().String()
	}
	return c
}

func (c Config) sqlConfig() sqlstore.Config {
	sc := c.SQL
	sc.ServerID = c.ServerID
	sc.DefaultGroup = c.DefaultGroup
	if c.Retry != nil {
		sc.Retry = *c.Retry
	}
	return sc
}

func (c Config) mongoConfig() mongo.Config {
	mc := c.Mongo
	mc.ServerID = c.ServerID
	mc.DefaultGroup = c.DefaultGroup
	if c.Retry != nil {
		mc.Retry = *c.Retry
	}
	return mc
}
