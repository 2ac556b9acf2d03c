package store

import "time"

// PoolConfig bounds a backend's connection pool.
type PoolConfig struct {
	// MaxSize is the maximum number of open connections.
	MaxSize int `json:"max_size" mapstructure:"max_size" yaml:"max_size"`

	// MinIdle is the number of connections kept idle.
	MinIdle int `json:"min_idle" mapstructure:"min_idle" yaml:"min_idle"`

	// MaxLifetime closes connections older than this. Zero means no limit.
	MaxLifetime time.Duration `json:"max_lifetime" mapstructure:"max_lifetime" yaml:"max_lifetime"`

	// MaxIdleTime closes connections idle for longer than this.
	MaxIdleTime time.Duration `json:"max_idle_time" mapstructure:"max_idle_time" yaml:"max_idle_time"`
}

// DefaultPoolConfig returns pool bounds suited to a single game server.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:     10,
		MinIdle:     2,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 10 * time.Minute,
	}
}

// Validate reports the first invalid field as a *ConfigError.
func (c PoolConfig) Validate(backend string) error {
	switch {
	case c.MaxSize <= 0:
		return &ConfigError{Backend: backend, Key: "pool.max_size", Reason: "must be positive"}
	case c.MinIdle < 0:
		return &ConfigError{Backend: backend, Key: "pool.min_idle", Reason: "must not be negative"}
	case c.MinIdle > c.MaxSize:
		return &ConfigError{Backend: backend, Key: "pool.min_idle", Reason: "must not exceed pool.max_size"}
	case c.MaxLifetime < 0:
		return &ConfigError{Backend: backend, Key: "pool.max_lifetime", Reason: "must not be negative"}
	case c.MaxIdleTime < 0:
		return &ConfigError{Backend: backend, Key: "pool.max_idle_time", Reason: "must not be negative"}
	}
	return nil
}
