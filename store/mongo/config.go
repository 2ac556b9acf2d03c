package mongo

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/retry"
)

// Config configures the document backend.
type Config struct {
	// URI is a mongodb:// or mongodb+srv:// connection string.
	URI string `json:"uri" mapstructure:"uri" yaml:"uri"`

	// Database is the database holding every collection.
	Database string `json:"database" mapstructure:"database" yaml:"database"`

	// CollectionPrefix is prepended to every collection name.
	CollectionPrefix string `json:"collection_prefix" mapstructure:"collection_prefix" yaml:"collection_prefix"`

	// ServerID identifies this process in the change log.
	ServerID string `json:"server_id" mapstructure:"server_id" yaml:"server_id"`

	// DefaultGroup seeds lazily created world metadata.
	DefaultGroup string `json:"default_group" mapstructure:"default_group" yaml:"default_group"`

	// ServerSelectionTimeout bounds how long an operation waits for a
	// reachable server before failing.
	ServerSelectionTimeout time.Duration `json:"server_selection_timeout" mapstructure:"server_selection_timeout" yaml:"server_selection_timeout"`

	// Pool bounds the driver's pool. MaxLifetime has no driver equivalent
	// and is ignored.
	Pool  store.PoolConfig `json:"pool" mapstructure:"pool" yaml:"pool"`
	Retry retry.Policy     `json:"retry" mapstructure:"retry" yaml:"retry"`
}

// DefaultConfig returns a configuration for a local server.
func DefaultConfig() Config {
	return Config{
		URI:                    "mongodb://localhost:27017",
		Database:               "bperms",
		CollectionPrefix:       "bperms_",
		DefaultGroup:           "default",
		ServerSelectionTimeout: 10 * time.Second,
		Pool:                   store.DefaultPoolConfig(),
		Retry:                  retry.DefaultPolicy(),
	}
}

// Validate reports the first invalid key. It never connects.
func (c Config) Validate() error {
	switch {
	case c.URI == "":
		return &store.ConfigError{Backend: Kind, Key: "uri", Reason: "required"}
	case !strings.HasPrefix(c.URI, "mongodb://") && !strings.HasPrefix(c.URI, "mongodb+srv://"):
		return &store.ConfigError{Backend: Kind, Key: "uri", Reason: "must start with mongodb:// or mongodb+srv://"}
	case c.Database == "":
		return &store.ConfigError{Backend: Kind, Key: "database", Reason: "required"}
	case strings.ContainsAny(c.Database, `/\. "$`):
		return &store.ConfigError{Backend: Kind, Key: "database", Reason: "contains a character MongoDB forbids in database names"}
	case strings.ContainsAny(c.CollectionPrefix, "$\x00"):
		return &store.ConfigError{Backend: Kind, Key: "collection_prefix", Reason: "may not contain $ or NUL"}
	case c.ServerSelectionTimeout < 0:
		return &store.ConfigError{Backend: Kind, Key: "server_selection_timeout", Reason: "must not be negative"}
	}
	if err := c.Pool.Validate(Kind); err != nil {
		return err
	}
	return c.Retry.Validate(Kind)
}

// clientURI is URI with the database as its path and the pool and timeout
// settings as query options. Options already present in URI win.
func (c Config) clientURI() (string, error) {
	u, err := url.Parse(c.URI)
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}
	u.Path = "/" + c.Database

	q := u.Query()
	set := func(key, value string) {
		if !q.Has(key) {
			q.Set(key, value)
		}
	}
	set("maxPoolSize", strconv.Itoa(c.Pool.MaxSize))
	set("minPoolSize", strconv.Itoa(c.Pool.MinIdle))
	if c.Pool.MaxIdleTime > 0 {
		set("maxIdleTimeMS", strconv.FormatInt(c.Pool.MaxIdleTime.Milliseconds(), 10))
	}
	if c.ServerSelectionTimeout > 0 {
		set("serverSelectionTimeoutMS", strconv.FormatInt(c.ServerSelectionTimeout.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
