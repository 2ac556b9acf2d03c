// Package store defines the composite storage-backend contract. Each entity
// package (user, group, world, changelog) defines its own store interface; the
// composite Backend composes them all.
// Backends: sqlstore (Postgres, SQLite), mongo, and memory.
package store

import (
	"context"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// Backend is the contract every storage engine satisfies.
// A single backend instance serves any number of worlds.
type Backend interface {
	user.Store
	group.Store
	world.Store
	changelog.Store

	// Init establishes the connection pool and ensures the schema exists.
	// It is idempotent.
	Init(ctx context.Context) error

	// Ping checks connectivity with a round trip.
	Ping(ctx context.Context) error

	// Connected is a liveness check. It returns false on any failure.
	Connected(ctx context.Context) bool

	// Close releases pooled connections. It is safe to call after a failed
	// or partial Init, and more than once.
	Close() error

	// ServerID returns the identity used to tag and self-filter changes.
	ServerID() string

	// Kind returns the backend kind, e.g. "sql" or "mongo".
	Kind() string
}

// Transactor is implemented by backends with cross-record atomicity.
// A transaction is bound to the context returned by BeginTx and is only
// visible to operations issued with that context.
type Transactor interface {
	// BeginTx starts a transaction. It fails with ErrTxActive when ctx
	// already carries an active transaction of this backend.
	BeginTx(ctx context.Context) (context.Context, error)

	// CommitTx commits the transaction bound to ctx.
	CommitTx(ctx context.Context) error

	// RollbackTx aborts the transaction bound to ctx.
	RollbackTx(ctx context.Context) error
}

// BulkSaver is implemented by backends that save many records more
// efficiently than one at a time.
type BulkSaver interface {
	SaveAllUsers(ctx context.Context, world string, users []*user.Record) error
	SaveAllGroups(ctx context.Context, world string, groups []*group.Record) error
}
