package changelog

import "context"

// Store defines the change-detection queries every backend supports.
type Store interface {
	// ChangesSince returns the entries of a world with a timestamp strictly
	// greater than since, oldest first, excluding entries written by the
	// calling backend's own server ID.
	ChangesSince(ctx context.Context, world string, since int64) ([]*Entry, error)

	// LastModified returns the newest change timestamp of a world, or 0.
	LastModified(ctx context.Context, world string) (int64, error)
}

// Retention defines change-log pruning. An empty world addresses every
// world in the backend.
type Retention interface {
	// DeleteChangesBefore removes entries with a timestamp strictly less
	// than before and returns how many were removed.
	DeleteChangesBefore(ctx context.Context, world string, before int64) (int64, error)

	// DeleteAllChanges empties the change log.
	DeleteAllChanges(ctx context.Context) (int64, error)

	// CountChanges returns the number of entries.
	CountChanges(ctx context.Context, world string) (int64, error)

	// OldestChange returns the oldest entry timestamp, or 0 when empty.
	OldestChange(ctx context.Context, world string) (int64, error)
}
