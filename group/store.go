package group

import "context"

// Store defines persistence operations for groups. Group names are matched
// case-insensitively.
type Store interface {
	// LoadGroup retrieves a group. It returns an error matching
	// store.ErrNotFound when the group has never been saved.
	LoadGroup(ctx context.Context, world, name string) (*Record, error)

	// SaveGroup inserts or updates a group, stamps LastModified and appends
	// an UPDATE change-log entry.
	SaveGroup(ctx context.Context, world string, r *Record) error

	// GroupExists reports whether a group has been saved.
	GroupExists(ctx context.Context, world, name string) (bool, error)

	// DeleteGroup removes a group and appends a DELETE change-log entry.
	DeleteGroup(ctx context.Context, world, name string) error

	// LoadAllGroups returns every group in the world keyed by name.
	LoadAllGroups(ctx context.Context, world string) (map[string]*Record, error)
}
