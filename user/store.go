package user

import "context"

// Store defines persistence operations for user records. Every operation is
// scoped to a world.
type Store interface {
	// LoadUser retrieves a user. It returns an error matching
	// store.ErrNotFound when the user has never been saved.
	LoadUser(ctx context.Context, world, userID string) (*Record, error)

	// SaveUser inserts or updates a user, stamps LastModified and appends an
	// UPDATE change-log entry.
	SaveUser(ctx context.Context, world string, r *Record) error

	// UserExists reports whether a user has been saved.
	UserExists(ctx context.Context, world, userID string) (bool, error)

	// DeleteUser removes a user and appends a DELETE change-log entry.
	DeleteUser(ctx context.Context, world, userID string) error

	// LoadAllUsers returns every user in the world keyed by ID.
	LoadAllUsers(ctx context.Context, world string) (map[string]*Record, error)
}
