package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/user"
)

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Store) LoadUser(ctx context.Context, w, userID string) (*user.Record, error) {
	var r *user.Record
	err := s.do(ctx, "load user", func(ctx context.Context, ss *session) error {
		m := new(userModel)
		err := ss.first(ctx, m, "", where("world = ?", w), where("id = ?", userID))
		if isNoRows(err) {
			return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if r, err = userFromModel(m); err != nil {
			return corrupted("load user", err)
		}
		return nil
	})
	return r, err
}

func (s *Store) SaveUser(ctx context.Context, w string, r *user.Record) error {
	return s.do(ctx, "save user", func(ctx context.Context, ss *session) error {
		return s.putUser(ctx, ss, w, r)
	})
}

// putUser normalizes, stamps, upserts and logs one user.
func (s *Store) putUser(ctx context.Context, ss *session, w string, r *user.Record) error {
	r.Normalize()
	r.LastModified = s.clock.Now()
	m, err := userToModel(w, r)
	if err != nil {
		return err
	}
	if err := ss.insert(ctx, m, userConflict); err != nil {
		return err
	}
	return s.appendChange(ctx, ss, w, changelog.SubjectUser, r.ID, changelog.ChangeUpdate, r.LastModified)
}

func (s *Store) UserExists(ctx context.Context, w, userID string) (bool, error) {
	var n int
	err := s.do(ctx, "user exists", func(ctx context.Context, ss *session) error {
		var err error
		n, err = ss.count(ctx, (*userModel)(nil), where("world = ?", w), where("id = ?", userID))
		return err
	})
	return n > 0, err
}

func (s *Store) DeleteUser(ctx context.Context, w, userID string) error {
	return s.do(ctx, "delete user", func(ctx context.Context, ss *session) error {
		n, err := ss.remove(ctx, (*userModel)(nil), where("world = ?", w), where("id = ?", userID))
		if err != nil || n == 0 {
			return err
		}
		return s.appendChange(ctx, ss, w, changelog.SubjectUser, userID, changelog.ChangeDelete, s.clock.Now())
	})
}

func (s *Store) LoadAllUsers(ctx context.Context, w string) (map[string]*user.Record, error) {
	var result map[string]*user.Record
	err := s.do(ctx, "load all users", func(ctx context.Context, ss *session) error {
		var models []userModel
		if err := ss.all(ctx, &models, "", where("world = ?", w)); err != nil {
			return err
		}
		result = make(map[string]*user.Record, len(models))
		for i := range models {
			r, err := userFromModel(&models[i])
			if err != nil {
				return corrupted("load all users", err)
			}
			result[r.ID] = r
		}
		return nil
	})
	return result, err
}

// SaveAllUsers saves every user in one transaction.
func (s *Store) SaveAllUsers(ctx context.Context, w string, users []*user.Record) error {
	return s.do(ctx, "save all users", func(ctx context.Context, ss *session) error {
		for _, r := range users {
			if err := s.putUser(ctx, ss, w, r); err != nil {
				return fmt.Errorf("user %s: %w", r.ID, err)
			}
		}
		return nil
	})
}
