package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/store"
)

func (s *Store) LoadGroup(ctx context.Context, w, name string) (*group.Record, error) {
	name = node.Normalize(name)
	var r *group.Record
	err := s.do(ctx, "load group", func(ctx context.Context, ss *session) error {
		m := new(groupModel)
		err := ss.first(ctx, m, "", where("world = ?", w), where("name = ?", name))
		if isNoRows(err) {
			return fmt.Errorf("group %s: %w", name, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if r, err = groupFromModel(m); err != nil {
			return corrupted("load group", err)
		}
		return nil
	})
	return r, err
}

func (s *Store) SaveGroup(ctx context.Context, w string, r *group.Record) error {
	return s.do(ctx, "save group", func(ctx context.Context, ss *session) error {
		return s.putGroup(ctx, ss, w, r)
	})
}

func (s *Store) putGroup(ctx context.Context, ss *session, w string, r *group.Record) error {
	r.Normalize()
	r.LastModified = s.clock.Now()
	m, err := groupToModel(w, r)
	if err != nil {
		return err
	}
	if err := ss.insert(ctx, m, groupConflict); err != nil {
		return err
	}
	return s.appendChange(ctx, ss, w, changelog.SubjectGroup, r.Name, changelog.ChangeUpdate, r.LastModified)
}

func (s *Store) GroupExists(ctx context.Context, w, name string) (bool, error) {
	var n int
	err := s.do(ctx, "group exists", func(ctx context.Context, ss *session) error {
		var err error
		n, err = ss.count(ctx, (*groupModel)(nil), where("world = ?", w), where("name = ?", node.Normalize(name)))
		return err
	})
	return n > 0, err
}

func (s *Store) DeleteGroup(ctx context.Context, w, name string) error {
	name = node.Normalize(name)
	return s.do(ctx, "delete group", func(ctx context.Context, ss *session) error {
		n, err := ss.remove(ctx, (*groupModel)(nil), where("world = ?", w), where("name = ?", name))
		if err != nil || n == 0 {
			return err
		}
		return s.appendChange(ctx, ss, w, changelog.SubjectGroup, name, changelog.ChangeDelete, s.clock.Now())
	})
}

func (s *Store) LoadAllGroups(ctx context.Context, w string) (map[string]*group.Record, error) {
	var result map[string]*group.Record
	err := s.do(ctx, "load all groups", func(ctx context.Context, ss *session) error {
		var models []groupModel
		if err := ss.all(ctx, &models, "", where("world = ?", w)); err != nil {
			return err
		}
		result = make(map[string]*group.Record, len(models))
		for i := range models {
			r, err := groupFromModel(&models[i])
			if err != nil {
				return corrupted("load all groups", err)
			}
			result[r.Name] = r
		}
		return nil
	})
	return result, err
}

// SaveAllGroups saves every group in one transaction.
func (s *Store) SaveAllGroups(ctx context.Context, w string, groups []*group.Record) error {
	return s.do(ctx, "save all groups", func(ctx context.Context, ss *session) error {
		for _, r := range groups {
			if err := s.putGroup(ctx, ss, w, r); err != nil {
				return fmt.Errorf("group %s: %w", r.Name, err)
			}
		}
		return nil
	})
}
