package sqlstore

import (
	"context"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// ──────────────────────────────────────────────────
// World metadata
// ──────────────────────────────────────────────────

func (s *Store) LoadWorld(ctx context.Context, w string) (*world.Metadata, error) {
	var meta *world.Metadata
	err := s.do(ctx, "load world", func(ctx context.Context, ss *session) error {
		m := new(worldModel)
		err := ss.first(ctx, m, "", where("world = ?", w))
		if isNoRows(err) {
			meta = world.New(w, s.cfg.DefaultGroup)
			meta.LastModified = s.clock.Now()
			return ss.insert(ctx, &worldModel{
				World:        meta.World,
				DefaultGroup: meta.DefaultGroup,
				Settings:     "{}",
				LastModified: meta.LastModified,
			}, "(world) DO NOTHING")
		}
		if err != nil {
			return err
		}
		if meta, err = worldFromModel(m); err != nil {
			return corrupted("load world", err)
		}
		return nil
	})
	return meta, err
}

func (s *Store) SaveWorld(ctx context.Context, meta *world.Metadata) error {
	meta.DefaultGroup = node.Normalize(meta.DefaultGroup)
	meta.LastModified = s.clock.Now()
	m, err := worldToModel(meta)
	if err != nil {
		return s.fail("save world", err)
	}
	return s.do(ctx, "save world", func(ctx context.Context, ss *session) error {
		return ss.insert(ctx, m, worldConflict)
	})
}

// ──────────────────────────────────────────────────
// Change log
// ──────────────────────────────────────────────────

func (s *Store) appendChange(ctx context.Context, ss *session, w string, kind changelog.SubjectKind, subjectID string, change changelog.ChangeKind, ts int64) error {
	return ss.insert(ctx, &changeModel{
		ID:          id.NewChangeID().String(),
		World:       w,
		SubjectKind: string(kind),
		SubjectID:   subjectID,
		ChangeKind:  string(change),
		ChangedAt:   ts,
		ServerID:    s.cfg.ServerID,
	}, "")
}

func (s *Store) ChangesSince(ctx context.Context, w string, since int64) ([]*changelog.Entry, error) {
	var result []*changelog.Entry
	err := s.do(ctx, "changes since", func(ctx context.Context, ss *session) error {
		var models []changeModel
		err := ss.all(ctx, &models, "changed_at ASC, id ASC",
			where("world = ?", w),
			where("changed_at > ?", since),
			where("server_id <> ?", s.cfg.ServerID))
		if err != nil {
			return err
		}
		result = make([]*changelog.Entry, 0, len(models))
		for i := range models {
			e, err := changeFromModel(&models[i])
			if err != nil {
				return corrupted("changes since", err)
			}
			result = append(result, e)
		}
		return nil
	})
	return result, err
}

func (s *Store) LastModified(ctx context.Context, w string) (int64, error) {
	return s.edge(ctx, "last modified", "changed_at DESC", w)
}

// ──────────────────────────────────────────────────
// Retention
// ──────────────────────────────────────────────────

func (s *Store) DeleteChangesBefore(ctx context.Context, w string, before int64) (int64, error) {
	conds := []clause{where("changed_at < ?", before)}
	if w != "" {
		conds = append(conds, where("world = ?", w))
	}
	var n int64
	err := s.do(ctx, "delete changes before", func(ctx context.Context, ss *session) error {
		var err error
		n, err = ss.remove(ctx, (*changeModel)(nil), conds...)
		return err
	})
	return n, err
}

func (s *Store) DeleteAllChanges(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, "delete all changes", func(ctx context.Context, ss *session) error {
		var err error
		n, err = ss.remove(ctx, (*changeModel)(nil), where("id IS NOT NULL"))
		return err
	})
	return n, err
}

func (s *Store) CountChanges(ctx context.Context, w string) (int64, error) {
	var conds []clause
	if w != "" {
		conds = append(conds, where("world = ?", w))
	}
	var n int
	err := s.do(ctx, "count changes", func(ctx context.Context, ss *session) error {
		var err error
		n, err = ss.count(ctx, (*changeModel)(nil), conds...)
		return err
	})
	return int64(n), err
}

func (s *Store) OldestChange(ctx context.Context, w string) (int64, error) {
	return s.edge(ctx, "oldest change", "changed_at ASC", w)
}

// edge returns the timestamp of the first change in order, optionally
// within one world. An empty log yields 0.
func (s *Store) edge(ctx context.Context, op, order, w string) (int64, error) {
	var conds []clause
	if w != "" {
		conds = append(conds, where("world = ?", w))
	}
	var ts int64
	err := s.do(ctx, op, func(ctx context.Context, ss *session) error {
		m := new(changeModel)
		err := ss.first(ctx, m, order, conds...)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		ts = m.ChangedAt
		return nil
	})
	return ts, err
}
