// Package mongo provides the document implementation of the storage backend
// contract on MongoDB, through grove's mongodriver.
//
// Users and groups are one document each, keyed "world/id", with their
// collections stored as native arrays and sub-documents. Saves and deletes
// append to an append-only change-log collection. MongoDB transactions need
// a replica set, so this backend does not implement store.Transactor and
// store.RunInTx degrades to plain calls.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/retry"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// Kind is the backend kind reported by Store.Kind.
const Kind = "mongo"

// Collection names, before the configured prefix.
const (
	colUsers     = "users"
	colGroups    = "groups"
	colWorlds    = "worlds"
	colChangelog = "changelog"
)

// Compile-time interface checks.
var (
	_ store.Backend       = (*Store)(nil)
	_ store.BulkSaver     = (*Store)(nil)
	_ changelog.Retention = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the document backend.
type Store struct {
	cfg     Config
	clock   *store.Clock
	retrier *retry.Retrier
	logger  *slog.Logger

	mu     sync.RWMutex
	db     *grove.DB
	closed bool
}

// New validates cfg and returns an unconnected Store. Call Init before use.
func New(cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerID == "" {
		cfg.ServerID = id.NewServerID().String()
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = "default"
	}
	cfg.DefaultGroup = node.Normalize(cfg.DefaultGroup)

	s := &Store{cfg: cfg, clock: store.NewClock(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.retrier = retry.New(Kind, cfg.Retry, IsConnectionError, s.reconnect, s.logger)
	return s, nil
}

// Open is New followed by Init.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init connects, pings, and creates indexes. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	if db == nil {
		var err error
		db, err = s.connect(ctx)
		if err != nil {
			s.mu.Unlock()
			return store.NewError(store.KindConnection, Kind, "init", err)
		}
		s.db = db
	}
	s.closed = false
	s.mu.Unlock()

	if err := s.migrate(ctx, mongodriver.Unwrap(db)); err != nil {
		return fmt.Errorf("mongo: init: %w", err)
	}
	s.logger.Info("mongo backend ready", "database", s.cfg.Database, "server_id", s.cfg.ServerID)
	return nil
}

// connect opens and pings a grove database for the configured deployment.
func (s *Store) connect(ctx context.Context) (*grove.DB, error) {
	uri, err := s.cfg.clientURI()
	if err != nil {
		return nil, err
	}
	drv := mongodriver.New()
	if err := drv.Open(ctx, uri); err != nil {
		return nil, err
	}
	db, err := grove.Open(drv)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate creates indexes for every collection.
func (s *Store) migrate(ctx context.Context, mdb *mongodriver.MongoDB) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := mdb.Collection(s.cfg.CollectionPrefix+col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// migrationIndexes returns the index definitions for every collection.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colUsers: {
			{
				Keys:    bson.D{{Key: "world", Value: 1}, {Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colGroups: {
			{
				Keys:    bson.D{{Key: "world", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colChangelog: {
			{Keys: bson.D{{Key: "world", Value: 1}, {Key: "ts", Value: 1}}},
			{Keys: bson.D{{Key: "ts", Value: 1}}},
		},
	}
}

// reconnect connects a replacement database and swaps it in. The old one is
// closed only after the swap, so a failed rebuild leaves the previous handle
// in place and its errors stay connection-class.
func (s *Store) reconnect(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return store.ErrClosed
	}

	db, err := s.connect(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = db.Close()
		return store.ErrClosed
	}
	old := s.db
	s.db = db
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// handle returns the current database.
func (s *Store) handle() (*grove.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.closed:
		return nil, store.ErrClosed
	case s.db == nil:
		return nil, store.ErrNotInitialized
	}
	return s.db, nil
}

// Ping verifies the connection without retrying.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return fmt.Errorf("mongo: ping: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return store.NewError(store.KindConnection, Kind, "ping", err)
	}
	return nil
}

// Connected reports whether a ping succeeds.
func (s *Store) Connected(ctx context.Context) bool { return s.Ping(ctx) == nil }

// Close disconnects. It is safe after a failed Init and idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB returns the current grove database, or nil before Init.
func (s *Store) DB() *grove.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

// ServerID returns the server identity.
func (s *Store) ServerID() string { return s.cfg.ServerID }

// Kind returns "mongo".
func (s *Store) Kind() string { return Kind }

// ──────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────

// colls resolves prefixed collections against the current database.
type colls struct {
	users, groups, worlds, changes *mongod.Collection
}

func (s *Store) do(ctx context.Context, op string, fn func(ctx context.Context, c colls) error) error {
	err := s.retrier.Do(ctx, op, func(ctx context.Context) error {
		db, err := s.handle()
		if err != nil {
			return err
		}
		mdb := mongodriver.Unwrap(db)
		p := s.cfg.CollectionPrefix
		return fn(ctx, colls{
			users:   mdb.Collection(p + colUsers),
			groups:  mdb.Collection(p + colGroups),
			worlds:  mdb.Collection(p + colWorlds),
			changes: mdb.Collection(p + colChangelog),
		})
	})
	var se *store.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &se), errors.Is(err, store.ErrNotFound):
		return err
	default:
		return fmt.Errorf("mongo: %s: %w", op, err)
	}
}

func corrupted(op string, err error) error {
	return store.NewError(store.KindDataCorrupted, Kind, op, err)
}

// findOne decodes the single match into dst, separating missing documents
// and undecodable payloads from driver errors.
func findOne(ctx context.Context, col *mongod.Collection, op string, filter any, dst any) error {
	res := col.FindOne(ctx, filter)
	if err := res.Err(); err != nil {
		return err
	}
	if err := res.Decode(dst); err != nil {
		return corrupted(op, err)
	}
	return nil
}

func (s *Store) newChange(w string, kind changelog.SubjectKind, subjectID string, change changelog.ChangeKind, ts int64) *changeModel {
	return changeToModel(&changelog.Entry{
		ID:        id.NewChangeID(),
		World:     w,
		Subject:   kind,
		SubjectID: subjectID,
		Change:    change,
		Timestamp: ts,
		ServerID:  s.cfg.ServerID,
	})
}

var upsert = options.Replace().SetUpsert(true)

// ──────────────────────────────────────────────────
// User Store
// ──────────────────────────────────────────────────

func (s *Store) LoadUser(ctx context.Context, w, userID string) (*user.Record, error) {
	var r *user.Record
	err := s.do(ctx, "load user", func(ctx context.Context, c colls) error {
		var m userModel
		err := findOne(ctx, c.users, "load user", bson.M{"_id": docKey(w, userID)}, &m)
		if errors.Is(err, mongod.ErrNoDocuments) {
			return fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		r = userFromModel(&m)
		return nil
	})
	return r, err
}

func (s *Store) SaveUser(ctx context.Context, w string, r *user.Record) error {
	r.Normalize()
	return s.do(ctx, "save user", func(ctx context.Context, c colls) error {
		r.LastModified = s.clock.Now()
		m := userToModel(w, r)
		if _, err := c.users.ReplaceOne(ctx, bson.M{"_id": m.Key}, m, upsert); err != nil {
			return err
		}
		_, err := c.changes.InsertOne(ctx, s.newChange(w, changelog.SubjectUser, r.ID, changelog.ChangeUpdate, r.LastModified))
		return err
	})
}

func (s *Store) UserExists(ctx context.Context, w, userID string) (bool, error) {
	var n int64
	err := s.do(ctx, "user exists", func(ctx context.Context, c colls) error {
		var err error
		n, err = c.users.CountDocuments(ctx, bson.M{"_id": docKey(w, userID)})
		return err
	})
	return n > 0, err
}

func (s *Store) DeleteUser(ctx context.Context, w, userID string) error {
	return s.do(ctx, "delete user", func(ctx context.Context, c colls) error {
		res, err := c.users.DeleteOne(ctx, bson.M{"_id": docKey(w, userID)})
		if err != nil || res.DeletedCount == 0 {
			return err
		}
		_, err = c.changes.InsertOne(ctx, s.newChange(w, changelog.SubjectUser, userID, changelog.ChangeDelete, s.clock.Now()))
		return err
	})
}

func (s *Store) LoadAllUsers(ctx context.Context, w string) (map[string]*user.Record, error) {
	var result map[string]*user.Record
	err := s.do(ctx, "load all users", func(ctx context.Context, c colls) error {
		cur, err := c.users.Find(ctx, bson.M{"world": w})
		if err != nil {
			return err
		}
		defer cur.Close(ctx)

		result = make(map[string]*user.Record)
		for cur.Next(ctx) {
			var m userModel
			if err := cur.Decode(&m); err != nil {
				return corrupted("load all users", err)
			}
			result[m.ID] = userFromModel(&m)
		}
		return cur.Err()
	})
	return result, err
}

// SaveAllUsers upserts users with one bulk write, then logs them.
func (s *Store) SaveAllUsers(ctx context.Context, w string, users []*user.Record) error {
	if len(users) == 0 {
		return nil
	}
	return s.do(ctx, "save all users", func(ctx context.Context, c colls) error {
		models := make([]mongod.WriteModel, 0, len(users))
		changes := make([]any, 0, len(users))
		for _, r := range users {
			r.Normalize()
			r.LastModified = s.clock.Now()
			m := userToModel(w, r)
			models = append(models, mongod.NewReplaceOneModel().SetFilter(bson.M{"_id": m.Key}).SetReplacement(m).SetUpsert(true))
			changes = append(changes, s.newChange(w, changelog.SubjectUser, r.ID, changelog.ChangeUpdate, r.LastModified))
		}
		if _, err := c.users.BulkWrite(ctx, models); err != nil {
			return err
		}
		_, err := c.changes.InsertMany(ctx, changes)
		return err
	})
}

// ──────────────────────────────────────────────────
// Group Store
// ──────────────────────────────────────────────────

func (s *Store) LoadGroup(ctx context.Context, w, name string) (*group.Record, error) {
	name = node.Normalize(name)
	var r *group.Record
	err := s.do(ctx, "load group", func(ctx context.Context, c colls) error {
		var m groupModel
		err := findOne(ctx, c.groups, "load group", bson.M{"_id": docKey(w, name)}, &m)
		if errors.Is(err, mongod.ErrNoDocuments) {
			return fmt.Errorf("group %s: %w", name, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		r = groupFromModel(&m)
		return nil
	})
	return r, err
}

func (s *Store) SaveGroup(ctx context.Context, w string, r *group.Record) error {
	r.Normalize()
	return s.do(ctx, "save group", func(ctx context.Context, c colls) error {
		r.LastModified = s.clock.Now()
		m := groupToModel(w, r)
		if _, err := c.groups.ReplaceOne(ctx, bson.M{"_id": m.Key}, m, upsert); err != nil {
			return err
		}
		_, err := c.changes.InsertOne(ctx, s.newChange(w, changelog.SubjectGroup, r.Name, changelog.ChangeUpdate, r.LastModified))
		return err
	})
}

func (s *Store) GroupExists(ctx context.Context, w, name string) (bool, error) {
	var n int64
	err := s.do(ctx, "group exists", func(ctx context.Context, c colls) error {
		var err error
		n, err = c.groups.CountDocuments(ctx, bson.M{"_id": docKey(w, node.Normalize(name))})
		return err
	})
	return n > 0, err
}

func (s *Store) DeleteGroup(ctx context.Context, w, name string) error {
	name = node.Normalize(name)
	return s.do(ctx, "delete group", func(ctx context.Context, c colls) error {
		res, err := c.groups.DeleteOne(ctx, bson.M{"_id": docKey(w, name)})
		if err != nil || res.DeletedCount == 0 {
			return err
		}
		_, err = c.changes.InsertOne(ctx, s.newChange(w, changelog.SubjectGroup, name, changelog.ChangeDelete, s.clock.Now()))
		return err
	})
}

func (s *Store) LoadAllGroups(ctx context.Context, w string) (map[string]*group.Record, error) {
	var result map[string]*group.Record
	err := s.do(ctx, "load all groups", func(ctx context.Context, c colls) error {
		cur, err := c.groups.Find(ctx, bson.M{"world": w})
		if err != nil {
			return err
		}
		defer cur.Close(ctx)

		result = make(map[string]*group.Record)
		for cur.Next(ctx) {
			var m groupModel
			if err := cur.Decode(&m); err != nil {
				return corrupted("load all groups", err)
			}
			result[m.Name] = groupFromModel(&m)
		}
		return cur.Err()
	})
	return result, err
}

// SaveAllGroups upserts groups with one bulk write, then logs them.
func (s *Store) SaveAllGroups(ctx context.Context, w string, groups []*group.Record) error {
	if len(groups) == 0 {
		return nil
	}
	return s.do(ctx, "save all groups", func(ctx context.Context, c colls) error {
		models := make([]mongod.WriteModel, 0, len(groups))
		changes := make([]any, 0, len(groups))
		for _, r := range groups {
			r.Normalize()
			r.LastModified = s.clock.Now()
			m := groupToModel(w, r)
			models = append(models, mongod.NewReplaceOneModel().SetFilter(bson.M{"_id": m.Key}).SetReplacement(m).SetUpsert(true))
			changes = append(changes, s.newChange(w, changelog.SubjectGroup, r.Name, changelog.ChangeUpdate, r.LastModified))
		}
		if _, err := c.groups.BulkWrite(ctx, models); err != nil {
			return err
		}
		_, err := c.changes.InsertMany(ctx, changes)
		return err
	})
}

// ──────────────────────────────────────────────────
// World Store
// ──────────────────────────────────────────────────

func (s *Store) LoadWorld(ctx context.Context, w string) (*world.Metadata, error) {
	var meta *world.Metadata
	err := s.do(ctx, "load world", func(ctx context.Context, c colls) error {
		var m worldModel
		err := findOne(ctx, c.worlds, "load world", bson.M{"_id": w}, &m)
		if errors.Is(err, mongod.ErrNoDocuments) {
			meta = world.New(w, s.cfg.DefaultGroup)
			meta.LastModified = s.clock.Now()
			// $setOnInsert keeps a concurrently created document intact.
			_, err = c.worlds.UpdateOne(ctx,
				bson.M{"_id": w},
				bson.M{"$setOnInsert": worldToModel(meta)},
				options.UpdateOne().SetUpsert(true))
			return err
		}
		if err != nil {
			return err
		}
		meta = worldFromModel(&m)
		return nil
	})
	return meta, err
}

func (s *Store) SaveWorld(ctx context.Context, meta *world.Metadata) error {
	meta.DefaultGroup = node.Normalize(meta.DefaultGroup)
	return s.do(ctx, "save world", func(ctx context.Context, c colls) error {
		meta.LastModified = s.clock.Now()
		_, err := c.worlds.ReplaceOne(ctx, bson.M{"_id": meta.World}, worldToModel(meta), upsert)
		return err
	})
}

// ──────────────────────────────────────────────────
// Change log
// ──────────────────────────────────────────────────

func (s *Store) ChangesSince(ctx context.Context, w string, since int64) ([]*changelog.Entry, error) {
	var result []*changelog.Entry
	err := s.do(ctx, "changes since", func(ctx context.Context, c colls) error {
		filter := bson.M{
			"world":     w,
			"ts":        bson.M{"$gt": since},
			"server_id": bson.M{"$ne": s.cfg.ServerID},
		}
		cur, err := c.changes.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		defer cur.Close(ctx)

		result = result[:0]
		for cur.Next(ctx) {
			var m changeModel
			if err := cur.Decode(&m); err != nil {
				return corrupted("changes since", err)
			}
			e, err := changeFromModel(&m)
			if err != nil {
				return corrupted("changes since", err)
			}
			result = append(result, e)
		}
		return cur.Err()
	})
	return result, err
}

// edgeTimestamp returns the newest (dir -1) or oldest (dir 1) change-log
// timestamp matching filter, or 0.
func edgeTimestamp(ctx context.Context, col *mongod.Collection, op string, filter bson.M, dir int) (int64, error) {
	var m changeModel
	res := col.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "ts", Value: dir}}))
	if err := res.Err(); err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	if err := res.Decode(&m); err != nil {
		return 0, corrupted(op, err)
	}
	return m.Timestamp, nil
}

func worldFilter(w string) bson.M {
	if w == "" {
		return bson.M{}
	}
	return bson.M{"world": w}
}

func (s *Store) LastModified(ctx context.Context, w string) (int64, error) {
	var ts int64
	err := s.do(ctx, "last modified", func(ctx context.Context, c colls) error {
		var err error
		ts, err = edgeTimestamp(ctx, c.changes, "last modified", bson.M{"world": w}, -1)
		return err
	})
	return ts, err
}

func (s *Store) DeleteChangesBefore(ctx context.Context, w string, before int64) (int64, error) {
	var n int64
	err := s.do(ctx, "delete changes before", func(ctx context.Context, c colls) error {
		filter := worldFilter(w)
		filter["ts"] = bson.M{"$lt": before}
		res, err := c.changes.DeleteMany(ctx, filter)
		if err != nil {
			return err
		}
		n = res.DeletedCount
		return nil
	})
	return n, err
}

func (s *Store) DeleteAllChanges(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, "delete all changes", func(ctx context.Context, c colls) error {
		res, err := c.changes.DeleteMany(ctx, bson.M{})
		if err != nil {
			return err
		}
		n = res.DeletedCount
		return nil
	})
	return n, err
}

func (s *Store) CountChanges(ctx context.Context, w string) (int64, error) {
	var n int64
	err := s.do(ctx, "count changes", func(ctx context.Context, c colls) error {
		var err error
		n, err = c.changes.CountDocuments(ctx, worldFilter(w))
		return err
	})
	return n, err
}

func (s *Store) OldestChange(ctx context.Context, w string) (int64, error) {
	var ts int64
	err := s.do(ctx, "oldest change", func(ctx context.Context, c colls) error {
		var err error
		ts, err = edgeTimestamp(ctx, c.changes, "oldest change", worldFilter(w), 1)
		return err
	})
	return ts, err
}
