// Package memory provides an in-memory implementation of the storage
// backend contract. It is intended for testing, development, and
// single-process deployments.
//
// A Database holds the data; any number of Stores, each with its own server
// ID, can share one Database. This mirrors several servers sharing one SQL or
// Mongo target and lets change-log self-filtering be exercised in-process.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// Kind is the backend kind reported by Store.Kind.
const Kind = "memory"

// Compile-time interface checks.
var (
	_ store.Backend       = (*Store)(nil)
	_ store.Transactor    = (*Store)(nil)
	_ store.BulkSaver     = (*Store)(nil)
	_ changelog.Retention = (*Store)(nil)
)

// Database is the shared in-memory state.
type Database struct {
	mu sync.RWMutex

	users   map[string]map[string]*user.Record  // world -> user id -> record
	groups  map[string]map[string]*group.Record // world -> group name -> record
	worlds  map[string]*world.Metadata
	changes []*changelog.Entry // append order == timestamp order
	clock   *store.Clock
}

// NewDatabase creates an empty database.
func NewDatabase() *Database {
	return &Database{
		users:  make(map[string]map[string]*user.Record),
		groups: make(map[string]map[string]*group.Record),
		worlds: make(map[string]*world.Metadata),
		clock:  store.NewClock(),
	}
}

// Config configures a memory Store.
type Config struct {
	ServerID     string `json:"server_id" mapstructure:"server_id" yaml:"server_id"`
	DefaultGroup string `json:"default_group" mapstructure:"default_group" yaml:"default_group"`
}

// Store is a thread-safe in-memory backend bound to one server identity.
type Store struct {
	db           *Database
	serverID     string
	defaultGroup string
	closed       atomic.Bool
}

// New creates a Store over db. A nil db gets a fresh Database. An empty
// server ID gets a generated one.
func New(db *Database, cfg Config) *Store {
	if db == nil {
		db = NewDatabase()
	}
	if cfg.ServerID == "" {
		cfg.ServerID = id.NewServerID().String()
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = "default"
	}
	return &Store{db: db, serverID: cfg.ServerID, defaultGroup: node.Normalize(cfg.DefaultGroup)}
}

// Database returns the shared state, so further Stores can be attached.
func (s *Store) Database() *Database { return s.db }

// Init reopens a closed store. There is nothing to provision.
func (s *Store) Init(_ context.Context) error {
	s.closed.Store(false)
	return nil
}

// Ping fails only once the store is closed.
func (s *Store) Ping(_ context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return nil
}

// Connected reports whether the store is open.
func (s *Store) Connected(ctx context.Context) bool { return s.Ping(ctx) == nil }

// Close marks the store closed. The shared Database is left intact.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// ServerID returns the server identity.
func (s *Store) ServerID() string { return s.serverID }

// Kind returns "memory".
func (s *Store) Kind() string { return Kind }

func (s *Store) check(op string) error {
	if s.closed.Load() {
		return fmt.Errorf("memory: %s: %w", op, store.ErrClosed)
	}
	return nil
}

// ──────────────────────────────────────────────────
// User Store
// ──────────────────────────────────────────────────

func (s *Store) LoadUser(_ context.Context, w, userID string) (*user.Record, error) {
	if err := s.check("load user"); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	u, ok := s.db.users[w][userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, store.ErrNotFound)
	}
	return u.Clone(), nil
}

func (s *Store) SaveUser(ctx context.Context, w string, r *user.Record) error {
	if err := s.check("save user"); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.putUser(ctx, w, r)
	return nil
}

// putUser upserts a user and logs the change. Must hold write lock.
func (s *Store) putUser(ctx context.Context, w string, r *user.Record) {
	r.Normalize()
	r.LastModified = s.db.clock.Now()

	byID := s.db.users[w]
	if byID == nil {
		byID = make(map[string]*user.Record)
		s.db.users[w] = byID
	}
	prev, existed := byID[r.ID]
	byID[r.ID] = r.Clone()
	s.recordUndo(ctx, func() {
		if existed {
			byID[r.ID] = prev
		} else {
			delete(byID, r.ID)
		}
	})
	s.appendChange(ctx, w, changelog.SubjectUser, r.ID, changelog.ChangeUpdate, r.LastModified)
}

func (s *Store) UserExists(_ context.Context, w, userID string) (bool, error) {
	if err := s.check("user exists"); err != nil {
		return false, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	_, ok := s.db.users[w][userID]
	return ok, nil
}

func (s *Store) DeleteUser(ctx context.Context, w, userID string) error {
	if err := s.check("delete user"); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	byID := s.db.users[w]
	prev, ok := byID[userID]
	if !ok {
		return nil
	}
	delete(byID, userID)
	s.recordUndo(ctx, func() { byID[userID] = prev })
	s.appendChange(ctx, w, changelog.SubjectUser, userID, changelog.ChangeDelete, s.db.clock.Now())
	return nil
}

func (s *Store) LoadAllUsers(_ context.Context, w string) (map[string]*user.Record, error) {
	if err := s.check("load all users"); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	result := make(map[string]*user.Record, len(s.db.users[w]))
	for k, u := range s.db.users[w] {
		result[k] = u.Clone()
	}
	return result, nil
}

func (s *Store) SaveAllUsers(ctx context.Context, w string, users []*user.Record) error {
	if err := s.check("save all users"); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, u := range users {
		s.putUser(ctx, w, u)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Group Store
// ──────────────────────────────────────────────────

func (s *Store) LoadGroup(_ context.Context, w, name string) (*group.Record, error) {
	if err := s.check("load group"); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	g, ok := s.db.groups[w][node.Normalize(name)]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", name, store.ErrNotFound)
	}
	return g.Clone(), nil
}

func (s *Store) SaveGroup(ctx context.Context, w string, r *group.Record) error {
	if err := s.check("save group"); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.putGroup(ctx, w, r)
	return nil
}

// putGroup upserts a group and logs the change. Must hold write lock.
func (s *Store) putGroup(ctx context.Context, w string, r *group.Record) {
	r.Normalize()
	r.LastModified = s.db.clock.Now()

	byName := s.db.groups[w]
	if byName == nil {
		byName = make(map[string]*group.Record)
		s.db.groups[w] = byName
	}
	prev, existed := byName[r.Name]
	byName[r.Name] = r.Clone()
	s.recordUndo(ctx, func() {
		if existed {
			byName[r.Name] = prev
		} else {
			delete(byName, r.Name)
		}
	})
	s.appendChange(ctx, w, changelog.SubjectGroup, r.Name, changelog.ChangeUpdate, r.LastModified)
}

func (s *Store) GroupExists(_ context.Context, w, name string) (bool, error) {
	if err := s.check("group exists"); err != nil {
		return false, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	_, ok := s.db.groups[w][node.Normalize(name)]
	return ok, nil
}

func (s *Store) DeleteGroup(ctx context.Context, w, name string) error {
	if err := s.check("delete group"); err != nil {
		return err
	}
	name = node.Normalize(name)
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	byName := s.db.groups[w]
	prev, ok := byName[name]
	if !ok {
		return nil
	}
	delete(byName, name)
	s.recordUndo(ctx, func() { byName[name] = prev })
	s.appendChange(ctx, w, changelog.SubjectGroup, name, changelog.ChangeDelete, s.db.clock.Now())
	return nil
}

func (s *Store) LoadAllGroups(_ context.Context, w string) (map[string]*group.Record, error) {
	if err := s.check("load all groups"); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	result := make(map[string]*group.Record, len(s.db.groups[w]))
	for k, g := range s.db.groups[w] {
		result[k] = g.Clone()
	}
	return result, nil
}

func (s *Store) SaveAllGroups(ctx context.Context, w string, groups []*group.Record) error {
	if err := s.check("save all groups"); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, g := range groups {
		s.putGroup(ctx, w, g)
	}
	return nil
}

// ──────────────────────────────────────────────────
// World Store
// ──────────────────────────────────────────────────

func (s *Store) LoadWorld(ctx context.Context, w string) (*world.Metadata, error) {
	if err := s.check("load world"); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.worlds[w]
	if !ok {
		m = world.New(w, s.defaultGroup)
		m.LastModified = s.db.clock.Now()
		s.db.worlds[w] = m
		s.recordUndo(ctx, func() { delete(s.db.worlds, w) })
	}
	return m.Clone(), nil
}

func (s *Store) SaveWorld(ctx context.Context, m *world.Metadata) error {
	if err := s.check("save world"); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m.DefaultGroup = node.Normalize(m.DefaultGroup)
	m.LastModified = s.db.clock.Now()
	prev, existed := s.db.worlds[m.World]
	s.db.worlds[m.World] = m.Clone()
	s.recordUndo(ctx, func() {
		if existed {
			s.db.worlds[m.World] = prev
		} else {
			delete(s.db.worlds, m.World)
		}
	})
	return nil
}

// ──────────────────────────────────────────────────
// Change log
// ──────────────────────────────────────────────────

// appendChange adds a change-log entry. Must hold write lock.
func (s *Store) appendChange(ctx context.Context, w string, kind changelog.SubjectKind, subjectID string, change changelog.ChangeKind, ts int64) {
	e := &changelog.Entry{
		ID:        id.NewChangeID(),
		World:     w,
		Subject:   kind,
		SubjectID: subjectID,
		Change:    change,
		Timestamp: ts,
		ServerID:  s.serverID,
	}
	s.db.changes = append(s.db.changes, e)
	s.recordUndo(ctx, func() {
		s.db.changes = slices.DeleteFunc(s.db.changes, func(c *changelog.Entry) bool { return c == e })
	})
}

func (s *Store) ChangesSince(_ context.Context, w string, since int64) ([]*changelog.Entry, error) {
	if err := s.check("changes since"); err != nil {
		return nil, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var result []*changelog.Entry
	for _, e := range s.db.changes {
		if e.World != w || e.Timestamp <= since || e.ServerID == s.serverID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) LastModified(_ context.Context, w string) (int64, error) {
	if err := s.check("last modified"); err != nil {
		return 0, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var last int64
	for _, e := range s.db.changes {
		if e.World == w && e.Timestamp > last {
			last = e.Timestamp
		}
	}
	return last, nil
}

func (s *Store) DeleteChangesBefore(_ context.Context, w string, before int64) (int64, error) {
	if err := s.check("delete changes before"); err != nil {
		return 0, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := len(s.db.changes)
	s.db.changes = slices.DeleteFunc(s.db.changes, func(e *changelog.Entry) bool {
		return (w == "" || e.World == w) && e.Timestamp < before
	})
	return int64(n - len(s.db.changes)), nil
}

func (s *Store) DeleteAllChanges(_ context.Context) (int64, error) {
	if err := s.check("delete all changes"); err != nil {
		return 0, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := len(s.db.changes)
	s.db.changes = nil
	return int64(n), nil
}

func (s *Store) CountChanges(_ context.Context, w string) (int64, error) {
	if err := s.check("count changes"); err != nil {
		return 0, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if w == "" {
		return int64(len(s.db.changes)), nil
	}
	var n int64
	for _, e := range s.db.changes {
		if e.World == w {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestChange(_ context.Context, w string) (int64, error) {
	if err := s.check("oldest change"); err != nil {
		return 0, err
	}
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, e := range s.db.changes {
		if w == "" || e.World == w {
			return e.Timestamp, nil
		}
	}
	return 0, nil
}
