// Package view provides an in-memory view of one world's users and groups,
// loaded on demand from a backend and kept current by a syncer.
package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/syncer"
	"github.com/jmurth1234/bPermissions-sub000/user"
)

// Compile-time interface check.
var _ syncer.Namespace = (*View)(nil)

// Defaults.
const (
	DefaultGroup    = "default"
	DefaultMaxUsers = 10000
	DefaultMaxDepth = 16
)

// Source is the backend a View loads from.
type Source interface {
	user.Store
	group.Store
}

// View caches the users and groups of one world.
type View struct {
	src          Source
	world        string
	defaultGroup string
	maxUsers     int
	maxDepth     int
	logger       *slog.Logger

	mu     sync.RWMutex
	users  map[string]*user.Record
	groups map[string]*group.Record
}

// Option configures a View.
type Option func(*View)

// WithDefaultGroup sets the group given to users that were never saved.
func WithDefaultGroup(name string) Option {
	return func(v *View) { v.defaultGroup = node.Normalize(name) }
}

// WithMaxUsers sets the maximum number of cached users.
func WithMaxUsers(n int) Option {
	return func(v *View) { v.maxUsers = n }
}

// WithMaxDepth bounds group inheritance resolution.
func WithMaxDepth(n int) Option {
	return func(v *View) { v.maxDepth = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *View) { v.logger = l }
}

// New creates an empty view of world backed by src.
func New(src Source, world string, opts ...Option) *View {
	v := &View{
		src:          src,
		world:        world,
		defaultGroup: DefaultGroup,
		maxUsers:     DefaultMaxUsers,
		maxDepth:     DefaultMaxDepth,
		logger:       slog.Default(),
		users:        make(map[string]*user.Record),
		groups:       make(map[string]*group.Record),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// World returns the world this view caches.
func (v *View) World() string { return v.world }

// ──────────────────────────────────────────────────
// Users and groups
// ──────────────────────────────────────────────────

// User returns a user, loading it on first use. A user that was never saved
// is returned as a fresh record in the default group.
func (v *View) User(ctx context.Context, userID string) (*user.Record, error) {
	v.mu.RLock()
	u, ok := v.users[userID]
	v.mu.RUnlock()
	if ok {
		return u.Clone(), nil
	}

	u, err := v.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	v.PutUser(u)
	return u.Clone(), nil
}

func (v *View) loadUser(ctx context.Context, userID string) (*user.Record, error) {
	u, err := v.src.LoadUser(ctx, v.world, userID)
	if errors.Is(err, store.ErrNotFound) {
		u = user.New(userID)
		u.Groups = []string{v.defaultGroup}
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("view: load user %s: %w", userID, err)
	}
	return u, nil
}

// Group returns a group, loading it on first use. It returns an error
// matching store.ErrNotFound when the group does not exist.
func (v *View) Group(ctx context.Context, name string) (*group.Record, error) {
	name = node.Normalize(name)
	v.mu.RLock()
	g, ok := v.groups[name]
	v.mu.RUnlock()
	if ok {
		return g.Clone(), nil
	}

	g, err := v.src.LoadGroup(ctx, v.world, name)
	if err != nil {
		return nil, fmt.Errorf("view: load group %s: %w", name, err)
	}
	v.PutGroup(g)
	return g.Clone(), nil
}

// PutUser caches a user, typically after the host saved it.
func (v *View) PutUser(u *user.Record) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.users[u.ID]; !ok && len(v.users) >= v.maxUsers {
		v.evictOne()
	}
	v.users[u.ID] = u.Clone()
}

// PutGroup caches a group, typically after the host saved it.
func (v *View) PutGroup(g *group.Record) {
	cp := g.Clone()
	cp.Name = node.Normalize(cp.Name)
	v.mu.Lock()
	v.groups[cp.Name] = cp
	v.mu.Unlock()
}

// Len returns the number of cached users and groups.
func (v *View) Len() (users, groups int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.users), len(v.groups)
}

// evictOne removes one arbitrary user. Must hold write lock.
func (v *View) evictOne() {
	for k := range v.users {
		delete(v.users, k)
		return
	}
}

// ──────────────────────────────────────────────────
// Synchronizer hooks
// ──────────────────────────────────────────────────

// IsLoaded reports whether the subject is cached.
func (v *View) IsLoaded(kind changelog.SubjectKind, id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	switch kind {
	case changelog.SubjectUser:
		_, ok := v.users[id]
		return ok
	case changelog.SubjectGroup:
		_, ok := v.groups[node.Normalize(id)]
		return ok
	default:
		return false
	}
}

// Reload replaces the cached subject with the backend's copy. A subject
// that no longer exists is removed.
func (v *View) Reload(ctx context.Context, kind changelog.SubjectKind, id string) error {
	switch kind {
	case changelog.SubjectUser:
		u, err := v.loadUser(ctx, id)
		if err != nil {
			return err
		}
		v.PutUser(u)
	case changelog.SubjectGroup:
		g, err := v.src.LoadGroup(ctx, v.world, id)
		if errors.Is(err, store.ErrNotFound) {
			v.Remove(kind, id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("view: reload group %s: %w", id, err)
		}
		v.PutGroup(g)
	default:
		return fmt.Errorf("view: unknown subject kind %q", kind)
	}
	v.logger.Debug("subject reloaded", "world", v.world, "subject", kind, "id", id)
	return nil
}

// Remove drops the subject from the cache.
func (v *View) Remove(kind changelog.SubjectKind, id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch kind {
	case changelog.SubjectUser:
		delete(v.users, id)
	case changelog.SubjectGroup:
		delete(v.groups, node.Normalize(id))
	}
}

// ──────────────────────────────────────────────────
// Effective permissions
// ──────────────────────────────────────────────────

// Effective resolves a user's permissions into node name → granted.
//
// Groups are walked breadth-first from the user's own groups. Farther
// inherited groups are applied first so nearer groups override them, and
// the user's own nodes are applied last. Within one record a negated node
// overrides the plain node of the same name. Missing groups are skipped.
func (v *View) Effective(ctx context.Context, userID string) (map[string]bool, error) {
	u, err := v.User(ctx, userID)
	if err != nil {
		return nil, err
	}

	levels, err := v.walkGroups(ctx, u.Groups)
	if err != nil {
		return nil, err
	}

	perms := make(map[string]bool)
	for _, level := range slices.Backward(levels) {
		for _, g := range level {
			apply(perms, g.Permissions)
		}
	}
	apply(perms, u.Permissions)
	return perms, nil
}

// walkGroups returns the groups reachable from start, one slice per depth.
func (v *View) walkGroups(ctx context.Context, start []string) ([][]*group.Record, error) {
	visited := make(map[string]bool)
	var levels [][]*group.Record

	frontier := node.NormalizeSet(start)
	for depth := 0; len(frontier) > 0 && depth < v.maxDepth; depth++ {
		var level []*group.Record
		var next []string
		for _, name := range frontier {
			if visited[name] {
				continue
			}
			visited[name] = true

			g, err := v.Group(ctx, name)
			if errors.Is(err, store.ErrNotFound) {
				v.logger.Debug("skipping missing group", "world", v.world, "group", name)
				continue
			}
			if err != nil {
				return nil, err
			}
			level = append(level, g)
			next = append(next, g.Inherits...)
		}
		if len(level) > 0 {
			levels = append(levels, level)
		}
		frontier = node.NormalizeSet(next)
	}
	return levels, nil
}

func apply(perms map[string]bool, raw []string) {
	var negated []node.Node
	for _, r := range raw {
		n := node.Parse(r)
		if n.Negated {
			negated = append(negated, n)
			continue
		}
		perms[n.Name] = true
	}
	for _, n := range negated {
		perms[n.Name] = false
	}
}

// Has reports whether the user holds perm. An exact node wins; otherwise
// the longest matching wildcard ("a.*", "*") decides.
func (v *View) Has(ctx context.Context, userID, perm string) (bool, error) {
	perms, err := v.Effective(ctx, userID)
	if err != nil {
		return false, err
	}
	return Check(perms, perm), nil
}

// Check resolves perm against a resolved permission map.
func Check(perms map[string]bool, perm string) bool {
	perm = node.Normalize(perm)
	if granted, ok := perms[perm]; ok {
		return granted
	}
	best, granted := -1, false
	for pattern, g := range perms {
		if len(pattern) > best && matchGlob(pattern, perm) {
			best, granted = len(pattern), g
		}
	}
	return granted
}
