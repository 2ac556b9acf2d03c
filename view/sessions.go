package view

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/jmurth1234/bPermissions-sub000/syncer"
)

// Compile-time interface check.
var _ syncer.Sessions = (*Sessions)(nil)

// Sessions tracks connected identities and the permissions last applied to
// each of them.
type Sessions struct {
	view *View

	mu     sync.RWMutex
	online map[string]map[string]bool
}

// NewSessions creates an empty session set resolving through v.
func NewSessions(v *View) *Sessions {
	return &Sessions{view: v, online: make(map[string]map[string]bool)}
}

// Login marks an identity online and applies its permissions.
func (s *Sessions) Login(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.online[id]; !ok {
		s.online[id] = map[string]bool{}
	}
	s.mu.Unlock()
	return s.Setup(ctx, id)
}

// Logout marks an identity offline.
func (s *Sessions) Logout(id string) {
	s.mu.Lock()
	delete(s.online, id)
	s.mu.Unlock()
}

// IsOnline reports whether the identity is connected.
func (s *Sessions) IsOnline(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[id]
	return ok
}

// Online returns the connected identities, sorted.
func (s *Sessions) Online() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.online))
}

// Setup recomputes the identity's effective permissions. It is a no-op for
// identities that are not online.
func (s *Sessions) Setup(ctx context.Context, id string) error {
	if !s.IsOnline(id) {
		return nil
	}
	perms, err := s.view.Effective(ctx, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.online[id]; ok {
		s.online[id] = perms
	}
	return nil
}

// SetupAll recomputes every online identity, continuing past failures.
func (s *Sessions) SetupAll(ctx context.Context) error {
	var errs []error
	for _, id := range s.Online() {
		if err := s.Setup(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Has reports whether the identity's applied permissions grant perm.
// Offline identities hold nothing.
func (s *Sessions) Has(id, perm string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms, ok := s.online[id]
	if !ok {
		return false
	}
	return Check(perms, perm)
}
