package view

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/memory"
	"github.com/jmurth1234/bPermissions-sub000/user"
)

func newGroup(name string, perms []string, inherits ...string) *group.Record {
	g := group.New(name)
	g.Permissions = perms
	g.Inherits = inherits
	return g
}

func seed(t *testing.T) (*memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	s := memory.New(nil, memory.Config{ServerID: "server-1"})

	for _, g := range []*group.Record{
		newGroup("default", []string{"chat.talk", "build.*"}),
		newGroup("mod", []string{"chat.mute", "^build.break"}, "default"),
		newGroup("admin", []string{"*"}, "mod"),
	} {
		if err := s.SaveGroup(ctx, "world", g); err != nil {
			t.Fatal(err)
		}
	}

	id := uuid.NewString()
	u := user.New(id)
	u.Groups = []string{"mod"}
	u.Permissions = []string{"build.break", "^chat.talk"}
	if err := s.SaveUser(ctx, "world", u); err != nil {
		t.Fatal(err)
	}
	return s, id
}

func TestEffective(t *testing.T) {
	ctx := context.Background()
	s, id := seed(t)
	v := New(s, "world")

	got, err := v.Effective(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"build.*":     true,
		"build.break": true,  // the user's own node overrides mod's negation
		"chat.mute":   true,
		"chat.talk":   false, // negated by the user
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("effective permissions mismatch (-want +got):\n%s", diff)
	}
}

func TestHasWildcards(t *testing.T) {
	ctx := context.Background()
	s, id := seed(t)
	v := New(s, "world")

	tests := []struct {
		perm string
		want bool
	}{
		{"build.place", true},
		{"build.break", true},
		{"chat.talk", false},
		{"chat.mute", true},
		{"admin.reload", false},
	}
	for _, tt := range tests {
		got, err := v.Has(ctx, id, tt.perm)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("Has(%q) = %v, want %v", tt.perm, got, tt.want)
		}
	}
}

func TestCheckLongestWildcardWins(t *testing.T) {
	perms := map[string]bool{"*": true, "build.*": false}
	if Check(perms, "build.place") {
		t.Fatal("expected build.* to override *")
	}
	if !Check(perms, "chat.talk") {
		t.Fatal("expected * to grant chat.talk")
	}
	if Check(map[string]bool{}, "chat.talk") {
		t.Fatal("expected empty permissions to deny")
	}
}

func TestInheritanceCycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New(nil, memory.Config{})
	if err := s.SaveGroup(ctx, "world", newGroup("a", []string{"a.x"}, "b")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveGroup(ctx, "world", newGroup("b", []string{"b.x"}, "a")); err != nil {
		t.Fatal(err)
	}
	u := user.New("u1")
	u.Groups = []string{"a"}
	if err := s.SaveUser(ctx, "world", u); err != nil {
		t.Fatal(err)
	}

	got, err := New(s, "world").Effective(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !got["a.x"] || !got["b.x"] {
		t.Fatalf("expected both groups resolved once, got %v", got)
	}
}

func TestUnknownUserGetsDefaultGroup(t *testing.T) {
	ctx := context.Background()
	s, _ := seed(t)
	v := New(s, "world")

	u, err := v.User(ctx, "never-saved")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"default"}, u.Groups); diff != "" {
		t.Fatalf("groups mismatch (-want +got):\n%s", diff)
	}
	ok, err := v.Has(ctx, "never-saved", "chat.talk")
	if err != nil || !ok {
		t.Fatalf("expected default group permissions, got %v, %v", ok, err)
	}
}

func TestMissingGroup(t *testing.T) {
	ctx := context.Background()
	v := New(memory.New(nil, memory.Config{}), "world")
	if _, err := v.Group(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if v.IsLoaded(changelog.SubjectGroup, "ghost") {
		t.Fatal("missing groups must not be cached")
	}
}

func TestReloadAndRemove(t *testing.T) {
	ctx := context.Background()
	s, id := seed(t)
	v := New(s, "world")

	if _, err := v.Effective(ctx, id); err != nil {
		t.Fatal(err)
	}
	if !v.IsLoaded(changelog.SubjectUser, id) || !v.IsLoaded(changelog.SubjectGroup, "MOD") {
		t.Fatal("expected user and group loaded")
	}

	u, _ := s.LoadUser(ctx, "world", id)
	u.Permissions = append(u.Permissions, "fly")
	if err := s.SaveUser(ctx, "world", u); err != nil {
		t.Fatal(err)
	}
	if err := v.Reload(ctx, changelog.SubjectUser, id); err != nil {
		t.Fatal(err)
	}
	if ok, _ := v.Has(ctx, id, "fly"); !ok {
		t.Fatal("expected reloaded user to hold fly")
	}

	if err := s.DeleteGroup(ctx, "world", "mod"); err != nil {
		t.Fatal(err)
	}
	if err := v.Reload(ctx, changelog.SubjectGroup, "mod"); err != nil {
		t.Fatal(err)
	}
	if v.IsLoaded(changelog.SubjectGroup, "mod") {
		t.Fatal("expected deleted group removed on reload")
	}

	v.Remove(changelog.SubjectUser, id)
	if v.IsLoaded(changelog.SubjectUser, id) {
		t.Fatal("expected user removed")
	}
}

func TestMaxUsers(t *testing.T) {
	v := New(memory.New(nil, memory.Config{}), "world", WithMaxUsers(2))
	for _, id := range []string{"a", "b", "c"} {
		v.PutUser(user.New(id))
	}
	if users, _ := v.Len(); users != 2 {
		t.Fatalf("expected 2 cached users, got %d", users)
	}
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s, id := seed(t)
	v := New(s, "world")
	sess := NewSessions(v)

	if sess.Has(id, "chat.mute") {
		t.Fatal("offline identities hold nothing")
	}
	if err := sess.Login(ctx, id); err != nil {
		t.Fatal(err)
	}
	if !sess.IsOnline(id) || !sess.Has(id, "chat.mute") {
		t.Fatal("expected applied permissions after login")
	}

	// A group edit is only visible after the group is reloaded and the
	// identity is set up again.
	if err := s.SaveGroup(ctx, "world", newGroup("mod", []string{"^chat.mute"}, "default")); err != nil {
		t.Fatal(err)
	}
	if err := v.Reload(ctx, changelog.SubjectGroup, "mod"); err != nil {
		t.Fatal(err)
	}
	if !sess.Has(id, "chat.mute") {
		t.Fatal("expected stale permissions before setup")
	}
	if err := sess.SetupAll(ctx); err != nil {
		t.Fatal(err)
	}
	if sess.Has(id, "chat.mute") {
		t.Fatal("expected chat.mute revoked after setup")
	}

	sess.Logout(id)
	if sess.IsOnline(id) || len(sess.Online()) != 0 {
		t.Fatal("expected identity offline after logout")
	}
}
