// Package storetest is a conformance suite for store.Backend
// implementations.
//
// Each backend package calls Run from its own tests with an Opener that
// returns an initialized backend. Every call to the Opener must return a
// backend attached to the same target, configured with the given server ID
// and the default group "default". The suite uses random world names, so a
// target may be shared across runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// DefaultGroup is the default group backends under test must be configured
// with.
const DefaultGroup = "default"

// Opener returns an initialized backend for serverID. The suite closes it.
type Opener func(t *testing.T, serverID string) store.Backend

// ignoreStamp drops LastModified from record comparisons.
var ignoreStamp = cmp.Options{
	cmpopts.IgnoreFields(user.Record{}, "LastModified"),
	cmpopts.IgnoreFields(group.Record{}, "LastModified"),
	cmpopts.IgnoreFields(world.Metadata{}, "LastModified"),
}

// Run executes the suite.
func Run(t *testing.T, open Opener) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, open Opener)
	}{
		{"Lifecycle", testLifecycle},
		{"UserRoundTrip", testUserRoundTrip},
		{"GroupRoundTrip", testGroupRoundTrip},
		{"UpsertIdempotent", testUpsertIdempotent},
		{"LoadMissing", testLoadMissing},
		{"DeleteRemovesExistence", testDeleteRemovesExistence},
		{"LoadAll", testLoadAll},
		{"BulkSave", testBulkSave},
		{"WorldIsolation", testWorldIsolation},
		{"WorldMetadata", testWorldMetadata},
		{"LastModifiedStamped", testLastModifiedStamped},
		{"SelfFiltering", testSelfFiltering},
		{"ChangesStrictlyNewer", testChangesStrictlyNewer},
		{"Retention", testRetention},
		{"Transactions", testTransactions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, open) })
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func openBackend(t *testing.T, open Opener, serverID string) store.Backend {
	t.Helper()
	b := open(t, serverID)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newWorld() string { return "world-" + uuid.NewString()[:8] }

func newUserID() string { return uuid.NewString() }

func sampleUser(id string) *user.Record {
	u := user.New(id)
	u.Name = "steve"
	u.Permissions = []string{"a.b", "^a.c"}
	u.Groups = []string{"admin"}
	u.Metadata = map[string]string{"prefix": "[X]"}
	return u
}

func sampleGroup(name string) *group.Record {
	g := group.New(name)
	g.Permissions = []string{"build.place", "^build.break"}
	g.Inherits = []string{"default"}
	g.Metadata = map[string]string{"priority": "10"}
	return g
}

// tick waits for the millisecond clock to advance.
func tick() { time.Sleep(5 * time.Millisecond) }

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func testLifecycle(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !b.Connected(ctx) {
		t.Fatal("expected Connected to be true")
	}
	if b.ServerID() != "server-1" {
		t.Fatalf("expected server id server-1, got %q", b.ServerID())
	}
	if b.Kind() == "" {
		t.Fatal("expected a backend kind")
	}
	// Init must be idempotent.
	if err := b.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func testUserRoundTrip(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()

	u := sampleUser(newUserID())
	if err := b.SaveUser(ctx, w, u); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	got, err := b.LoadUser(ctx, w, u.ID)
	if err != nil {
		t.Fatalf("LoadUser: %v", err)
	}

	want := &user.Record{
		ID:          u.ID,
		Name:        "steve",
		Permissions: []string{"^a.c", "a.b"},
		Groups:      []string{"admin"},
		Metadata:    map[string]string{"prefix": "[X]"},
	}
	if diff := cmp.Diff(want, got, ignoreStamp); diff != "" {
		t.Fatalf("user mismatch (-want +got):\n%s", diff)
	}
}

func testGroupRoundTrip(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()

	if err := b.SaveGroup(ctx, w, sampleGroup("Builder")); err != nil {
		t.Fatalf("SaveGroup: %v", err)
	}
	got, err := b.LoadGroup(ctx, w, "builder")
	if err != nil {
		t.Fatalf("LoadGroup: %v", err)
	}

	want := &group.Record{
		Name:        "builder",
		Permissions: []string{"^build.break", "build.place"},
		Inherits:    []string{"default"},
		Metadata:    map[string]string{"priority": "10"},
	}
	if diff := cmp.Diff(want, got, ignoreStamp); diff != "" {
		t.Fatalf("group mismatch (-want +got):\n%s", diff)
	}
}

func testUpsertIdempotent(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()
	uid := newUserID()

	if err := b.SaveUser(ctx, w, sampleUser(uid)); err != nil {
		t.Fatal(err)
	}
	first, err := b.LoadUser(ctx, w, uid)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SaveUser(ctx, w, sampleUser(uid)); err != nil {
		t.Fatal(err)
	}
	second, err := b.LoadUser(ctx, w, uid)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second, ignoreStamp); diff != "" {
		t.Fatalf("second save changed the user (-first +second):\n%s", diff)
	}

	if err := b.SaveGroup(ctx, w, sampleGroup("builder")); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveGroup(ctx, w, sampleGroup("builder")); err != nil {
		t.Fatal(err)
	}
	all, err := b.LoadAllGroups(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 group after two saves, got %d", len(all))
	}
}

func testLoadMissing(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()

	if _, err := b.LoadUser(ctx, w, newUserID()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for user, got %v", err)
	}
	if _, err := b.LoadGroup(ctx, w, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for group, got %v", err)
	}
	ok, err := b.UserExists(ctx, w, newUserID())
	if err != nil || ok {
		t.Fatalf("expected missing user to not exist, got %v / %v", ok, err)
	}
}

func testDeleteRemovesExistence(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()
	uid := newUserID()

	if err := b.SaveUser(ctx, w, sampleUser(uid)); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveGroup(ctx, w, sampleGroup("builder")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.UserExists(ctx, w, uid); !ok {
		t.Fatal("expected user to exist after save")
	}

	if err := b.DeleteUser(ctx, w, uid); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := b.DeleteGroup(ctx, w, "builder"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}

	if ok, err := b.UserExists(ctx, w, uid); err != nil || ok {
		t.Fatalf("expected user gone, got exists=%v err=%v", ok, err)
	}
	if _, err := b.LoadUser(ctx, w, uid); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if ok, err := b.GroupExists(ctx, w, "builder"); err != nil || ok {
		t.Fatalf("expected group gone, got exists=%v err=%v", ok, err)
	}

	// Deleting an absent record is not an error.
	if err := b.DeleteUser(ctx, w, uid); err != nil {
		t.Fatalf("second DeleteUser: %v", err)
	}
}

func testLoadAll(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()

	ids := []string{newUserID(), newUserID(), newUserID()}
	for _, id := range ids {
		if err := b.SaveUser(ctx, w, sampleUser(id)); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"admin", "builder"} {
		if err := b.SaveGroup(ctx, w, sampleGroup(name)); err != nil {
			t.Fatal(err)
		}
	}

	users, err := b.LoadAllUsers(ctx, w)
	if err != nil {
		t.Fatalf("LoadAllUsers: %v", err)
	}
	if len(users) != len(ids) {
		t.Fatalf("expected %d users, got %d", len(ids), len(users))
	}
	for _, id := range ids {
		u, ok := users[id]
		if !ok {
			t.Fatalf("user %s missing from snapshot", id)
		}
		if u.ID != id {
			t.Fatalf("snapshot key %s maps to user %s", id, u.ID)
		}
	}

	groups, err := b.LoadAllGroups(ctx, w)
	if err != nil {
		t.Fatalf("LoadAllGroups: %v", err)
	}
	if len(groups) != 2 || groups["admin"] == nil || groups["builder"] == nil {
		t.Fatalf("unexpected group snapshot: %v", groups)
	}

	empty, err := b.LoadAllUsers(ctx, newWorld())
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty snapshot for unknown world, got %d", len(empty))
	}
}

func testBulkSave(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()

	users := []*user.Record{sampleUser(newUserID()), sampleUser(newUserID())}
	if err := store.SaveAllUsers(ctx, b, w, users); err != nil {
		t.Fatalf("SaveAllUsers: %v", err)
	}
	groups := []*group.Record{sampleGroup("a"), sampleGroup("b"), sampleGroup("c")}
	if err := store.SaveAllGroups(ctx, b, w, groups); err != nil {
		t.Fatalf("SaveAllGroups: %v", err)
	}

	gotUsers, err := b.LoadAllUsers(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	gotGroups, err := b.LoadAllGroups(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotUsers) != 2 || len(gotGroups) != 3 {
		t.Fatalf("expected 2 users and 3 groups, got %d and %d", len(gotUsers), len(gotGroups))
	}

	other := openBackend(t, open, "server-2")
	changes, err := other.ChangesSince(ctx, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 5 {
		t.Fatalf("expected one change-log entry per saved record, got %d", len(changes))
	}
}

func testWorldIsolation(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w1, w2 := newWorld(), newWorld()
	uid := newUserID()

	if err := b.SaveUser(ctx, w1, sampleUser(uid)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.UserExists(ctx, w2, uid); ok {
		t.Fatal("user leaked into another world")
	}
	if err := b.DeleteUser(ctx, w2, uid); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.UserExists(ctx, w1, uid); !ok {
		t.Fatal("delete in one world removed the user from another")
	}
}

func testWorldMetadata(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()

	m, err := b.LoadWorld(ctx, w)
	if err != nil {
		t.Fatalf("LoadWorld: %v", err)
	}
	if m.World != w || m.DefaultGroup != DefaultGroup {
		t.Fatalf("expected lazily created metadata with default group, got %+v", m)
	}

	m.DefaultGroup = "Member"
	m.Settings = map[string]string{"auto-save": "true"}
	if err := b.SaveWorld(ctx, m); err != nil {
		t.Fatalf("SaveWorld: %v", err)
	}
	got, err := b.LoadWorld(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	want := &world.Metadata{World: w, DefaultGroup: "member", Settings: map[string]string{"auto-save": "true"}}
	if diff := cmp.Diff(want, got, ignoreStamp); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	// Metadata is not synchronized, so it leaves no change-log trace.
	other := openBackend(t, open, "server-2")
	changes, err := other.ChangesSince(ctx, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no change-log entries for metadata, got %d", len(changes))
	}
}

func testLastModifiedStamped(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	ctx := context.Background()
	w := newWorld()

	last, err := b.LastModified(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Fatalf("expected 0 for a world without changes, got %d", last)
	}

	before := time.Now().UnixMilli()
	u := sampleUser(newUserID())
	u.LastModified = 42
	if err := b.SaveUser(ctx, w, u); err != nil {
		t.Fatal(err)
	}
	got, err := b.LoadUser(ctx, w, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastModified < before {
		t.Fatalf("expected LastModified to be overwritten at save time, got %d (before %d)", got.LastModified, before)
	}

	last, err = b.LastModified(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if last < got.LastModified {
		t.Fatalf("expected world LastModified >= %d, got %d", got.LastModified, last)
	}
}

func testSelfFiltering(t *testing.T, open Opener) {
	s1 := openBackend(t, open, "server-1")
	s2 := openBackend(t, open, "server-2")
	ctx := context.Background()
	w := newWorld()
	uid := newUserID()

	if err := s1.SaveUser(ctx, w, sampleUser(uid)); err != nil {
		t.Fatal(err)
	}

	own, err := s1.ChangesSince(ctx, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(own) != 0 {
		t.Fatalf("server-1 must not see its own changes, got %v", own)
	}

	seen, err := s2.ChangesSince(ctx, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Fatalf("server-2 expected 1 change, got %d", len(seen))
	}
	e := seen[0]
	if e.World != w || e.Subject != changelog.SubjectUser || e.SubjectID != uid ||
		e.Change != changelog.ChangeUpdate || e.ServerID != "server-1" || e.ID.Prefix() != id.PrefixChange {
		t.Fatalf("unexpected change entry: %+v", e)
	}
}

func testChangesStrictlyNewer(t *testing.T, open Opener) {
	s1 := openBackend(t, open, "server-1")
	s2 := openBackend(t, open, "server-2")
	ctx := context.Background()
	w := newWorld()
	uid := newUserID()

	if err := s1.SaveUser(ctx, w, sampleUser(uid)); err != nil {
		t.Fatal(err)
	}
	tick()
	if err := s1.SaveGroup(ctx, w, sampleGroup("builder")); err != nil {
		t.Fatal(err)
	}
	tick()
	if err := s1.DeleteUser(ctx, w, uid); err != nil {
		t.Fatal(err)
	}

	all, err := s2.ChangesSince(ctx, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(all))
	}
	kinds := []changelog.ChangeKind{all[0].Change, all[1].Change, all[2].Change}
	wantKinds := []changelog.ChangeKind{changelog.ChangeUpdate, changelog.ChangeUpdate, changelog.ChangeDelete}
	if diff := cmp.Diff(wantKinds, kinds); diff != "" {
		t.Fatalf("changes out of order (-want +got):\n%s", diff)
	}
	if all[1].Subject != changelog.SubjectGroup || all[1].SubjectID != "builder" {
		t.Fatalf("expected group change second, got %+v", all[1])
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp < all[i-1].Timestamp {
			t.Fatalf("timestamps not ordered: %d after %d", all[i].Timestamp, all[i-1].Timestamp)
		}
	}

	newer, err := s2.ChangesSince(ctx, w, all[0].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if len(newer) != 2 {
		t.Fatalf("expected 2 changes strictly newer than the first, got %d", len(newer))
	}
}

func testRetention(t *testing.T, open Opener) {
	s1 := openBackend(t, open, "server-1")
	if _, ok := s1.(changelog.Retention); !ok {
		t.Skip("backend has no change-log retention")
	}
	s2 := openBackend(t, open, "server-2")
	ctx := context.Background()
	w, other := newWorld(), newWorld()

	for range 3 {
		if err := s1.SaveUser(ctx, w, sampleUser(newUserID())); err != nil {
			t.Fatal(err)
		}
		tick()
	}
	if err := s1.SaveUser(ctx, other, sampleUser(newUserID())); err != nil {
		t.Fatal(err)
	}

	entries, err := s2.ChangesSince(ctx, w, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	count, err := store.CountChanges(ctx, s1, w)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("expected count 3 before pruning, got %d", count)
	}
	oldest, err := store.OldestChange(ctx, s1, w)
	if err != nil {
		t.Fatal(err)
	}
	if oldest != entries[0].Timestamp {
		t.Fatalf("expected oldest %d, got %d", entries[0].Timestamp, oldest)
	}

	cutoff := entries[1].Timestamp
	deleted, err := store.DeleteChangesBefore(ctx, s1, w, cutoff)
	if err != nil {
		t.Fatalf("DeleteChangesBefore: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly 1 entry strictly before the cutoff, deleted %d", deleted)
	}

	after, err := store.CountChanges(ctx, s1, w)
	if err != nil {
		t.Fatal(err)
	}
	if after != count-deleted {
		t.Fatalf("expected count %d after pruning, got %d", count-deleted, after)
	}
	oldest, err = store.OldestChange(ctx, s1, w)
	if err != nil {
		t.Fatal(err)
	}
	if oldest != cutoff {
		t.Fatalf("expected oldest %d after pruning, got %d", cutoff, oldest)
	}
	untouched, err := store.CountChanges(ctx, s1, other)
	if err != nil {
		t.Fatal(err)
	}
	if untouched != 1 {
		t.Fatalf("pruning one world touched another: count %d", untouched)
	}
}

func testTransactions(t *testing.T, open Opener) {
	b := openBackend(t, open, "server-1")
	tx, ok := b.(store.Transactor)
	if !ok {
		t.Skip("backend has no transactions")
	}
	ctx := context.Background()
	w := newWorld()

	t.Run("rollback discards writes", func(t *testing.T) {
		uid := newUserID()
		txCtx, err := tx.BeginTx(ctx)
		if err != nil {
			t.Fatalf("BeginTx: %v", err)
		}
		if err := b.SaveUser(txCtx, w, sampleUser(uid)); err != nil {
			t.Fatal(err)
		}
		if ok, err := b.UserExists(txCtx, w, uid); err != nil || !ok {
			t.Fatalf("expected write visible inside the transaction, got %v / %v", ok, err)
		}
		if err := tx.RollbackTx(txCtx); err != nil {
			t.Fatalf("RollbackTx: %v", err)
		}
		if ok, _ := b.UserExists(ctx, w, uid); ok {
			t.Fatal("rolled back user still exists")
		}
	})

	t.Run("commit keeps writes", func(t *testing.T) {
		uid := newUserID()
		txCtx, err := tx.BeginTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.SaveUser(txCtx, w, sampleUser(uid)); err != nil {
			t.Fatal(err)
		}
		if err := tx.CommitTx(txCtx); err != nil {
			t.Fatalf("CommitTx: %v", err)
		}
		if ok, _ := b.UserExists(ctx, w, uid); !ok {
			t.Fatal("committed user missing")
		}
		if err := tx.CommitTx(txCtx); !errors.Is(err, store.ErrNoTx) {
			t.Fatalf("expected ErrNoTx on second commit, got %v", err)
		}
	})

	t.Run("nested begin fails", func(t *testing.T) {
		txCtx, err := tx.BeginTx(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = tx.RollbackTx(txCtx) }()
		if _, err := tx.BeginTx(txCtx); !errors.Is(err, store.ErrTxActive) {
			t.Fatalf("expected ErrTxActive, got %v", err)
		}
	})

	t.Run("RunInTx rolls back on error", func(t *testing.T) {
		uid := newUserID()
		boom := errors.New("boom")
		err := store.RunInTx(ctx, b, func(ctx context.Context) error {
			if err := b.SaveUser(ctx, w, sampleUser(uid)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if ok, _ := b.UserExists(ctx, w, uid); ok {
			t.Fatal("user from failed RunInTx still exists")
		}
	})

	t.Run("rollback without transaction", func(t *testing.T) {
		if err := tx.RollbackTx(ctx); !errors.Is(err, store.ErrNoTx) {
			t.Fatalf("expected ErrNoTx, got %v", err)
		}
	})
}
