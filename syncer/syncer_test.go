package syncer_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/plugin"
	"github.com/jmurth1234/bPermissions-sub000/store/memory"
	"github.com/jmurth1234/bPermissions-sub000/syncer"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/view"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

type fakeSource struct {
	mu      sync.Mutex
	entries []*changelog.Entry
	err     error
	block   chan struct{} // closed when a query starts blocking
	once    sync.Once
}

func (f *fakeSource) ChangesSince(ctx context.Context, _ string, since int64) ([]*changelog.Entry, error) {
	if f.block != nil {
		f.once.Do(func() { close(f.block) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*changelog.Entry
	for _, e := range f.entries {
		if e.Timestamp > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) LastModified(context.Context, string) (int64, error) { return 0, nil }

func (f *fakeSource) add(e *changelog.Entry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

type fakeNamespace struct {
	loaded   map[string]bool
	reloaded []string
	removed  []string
	fail     map[string]error
	panicOn  string
}

func (f *fakeNamespace) IsLoaded(_ changelog.SubjectKind, id string) bool { return f.loaded[id] }

func (f *fakeNamespace) Reload(_ context.Context, _ changelog.SubjectKind, id string) error {
	if id == f.panicOn {
		panic("reload exploded")
	}
	if err := f.fail[id]; err != nil {
		return err
	}
	f.reloaded = append(f.reloaded, id)
	return nil
}

func (f *fakeNamespace) Remove(_ changelog.SubjectKind, id string) {
	f.removed = append(f.removed, id)
}

type fakeSessions struct {
	online   map[string]bool
	setup    []string
	setupAll int
}

func (f *fakeSessions) IsOnline(id string) bool { return f.online[id] }

func (f *fakeSessions) Setup(_ context.Context, id string) error {
	f.setup = append(f.setup, id)
	return nil
}

func (f *fakeSessions) SetupAll(context.Context) error {
	f.setupAll++
	return nil
}

type countingPlugin struct{ applied atomic.Int32 }

func (c *countingPlugin) Name() string { return "counting" }

func (c *countingPlugin) OnChangeApplied(context.Context, *changelog.Entry) error {
	c.applied.Add(1)
	return nil
}

func entry(ts int64, kind changelog.SubjectKind, subject string, change changelog.ChangeKind) *changelog.Entry {
	return &changelog.Entry{
		ID:        id.NewChangeID(),
		World:     "world",
		Subject:   kind,
		SubjectID: subject,
		Change:    change,
		Timestamp: ts,
		ServerID:  "server-2",
	}
}

// ──────────────────────────────────────────────────
// Poll behaviour
// ──────────────────────────────────────────────────

func TestPollAppliesOnlyLoadedSubjects(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(entry(1, changelog.SubjectUser, "u1", changelog.ChangeUpdate))
	src.add(entry(2, changelog.SubjectUser, "u2", changelog.ChangeUpdate))
	src.add(entry(3, changelog.SubjectUser, "u3", changelog.ChangeDelete))

	ns := &fakeNamespace{loaded: map[string]bool{"u1": true, "u3": true}}
	sess := &fakeSessions{online: map[string]bool{"u1": true}}
	reg := plugin.NewRegistry(nil)
	cp := &countingPlugin{}
	reg.Register(cp)

	s := syncer.New(src, "world", ns, syncer.WithSince(0), syncer.WithSessions(sess), syncer.WithPlugins(reg))
	res := s.Poll(ctx)

	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Changes != 3 || res.Applied != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(ns.reloaded) != 1 || ns.reloaded[0] != "u1" {
		t.Fatalf("expected u1 reloaded, got %v", ns.reloaded)
	}
	if len(ns.removed) != 1 || ns.removed[0] != "u3" {
		t.Fatalf("expected u3 removed, got %v", ns.removed)
	}
	if len(sess.setup) != 1 || sess.setup[0] != "u1" {
		t.Fatalf("expected only online u1 set up, got %v", sess.setup)
	}
	if sess.setupAll != 0 {
		t.Fatal("user changes must not set up everyone")
	}
	if cp.applied.Load() != 2 {
		t.Fatalf("expected 2 ChangeApplied events, got %d", cp.applied.Load())
	}
	if s.LastPoll().IsZero() {
		t.Fatal("expected LastPoll recorded")
	}
}

func TestGroupChangesSetUpEveryoneOnce(t *testing.T) {
	src := &fakeSource{}
	src.add(entry(1, changelog.SubjectGroup, "admin", changelog.ChangeUpdate))
	src.add(entry(2, changelog.SubjectGroup, "mod", changelog.ChangeDelete))

	ns := &fakeNamespace{loaded: map[string]bool{"admin": true, "mod": true}}
	sess := &fakeSessions{}
	s := syncer.New(src, "world", ns, syncer.WithSince(0), syncer.WithSessions(sess))

	if res := s.Poll(context.Background()); res.Applied != 2 {
		t.Fatalf("expected 2 applied, got %+v", res)
	}
	if sess.setupAll != 1 {
		t.Fatalf("expected one SetupAll per poll, got %d", sess.setupAll)
	}
}

func TestQueryFailureKeepsWatermark(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	s := syncer.New(src, "world", &fakeNamespace{}, syncer.WithSince(42))

	res := s.Poll(context.Background())
	if res.Err == nil {
		t.Fatal("expected query error")
	}
	if s.Watermark() != 42 {
		t.Fatalf("expected watermark unchanged, got %d", s.Watermark())
	}
}

func TestWatermarkAdvances(t *testing.T) {
	src := &fakeSource{}
	s := syncer.New(src, "world", &fakeNamespace{}, syncer.WithSince(0))

	before := time.Now().UnixMilli()
	res := s.Poll(context.Background())
	if res.Until < before-1 || s.Watermark() != res.Until {
		t.Fatalf("expected watermark near %d, got %d", before, res.Until)
	}

	// Entries older than the watermark are never returned again.
	src.add(entry(1, changelog.SubjectUser, "u1", changelog.ChangeUpdate))
	if res := s.Poll(context.Background()); res.Changes != 0 {
		t.Fatalf("expected no changes, got %d", res.Changes)
	}
}

func TestFailedApplyIsRetriedThenDropped(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(entry(1, changelog.SubjectUser, "u1", changelog.ChangeUpdate))
	ns := &fakeNamespace{
		loaded: map[string]bool{"u1": true},
		fail:   map[string]error{"u1": errors.New("backend unavailable")},
	}
	s := syncer.New(src, "world", ns, syncer.WithSince(0), syncer.WithMaxApplyRetries(2))

	if res := s.Poll(ctx); res.Failed != 1 || s.Pending() != 1 {
		t.Fatalf("expected failure kept pending, got %+v", res)
	}
	if res := s.Poll(ctx); res.Retried != 1 || res.Failed != 1 {
		t.Fatalf("expected retry, got %+v", res)
	}
	if res := s.Poll(ctx); res.Retried != 1 || res.Dropped != 1 || s.Pending() != 0 {
		t.Fatalf("expected drop after retries, got %+v", res)
	}
}

func TestRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(entry(1, changelog.SubjectUser, "u1", changelog.ChangeUpdate))
	ns := &fakeNamespace{
		loaded: map[string]bool{"u1": true},
		fail:   map[string]error{"u1": errors.New("timeout")},
	}
	s := syncer.New(src, "world", ns, syncer.WithSince(0))

	s.Poll(ctx)
	delete(ns.fail, "u1")
	if res := s.Poll(ctx); res.Retried != 1 || res.Applied != 1 || s.Pending() != 0 {
		t.Fatalf("expected pending change applied, got %+v", res)
	}
}

func TestNewerEntrySupersedesPending(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	src.add(entry(1, changelog.SubjectUser, "u1", changelog.ChangeUpdate))
	ns := &fakeNamespace{
		loaded: map[string]bool{"u1": true},
		fail:   map[string]error{"u1": errors.New("timeout")},
	}
	s := syncer.New(src, "world", ns, syncer.WithSince(0))
	s.Poll(ctx)

	delete(ns.fail, "u1")
	src.add(entry(time.Now().UnixMilli()+1000, changelog.SubjectUser, "u1", changelog.ChangeDelete))
	res := s.Poll(ctx)
	if res.Retried != 0 || res.Applied != 1 {
		t.Fatalf("expected only the newer entry applied, got %+v", res)
	}
	if len(ns.removed) != 1 || len(ns.reloaded) != 0 {
		t.Fatalf("expected delete applied, got reloaded=%v removed=%v", ns.reloaded, ns.removed)
	}
}

func TestPanicDoesNotStopPoll(t *testing.T) {
	src := &fakeSource{}
	src.add(entry(1, changelog.SubjectUser, "boom", changelog.ChangeUpdate))
	src.add(entry(2, changelog.SubjectUser, "u1", changelog.ChangeUpdate))
	ns := &fakeNamespace{loaded: map[string]bool{"boom": true, "u1": true}, panicOn: "boom"}
	s := syncer.New(src, "world", ns, syncer.WithSince(0))

	res := s.Poll(context.Background())
	if res.Failed != 1 || res.Applied != 1 {
		t.Fatalf("expected one failure and one apply, got %+v", res)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestIntervalMinimum(t *testing.T) {
	s := syncer.New(&fakeSource{}, "world", &fakeNamespace{}, syncer.WithInterval(10*time.Millisecond))
	if s.Interval() != syncer.MinInterval {
		t.Fatalf("expected interval raised to %v, got %v", syncer.MinInterval, s.Interval())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := syncer.New(&fakeSource{}, "world", &fakeNamespace{})
	s.Stop()
	s.Start()
	s.Start()
	if !s.Running() {
		t.Fatal("expected running")
	}
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Fatal("expected stopped")
	}
	s.Start()
	defer s.Stop()
	if !s.Running() {
		t.Fatal("expected restart")
	}
}

func TestStopCancelsSlowPoll(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for one tick")
	}
	src := &fakeSource{block: make(chan struct{})}
	s := syncer.New(src, "world", &fakeNamespace{},
		syncer.WithInterval(syncer.MinInterval),
		syncer.WithStopTimeout(50*time.Millisecond),
	)
	s.Start()

	select {
	case <-src.block:
	case <-time.After(5 * time.Second):
		t.Fatal("poll never started")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight poll")
	}
}

// ──────────────────────────────────────────────────
// Multi-server convergence
// ──────────────────────────────────────────────────

func TestMultiServerConvergence(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDatabase()
	a := memory.New(db, memory.Config{ServerID: "server-a"})
	b := memory.New(db, memory.Config{ServerID: "server-b"})

	mod := group.New("mod")
	mod.Permissions = []string{"chat.mute"}
	if err := a.SaveGroup(ctx, "world", mod); err != nil {
		t.Fatal(err)
	}
	id := uuid.NewString()
	u := user.New(id)
	u.Groups = []string{"mod"}
	if err := a.SaveUser(ctx, "world", u); err != nil {
		t.Fatal(err)
	}

	// Server B has the user online.
	viewB := view.New(b, "world")
	sessB := view.NewSessions(viewB)
	if err := sessB.Login(ctx, id); err != nil {
		t.Fatal(err)
	}
	if !sessB.Has(id, "chat.mute") {
		t.Fatal("expected initial permissions on B")
	}
	syncB := syncer.New(b, "world", viewB, syncer.WithSessions(sessB))

	// Server A also follows the world and must not see its own writes.
	viewA := view.New(a, "world")
	if _, err := viewA.Effective(ctx, id); err != nil {
		t.Fatal(err)
	}
	syncA := syncer.New(a, "world", viewA)

	time.Sleep(2 * time.Millisecond)
	u.Permissions = []string{"fly"}
	if err := a.SaveUser(ctx, "world", u); err != nil {
		t.Fatal(err)
	}
	mod.Permissions = []string{"^chat.mute"}
	if err := a.SaveGroup(ctx, "world", mod); err != nil {
		t.Fatal(err)
	}

	res := syncB.Poll(ctx)
	if res.Err != nil || res.Applied != 2 {
		t.Fatalf("expected both changes applied on B, got %+v", res)
	}
	if !sessB.Has(id, "fly") {
		t.Fatal("expected user change visible on B")
	}
	if sessB.Has(id, "chat.mute") {
		t.Fatal("expected group change visible on B")
	}

	if res := syncA.Poll(ctx); res.Changes != 0 {
		t.Fatalf("expected A to skip its own changes, got %d", res.Changes)
	}

	// Deletes on B reach A.
	time.Sleep(2 * time.Millisecond)
	if err := b.DeleteUser(ctx, "world", id); err != nil {
		t.Fatal(err)
	}
	if res := syncA.Poll(ctx); res.Applied != 1 {
		t.Fatalf("expected delete applied on A, got %+v", res)
	}
	if viewA.IsLoaded(changelog.SubjectUser, id) {
		t.Fatal("expected deleted user removed from A's view")
	}
}
