package bperms

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/memory"
	"github.com/jmurth1234/bPermissions-sub000/store/retry"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/view"
)

// recorder captures lifecycle events.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) OnUserSaved(_ context.Context, world string, u *user.Record) error {
	r.add("user_saved:" + world + ":" + u.ID)
	return nil
}

func (r *recorder) OnUserDeleted(_ context.Context, world, userID string) error {
	r.add("user_deleted:" + world + ":" + userID)
	return nil
}

func (r *recorder) OnGroupSaved(_ context.Context, world string, g *group.Record) error {
	r.add("group_saved:" + world + ":" + g.Name)
	return nil
}

func (r *recorder) OnBackendOpened(_ context.Context, kind, _ string) error {
	r.add("opened:" + kind)
	return nil
}

func (r *recorder) OnBackendClosed(_ context.Context, kind string) error {
	r.add("closed:" + kind)
	return nil
}

func (r *recorder) OnShutdown(context.Context) error {
	r.add("shutdown")
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage = KindMemory
	cfg.SQL.DSN = filepath.Join(t.TempDir(), "bperms.db")
	cfg.Retention.Window = 0
	return cfg
}

func newFactory(t *testing.T, cfg Config, opts ...Option) *Factory {
	t.Helper()
	f, err := NewFactory(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Shutdown(context.Background()) })
	return f
}

func TestNewFactoryGeneratesServerID(t *testing.T) {
	f := newFactory(t, testConfig(t))
	if f.ServerID() == "" {
		t.Fatal("expected a generated server id")
	}
}

func TestNewFactoryRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = "flatfile"
	_, err := NewFactory(cfg)
	var ce *store.ConfigError
	if !errors.As(err, &ce) || ce.Key != "storage" {
		t.Fatalf("expected storage config error, got %v", err)
	}
}

func TestWorldsShareBackendPerKind(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, testConfig(t))

	a, err := f.World(ctx, KindMemory, "survival")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.World(ctx, KindMemory, "creative")
	if err != nil {
		t.Fatal(err)
	}
	if a.Backend() != b.Backend() {
		t.Fatal("expected worlds of one kind to share a backend")
	}

	s, err := f.World(ctx, KindSQL, "survival")
	if err != nil {
		t.Fatal(err)
	}
	if s.Backend() == a.Backend() || s.Backend().Kind() != "sql" {
		t.Fatal("expected a separate sql backend")
	}
	if diff := cmp.Diff([]Kind{KindMemory, KindSQL}, f.Open()); diff != "" {
		t.Fatalf("open kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestWorldCreatesMetadata(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.DefaultGroup = "Guest"
	f := newFactory(t, cfg)

	w, err := f.DefaultWorld(ctx, "survival")
	if err != nil {
		t.Fatal(err)
	}
	m, err := w.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.World != "survival" || m.DefaultGroup != "guest" {
		t.Fatalf("unexpected metadata %+v", m)
	}
	if _, err := f.World(ctx, KindMemory, ""); err == nil {
		t.Fatal("expected an error for an empty world name")
	}
}

func TestUnknownKind(t *testing.T) {
	f := newFactory(t, testConfig(t))
	if _, err := f.World(context.Background(), "yaml", "w"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := f.Backend(context.Background(), KindFile); !errors.Is(err, ErrNotShared) {
		t.Fatalf("expected ErrNotShared, got %v", err)
	}
}

func TestFileWorlds(t *testing.T) {
	ctx := context.Background()

	f := newFactory(t, testConfig(t))
	if _, err := f.World(ctx, KindFile, "w"); !errors.Is(err, ErrNoFileOpener) {
		t.Fatalf("expected ErrNoFileOpener, got %v", err)
	}

	var opened []string
	opener := func(_ context.Context, world string) (store.Backend, error) {
		opened = append(opened, world)
		return memory.New(nil, memory.Config{}), nil
	}
	f = newFactory(t, testConfig(t), WithFileOpener(opener))

	a, err := f.World(ctx, KindFile, "a")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.World(ctx, KindFile, "b")
	if err != nil {
		t.Fatal(err)
	}
	if a.Backend() == b.Backend() {
		t.Fatal("expected one backend per file world")
	}
	if len(opened) != 2 || len(f.Open()) != 0 {
		t.Fatalf("expected two opened file worlds and no shared backends, got %v and %v", opened, f.Open())
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.LoadUser(ctx, "u1"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected closed file world, got %v", err)
	}
}

func TestFailedOpenIsNotCached(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Mongo.URI = "mongodb://127.0.0.1:1"
	cfg.Mongo.ServerSelectionTimeout = 200 * time.Millisecond
	cfg.Retry = &retry.Policy{}
	rec := &recorder{}
	f := newFactory(t, cfg, WithPlugin(rec))

	if _, err := f.World(ctx, KindMongo, "w"); err == nil {
		t.Fatal("expected open failure")
	}
	if len(f.Open()) != 0 {
		t.Fatalf("failed backends must not be cached, got %v", f.Open())
	}
	if len(rec.snapshot()) != 0 {
		t.Fatalf("expected no open event, got %v", rec.snapshot())
	}
}

func TestCloseBackendAndReopen(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	f := newFactory(t, testConfig(t), WithPlugin(rec))

	w, err := f.World(ctx, KindMemory, "w")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.CloseBackend(ctx, KindMemory); err != nil {
		t.Fatal(err)
	}
	if err := f.CloseBackend(ctx, KindMemory); err != nil {
		t.Fatalf("closing a closed kind must be a no-op, got %v", err)
	}
	if _, err := w.LoadUser(ctx, "u1"); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected stale handle to fail with ErrClosed, got %v", err)
	}

	w2, err := f.World(ctx, KindMemory, "w")
	if err != nil {
		t.Fatal(err)
	}
	if w2.Backend() == w.Backend() {
		t.Fatal("expected a fresh backend after close")
	}
	want := []string{"opened:memory", "closed:memory", "opened:memory"}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCloseOtherBackends(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, testConfig(t))

	for _, kind := range []Kind{KindMemory, KindSQL} {
		if _, err := f.Backend(ctx, kind); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.CloseOtherBackends(ctx, KindSQL); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Kind{KindSQL}, f.Open()); diff != "" {
		t.Fatalf("open kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestShutdownClosesOnce(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	f, err := NewFactory(testConfig(t), WithPlugin(rec))
	if err != nil {
		t.Fatal(err)
	}
	for _, kind := range []Kind{KindMemory, KindSQL} {
		if _, err := f.Backend(ctx, kind); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.Shutdown(ctx); !errors.Is(err, ErrFactoryClosed) {
		t.Fatalf("expected ErrFactoryClosed, got %v", err)
	}
	if _, err := f.World(ctx, KindMemory, "w"); !errors.Is(err, ErrFactoryClosed) {
		t.Fatalf("expected ErrFactoryClosed, got %v", err)
	}
	if err := f.CloseBackend(ctx, KindMemory); !errors.Is(err, ErrFactoryClosed) {
		t.Fatalf("expected ErrFactoryClosed, got %v", err)
	}

	want := []string{"opened:memory", "opened:sql", "shutdown", "closed:memory", "closed:sql"}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestWorldEmitsRecordEvents(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	f := newFactory(t, testConfig(t), WithPlugin(rec))
	w, err := f.World(ctx, KindMemory, "w")
	if err != nil {
		t.Fatal(err)
	}

	if err := w.SaveUser(ctx, user.New("u1")); err != nil {
		t.Fatal(err)
	}
	if err := w.SaveAllGroups(ctx, []*group.Record{group.New("a"), group.New("b")}); err != nil {
		t.Fatal(err)
	}
	if err := w.DeleteUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"opened:memory",
		"user_saved:w:u1",
		"group_saved:w:a",
		"group_saved:w:b",
		"user_deleted:w:u1",
	}
	if diff := cmp.Diff(want, rec.snapshot()); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

// rewriter edits every record it is handed.
type rewriter struct{}

func (rewriter) Name() string { return "rewriter" }

func (rewriter) OnUserSaved(_ context.Context, _ string, u *user.Record) error {
	u.Name = "rewritten"
	u.Permissions = append(u.Permissions, "plugin.granted")
	return nil
}

func (rewriter) OnGroupSaved(_ context.Context, _ string, g *group.Record) error {
	g.Permissions = nil
	return nil
}

func TestPluginsCannotAliasSavedRecords(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, testConfig(t), WithPlugin(rewriter{}))
	w, err := f.World(ctx, KindMemory, "w")
	if err != nil {
		t.Fatal(err)
	}

	u := user.New("u1")
	u.Permissions = []string{"a.b"}
	if err := w.SaveUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	if u.Name != "" || len(u.Permissions) != 1 {
		t.Fatalf("caller's user was changed by a plugin: %+v", u)
	}
	got, err := w.LoadUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a.b"}, got.Permissions); diff != "" {
		t.Fatalf("stored permissions mismatch (-want +got):\n%s", diff)
	}

	g := group.New("mod")
	g.Permissions = []string{"chat.mute"}
	if err := w.SaveAllGroups(ctx, []*group.Record{g}); err != nil {
		t.Fatal(err)
	}
	if len(g.Permissions) != 1 {
		t.Fatalf("caller's group was changed by a plugin: %+v", g)
	}
}

func TestWorldRunInTx(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, testConfig(t))
	w, err := f.World(ctx, KindSQL, "w")
	if err != nil {
		t.Fatal(err)
	}

	errAbort := errors.New("abort")
	err = w.RunInTx(ctx, func(ctx context.Context) error {
		if err := w.SaveUser(ctx, user.New("u1")); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if ok, _ := w.UserExists(ctx, "u1"); ok {
		t.Fatal("expected rolled back user to be absent")
	}
}

func TestSaveMetadataRejectsOtherWorld(t *testing.T) {
	ctx := context.Background()
	f := newFactory(t, testConfig(t))
	w, err := f.World(ctx, KindMemory, "w")
	if err != nil {
		t.Fatal(err)
	}
	m, err := w.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	m.World = "other"
	if err := w.SaveMetadata(ctx, m); err == nil {
		t.Fatal("expected error saving another world's metadata")
	}
}

func TestFactoriesConvergeThroughSharedBackend(t *testing.T) {
	ctx := context.Background()
	db := memory.NewDatabase()

	cfgA := testConfig(t)
	cfgA.ServerID = "server-a"
	cfgB := testConfig(t)
	cfgB.ServerID = "server-b"
	fa := newFactory(t, cfgA, WithMemoryDatabase(db))
	fb := newFactory(t, cfgB, WithMemoryDatabase(db))

	wa, err := fa.World(ctx, KindMemory, "survival")
	if err != nil {
		t.Fatal(err)
	}
	wb, err := fb.World(ctx, KindMemory, "survival")
	if err != nil {
		t.Fatal(err)
	}

	id := uuid.NewString()
	vb := view.New(wb.Backend(), "survival")
	sessB := view.NewSessions(vb)
	if err := sessB.Login(ctx, id); err != nil {
		t.Fatal(err)
	}
	syncB := wb.Syncer(vb, sessB)
	if syncB.Interval() != cfgB.Sync.Interval {
		t.Fatalf("expected configured interval, got %v", syncB.Interval())
	}

	time.Sleep(2 * time.Millisecond)
	u := user.New(id)
	u.Permissions = []string{"build.place"}
	if err := wa.SaveUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	res := syncB.Poll(ctx)
	if res.Err != nil || res.Applied != 1 {
		t.Fatalf("expected change applied on B, got %+v", res)
	}
	if !sessB.Has(id, "build.place") {
		t.Fatal("expected B to see A's change")
	}

	changes, err := wa.ChangesSince(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range changes {
		if c.ServerID == "server-a" {
			t.Fatalf("A must not read its own change %s", c)
		}
	}
	if last, _ := wb.LastModified(ctx); last == 0 {
		t.Fatal("expected a last-modified timestamp")
	}
}

func TestPrunerDeletesOldEntries(t *testing.T) {
	ctx := context.Background()
	b := memory.New(nil, memory.Config{ServerID: "server-1"})
	for _, w := range []string{"a", "b"} {
		if err := b.SaveUser(ctx, w, user.New("u1")); err != nil {
			t.Fatal(err)
		}
	}

	p := newPruner(b, RetentionConfig{Window: time.Hour, Interval: time.Hour}, slog.Default())
	if n, err := p.prune(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing pruned inside the window, got %d, %v", n, err)
	}

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := p.prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries pruned across worlds, got %d", n)
	}
	if left, _ := store.CountChanges(ctx, b, ""); left != 0 {
		t.Fatalf("expected empty change log, got %d", left)
	}
}

func TestPruneRequiresWindow(t *testing.T) {
	f := newFactory(t, testConfig(t))
	if _, err := f.Prune(context.Background(), KindMemory); err == nil {
		t.Fatal("expected error without a retention window")
	}
}

func TestPrunerStartStop(t *testing.T) {
	b := memory.New(nil, memory.Config{})
	p := newPruner(b, RetentionConfig{Window: time.Hour, Interval: time.Millisecond}, slog.Default())
	p.start()
	time.Sleep(5 * time.Millisecond)
	p.stop()
	if !b.Connected(context.Background()) {
		t.Fatal("stopping the pruner must leave the backend open")
	}
}
