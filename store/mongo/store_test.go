package mongo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/store"
	"github.com/jmurth1234/bPermissions-sub000/store/retry"
	"github.com/jmurth1234/bPermissions-sub000/store/storetest"
	"github.com/jmurth1234/bPermissions-sub000/user"
)

func TestMongoConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("start mongo: %v", err)
	}
	uri, err := ctr.PortEndpoint(ctx, "27017/tcp", "mongodb")
	if err != nil {
		t.Fatal(err)
	}

	database := "bperms_" + uuid.NewString()[:8]
	storetest.Run(t, func(t *testing.T, serverID string) store.Backend {
		cfg := DefaultConfig()
		cfg.URI = uri
		cfg.Database = database
		cfg.ServerID = serverID
		cfg.DefaultGroup = storetest.DefaultGroup
		cfg.Retry = retry.Policy{MaxAttempts: 2, Backoff: 100 * time.Millisecond}
		s, err := Open(ctx, cfg)
		if err != nil {
			t.Fatalf("open mongo: %v", err)
		}
		return s
	})

	t.Run("RecoversAfterFailedRebuild", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.URI = uri
		cfg.Database = database
		cfg.ServerID = "server-rebuild"
		cfg.Retry = retry.Policy{MaxAttempts: 2, Backoff: 100 * time.Millisecond}
		s, err := Open(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		if err := s.DB().Close(); err != nil {
			t.Fatal(err)
		}
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if err := s.retrier.Reconnect(cancelled); err == nil {
			t.Fatal("expected reconnect with a cancelled context to fail")
		}

		err = s.SaveUser(ctx, "world", user.New("u1"))
		if errors.Is(err, store.ErrNotInitialized) {
			t.Fatal("store must not fall back to uninitialized")
		}
		if err != nil {
			t.Fatalf("expected save to recover, got %v", err)
		}
		if !s.Connected(ctx) {
			t.Fatal("expected store to be connected")
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"missing uri", func(c *Config) { c.URI = "" }, "uri"},
		{"bad scheme", func(c *Config) { c.URI = "http://localhost" }, "uri"},
		{"missing database", func(c *Config) { c.Database = "" }, "database"},
		{"dotted database", func(c *Config) { c.Database = "a.b" }, "database"},
		{"dollar prefix", func(c *Config) { c.CollectionPrefix = "$x" }, "collection_prefix"},
		{"min idle above max", func(c *Config) { c.Pool.MinIdle = c.Pool.MaxSize + 1 }, "pool.min_idle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			var ce *store.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *store.ConfigError, got %v", err)
			}
			if ce.Key != tt.key || ce.Backend != Kind {
				t.Fatalf("expected key %q on %q, got %q on %q", tt.key, Kind, ce.Key, ce.Backend)
			}
		})
	}
}

func TestNewDoesNotConnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URI = "mongodb://unreachable.invalid:27017"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New must not connect, got %v", err)
	}
	if s.ServerID() == "" {
		t.Fatal("expected a generated server id")
	}
	if _, err := s.LoadUser(context.Background(), "world", "u1"); !errors.Is(err, store.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"disconnected", fmt.Errorf("find: %w", mongod.ErrClientDisconnected), true},
		{"shutdown", mongod.CommandError{Code: 91, Message: "shutdown in progress"}, true},
		{"stepped down", mongod.CommandError{Code: 189}, true},
		{"duplicate key", mongod.CommandError{Code: 11000}, false},
		{"no documents", mongod.ErrNoDocuments, false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Fatalf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClientURI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URI = "mongodb://db1:27017,db2:27017/?replicaSet=rs0&maxPoolSize=50"
	cfg.Database = "perms"
	cfg.Pool.MinIdle = 1
	cfg.Pool.MaxIdleTime = 2 * time.Minute
	cfg.ServerSelectionTimeout = 3 * time.Second

	got, err := cfg.clientURI()
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/perms" {
		t.Fatalf("expected database path, got %q", u.Path)
	}
	q := u.Query()
	want := map[string]string{
		"replicaSet":               "rs0",
		"maxPoolSize":              "50",
		"minPoolSize":              "1",
		"maxIdleTimeMS":            "120000",
		"serverSelectionTimeoutMS": "3000",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Fatalf("expected %s=%s in %q", k, v, got)
		}
	}
}

func TestChangeFromModelRejectsForeignID(t *testing.T) {
	m := &changeModel{ID: "not-a-change-id", World: "world", SubjectKind: "USER", SubjectID: "u1", ChangeKind: "UPDATE"}
	if _, err := changeFromModel(m); err == nil {
		t.Fatal("expected malformed change id to be rejected")
	}

	e := changeToModel(&changelog.Entry{ID: id.NewChangeID(), World: "world", Subject: changelog.SubjectUser, SubjectID: "u1", Change: changelog.ChangeUpdate, Timestamp: 7})
	back, err := changeFromModel(e)
	if err != nil {
		t.Fatal(err)
	}
	if back.ID.String() != e.ID || back.Timestamp != 7 {
		t.Fatalf("unexpected entry %+v", back)
	}
}

func TestDocKey(t *testing.T) {
	if got := docKey("world", "u1"); got != "world/u1" {
		t.Fatalf("expected world/u1, got %q", got)
	}
}
