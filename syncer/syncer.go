// Package syncer keeps one server's in-memory view of a world in step with
// changes other servers write to the shared backend.
//
// A Syncer polls the backend's change log on a fixed interval. Changes to
// subjects the host has loaded are reloaded or removed and the affected
// online identities are set up again; changes to subjects nobody has loaded
// are skipped, since they will be read fresh on next demand. Per-change
// failures are logged and retried on later polls; they never stop the
// schedule.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/plugin"
)

// Defaults.
const (
	MinInterval            = time.Second
	DefaultInterval        = 5 * time.Second
	DefaultStopTimeout     = 5 * time.Second
	DefaultMaxApplyRetries = 3
)

// Namespace is the host's in-memory view of one world.
type Namespace interface {
	// IsLoaded reports whether the subject is held in memory.
	IsLoaded(kind changelog.SubjectKind, id string) bool

	// Reload replaces the in-memory subject with the backend's copy.
	Reload(ctx context.Context, kind changelog.SubjectKind, id string) error

	// Remove drops the subject from memory.
	Remove(kind changelog.SubjectKind, id string)
}

// Sessions is the host's set of connected identities.
type Sessions interface {
	// IsOnline reports whether the identity is connected.
	IsOnline(id string) bool

	// Setup recomputes and applies the identity's effective permissions.
	Setup(ctx context.Context, id string) error

	// SetupAll runs Setup for every connected identity.
	SetupAll(ctx context.Context) error
}

// Result summarizes one poll.
type Result struct {
	Since   int64 // watermark queried
	Until   int64 // watermark after the poll
	Changes int   // entries returned by the backend
	Applied int   // entries applied to the view
	Skipped int   // entries for subjects not loaded
	Retried int   // earlier failures replayed this poll
	Failed  int   // entries that failed and stay pending
	Dropped int   // entries abandoned after MaxApplyRetries
	Err     error // change-log query failure; nothing was applied
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithInterval sets the poll interval. Values below MinInterval are raised
// to MinInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Syncer) { s.interval = max(d, MinInterval) }
}

// WithSessions sets the connected-identity hooks. Without them no identity
// is considered online.
func WithSessions(sess Sessions) Option {
	return func(s *Syncer) { s.sessions = sess }
}

// WithStopTimeout bounds how long Stop waits for an in-flight poll before
// cancelling it.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Syncer) { s.stopTimeout = d }
}

// WithMaxApplyRetries sets how many later polls may replay a failed change.
func WithMaxApplyRetries(n int) Option {
	return func(s *Syncer) { s.maxApplyRetries = max(n, 0) }
}

// WithSince sets the initial watermark in epoch milliseconds. The default
// is the construction time.
func WithSince(ts int64) Option {
	return func(s *Syncer) { s.watermark = ts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithPlugins sets the registry notified of applied changes.
func WithPlugins(r *plugin.Registry) Option {
	return func(s *Syncer) { s.plugins = r }
}

// pendingEntry is a change whose apply failed.
type pendingEntry struct {
	entry    *changelog.Entry
	attempts int
}

// Syncer polls one world's change log.
type Syncer struct {
	source          changelog.Store
	world           string
	ns              Namespace
	sessions        Sessions
	interval        time.Duration
	stopTimeout     time.Duration
	maxApplyRetries int
	logger          *slog.Logger
	plugins         *plugin.Registry
	now             func() time.Time

	// Poll state, serialized by pollMu.
	pollMu    sync.Mutex
	watermark int64
	pending   map[string]*pendingEntry // keyed by subject
	lastPoll  time.Time

	// Lifecycle, guarded by mu.
	mu         sync.Mutex
	running    bool
	stopLoop   context.CancelFunc
	cancelPoll context.CancelFunc
	done       chan struct{}
}

// New creates a stopped Syncer for world.
func New(source changelog.Store, world string, ns Namespace, opts ...Option) *Syncer {
	s := &Syncer{
		source:          source,
		world:           world,
		ns:              ns,
		interval:        DefaultInterval,
		stopTimeout:     DefaultStopTimeout,
		maxApplyRetries: DefaultMaxApplyRetries,
		logger:          slog.Default(),
		plugins:         plugin.NewRegistry(nil),
		now:             time.Now,
		pending:         make(map[string]*pendingEntry),
		watermark:       -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.watermark < 0 {
		s.watermark = s.now().UnixMilli()
	}
	return s
}

// World returns the world this Syncer follows.
func (s *Syncer) World() string { return s.world }

// Interval returns the poll interval.
func (s *Syncer) Interval() time.Duration { return s.interval }

// Start schedules polling. It is a no-op when already running.
func (s *Syncer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	s.stopLoop, s.cancelPoll = stopLoop, cancelPoll
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, pollCtx, s.done)
	s.logger.Info("synchronizer started", "world", s.world, "interval", s.interval)
}

// Stop cancels the schedule and waits up to the stop timeout for an
// in-flight poll, after which the poll's context is cancelled. It is a
// no-op when not running.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.stopLoop()

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("synchronizer poll did not finish in time, cancelling", "world", s.world)
		s.cancelPoll()
		<-s.done
	}
	s.cancelPoll()
	s.logger.Info("synchronizer stopped", "world", s.world)
}

// Running reports whether polling is scheduled.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastPoll returns when the last poll completed, or the zero time.
func (s *Syncer) LastPoll() time.Time {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.lastPoll
}

// Watermark returns the timestamp the next poll queries from.
func (s *Syncer) Watermark() int64 {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.watermark
}

// Pending returns the number of failed changes awaiting replay.
func (s *Syncer) Pending() int {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return len(s.pending)
}

func (s *Syncer) loop(loopCtx, pollCtx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			s.Poll(pollCtx)
		}
	}
}

// ──────────────────────────────────────────────────
// Polling
// ──────────────────────────────────────────────────

// Poll runs one tick: query changes newer than the watermark, apply them,
// and advance the watermark to the time taken before the query. A query
// failure leaves the watermark unchanged. Polls are serialized.
func (s *Syncer) Poll(ctx context.Context) Result {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	res := Result{Since: s.watermark, Until: s.watermark}
	started := s.now().UnixMilli()

	entries, err := s.source.ChangesSince(ctx, s.world, s.watermark)
	if err != nil {
		res.Err = fmt.Errorf("syncer: %s: changes since %d: %w", s.world, s.watermark, err)
		s.logger.Error("change log query failed", "world", s.world, "error", err)
		return res
	}
	res.Changes = len(entries)

	batch := s.batch(entries, &res)
	setupAll := false
	for _, e := range batch {
		key := subjectKey(e)
		applied, groupChanged, err := s.apply(ctx, e)
		if err != nil {
			s.fail(key, e, err, &res)
			continue
		}
		delete(s.pending, key)
		if !applied {
			res.Skipped++
			continue
		}
		res.Applied++
		setupAll = setupAll || groupChanged
		s.plugins.EmitChangeApplied(ctx, e)
	}

	if setupAll && s.sessions != nil {
		if err := s.safely(func() error { return s.sessions.SetupAll(ctx) }); err != nil {
			s.logger.Error("setup of online identities failed", "world", s.world, "error", err)
		}
	}

	// Step back one millisecond so writes landing in the same millisecond
	// as the query are seen again next tick. Re-applying is idempotent.
	s.watermark = max(s.watermark, started-1)
	s.lastPoll = s.now()
	res.Until = s.watermark
	if res.Changes > 0 || res.Retried > 0 {
		s.logger.Debug("poll complete",
			"world", s.world,
			"changes", res.Changes,
			"applied", res.Applied,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res
}

// batch merges pending failures with new entries in timestamp order. A
// pending entry is superseded by a newer entry for the same subject.
func (s *Syncer) batch(entries []*changelog.Entry, res *Result) []*changelog.Entry {
	fresh := make(map[string]bool, len(entries))
	for _, e := range entries {
		fresh[subjectKey(e)] = true
	}
	out := make([]*changelog.Entry, 0, len(entries)+len(s.pending))
	for key, p := range s.pending {
		if fresh[key] {
			delete(s.pending, key)
			continue
		}
		out = append(out, p.entry)
		res.Retried++
	}
	out = append(out, entries...)
	slices.SortStableFunc(out, func(a, b *changelog.Entry) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return out
}

// fail records a failed apply, dropping it once retries are exhausted.
func (s *Syncer) fail(key string, e *changelog.Entry, err error, res *Result) {
	p, ok := s.pending[key]
	if !ok {
		p = &pendingEntry{entry: e}
	}
	p.entry = e
	p.attempts++
	if p.attempts > s.maxApplyRetries {
		delete(s.pending, key)
		res.Dropped++
		s.logger.Warn("dropping change after repeated failures",
			"world", s.world,
			"subject", e.Subject,
			"id", e.SubjectID,
			"attempts", p.attempts,
			"error", err,
		)
		return
	}
	s.pending[key] = p
	res.Failed++
	s.logger.Error("apply change failed",
		"world", s.world,
		"subject", e.Subject,
		"id", e.SubjectID,
		"change", e.Change,
		"error", err,
	)
}

// apply reconciles one entry. It reports whether the subject was loaded and
// whether a group changed, which calls for setting up every online identity.
func (s *Syncer) apply(ctx context.Context, e *changelog.Entry) (applied, groupChanged bool, err error) {
	err = s.safely(func() error {
		if !s.ns.IsLoaded(e.Subject, e.SubjectID) {
			return nil
		}
		applied = true

		switch e.Change {
		case changelog.ChangeInsert, changelog.ChangeUpdate:
			if err := s.ns.Reload(ctx, e.Subject, e.SubjectID); err != nil {
				return fmt.Errorf("reload: %w", err)
			}
		case changelog.ChangeDelete:
			s.ns.Remove(e.Subject, e.SubjectID)
		default:
			return fmt.Errorf("unknown change kind %q", e.Change)
		}

		if e.Subject == changelog.SubjectGroup {
			groupChanged = true
			return nil
		}
		if s.sessions != nil && s.sessions.IsOnline(e.SubjectID) {
			if err := s.sessions.Setup(ctx, e.SubjectID); err != nil {
				return fmt.Errorf("setup: %w", err)
			}
		}
		return nil
	})
	return applied, groupChanged, err
}

// safely runs fn, converting a panic into an error.
func (s *Syncer) safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func subjectKey(e *changelog.Entry) string {
	return string(e.Subject) + ":" + e.SubjectID
}
