package sync

import (
	"context"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/voxline/voxsync/internal/db"
	"github.com/voxline/voxsync/internal/remote"
	"github.com/voxline/voxsync/internal/schema"
)

// Defaults for Manager options.
const (
	DefaultPageLimit  = 100
	DefaultMaxRetries = 5
)

// Store is the part of the local cache a Manager writes to. *db.DB
// satisfies it.
type Store interface {
	UpsertConversationContext(ctx context.Context, conv *schema.Conversation) (db.UpsertResult, error)
	UpsertProfile(ctx context.Context, p *schema.Profile) error
	RebuildProfileIndex(ctx context.Context) (int, error)
	PendingMutations(ctx context.Context, limit int) ([]*db.Mutation, error)
	AckMutation(ctx context.Context, id string) error
	NackMutation(ctx context.Context, id string, cause error, maxRetries int) (string, error)
	SyncTime(ctx context.Context, key string) (time.Time, error)
	SetSyncTime(ctx context.Context, key string, t time.Time) error
	PullCursor(ctx context.Context) (time.Time, string, error)
	SetPullCursor(ctx context.Context, at time.Time, conversationID string) error
}

// State is the sync state machine position.
type State int

const (
	Idle State = iota
	Syncing
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result counts what one pass did.
type Result struct {
	Pulled         int           `json:"pulled" yaml:"pulled"`
	Stale          int           `json:"stale" yaml:"stale"`
	MessagesMerged int           `json:"messages_merged" yaml:"messages_merged"`
	Profiles       int           `json:"profiles" yaml:"profiles"`
	Pushed         int           `json:"pushed" yaml:"pushed"`
	PushFailed     int           `json:"push_failed" yaml:"push_failed"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
}

// Status is a snapshot of the manager's in-memory state.
type Status struct {
	IsSyncing    bool      `json:"is_syncing" yaml:"is_syncing"`
	State        State     `json:"state" yaml:"state"`
	LastSyncTime time.Time `json:"last_sync_time" yaml:"last_sync_time"`
	Err          error     `json:"-" yaml:"-"`
	Error        string    `json:"error,omitempty" yaml:"error,omitempty"`
	LastResult   *Result   `json:"last_result,omitempty" yaml:"last_result,omitempty"`
}

// Observer receives pass lifecycle events.
type Observer interface {
	SyncStarted()
	SyncCompleted(Result)
	SyncFailed(error)
}

// Manager runs sync passes between a Store and a remote API.
type Manager struct {
	store      Store
	api        remote.API
	logger     *log.Logger
	observer   Observer
	pageLimit  int
	maxRetries int
	verbose    bool
	now        func() time.Time

	mu         gosync.Mutex
	state      State
	lastSync   time.Time
	lastErr    error
	lastResult *Result

	wg gosync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *log.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers an observer for pass events.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithPageLimit sets how many conversations are pulled per request.
func WithPageLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pageLimit = n
		}
	}
}

// WithMaxRetries sets how many failed pushes park a mutation as failed.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithVerbose logs a line per merged conversation and pushed mutation.
func WithVerbose(verbose bool) Option {
	return func(m *Manager) { m.verbose = verbose }
}

// WithClock replaces the clock used for the last sync time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. If no logger is given, a default logger writing to
// stderr is used.
func New(store Store, api remote.API, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		api:        api,
		logger:     log.New(os.Stderr, "[sync] ", log.LstdFlags),
		pageLimit:  DefaultPageLimit,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restore loads the persisted last sync time so Status reports it before
// the first pass of this process.
func (m *Manager) Restore(ctx context.Context) error {
	t, err := m.store.SyncTime(ctx, db.KeyLastSyncTime)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.lastSync.IsZero() {
		m.lastSync = t
	}
	m.mu.Unlock()
	return nil
}

// StartSync runs one pass in the calling goroutine and returns the resulting
// status. If a pass is already running it returns that pass's status
// immediately.
func (m *Manager) StartSync(ctx context.Context) Status {
	return m.startSync(ctx, nil)
}

// StartSyncSince is StartSync pulling from since instead of the stored
// cursor.
func (m *Manager) StartSyncSince(ctx context.Context, since time.Time) Status {
	return m.startSync(ctx, &since)
}

func (m *Manager) startSync(ctx context.Context, since *time.Time) Status {
	if !m.begin() {
		return m.Status()
	}
	defer m.wg.Done()
	m.run(ctx, since)
	return m.Status()
}

// Trigger starts a pass in a new goroutine. It returns false if a pass is
// already running.
func (m *Manager) Trigger(ctx context.Context) bool {
	if !m.begin() {
		return false
	}
	go func() {
		defer m.wg.Done()
		m.run(ctx, nil)
	}()
	return true
}

// Wait blocks until no pass is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Status returns the current status without blocking on a running pass.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		IsSyncing:    m.state == Syncing,
		State:        m.state,
		LastSyncTime: m.lastSync,
		Err:          m.lastErr,
	}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	if m.lastResult != nil {
		r := *m.lastResult
		st.LastResult = &r
	}
	return st
}

func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return false
	}
	m.state = Syncing
	m.wg.Add(1)
	return true
}

func (m *Manager) run(ctx context.Context, since *time.Time) {
	start := time.Now()
	if m.observer != nil {
		m.observer.SyncStarted()
	}

	var res Result
	err := m.pass(ctx, since, &res)
	res.Duration = time.Since(start)

	m.mu.Lock()
	m.lastResult = &res
	if err != nil {
		m.state = Failed
		m.lastErr = err
	} else {
		m.lastErr = nil
		m.lastSync = m.now()
	}
	lastSync := m.lastSync
	m.mu.Unlock()

	if err != nil {
		m.logger.Printf("Sync failed after %s: %v", res.Duration.Round(time.Millisecond), err)
		if m.observer != nil {
			m.observer.SyncFailed(err)
		}
		m.finish()
		return
	}

	if err := m.store.SetSyncTime(ctx, db.KeyLastSyncTime, lastSync); err != nil {
		m.logger.Printf("WARNING: failed to persist last sync time: %v", err)
	}
	m.logger.Printf("Sync complete: pulled=%d (stale=%d), messages=%d, profiles=%d, pushed=%d (failed=%d) in %s",
		res.Pulled, res.Stale, res.MessagesMerged, res.Profiles, res.Pushed, res.PushFailed,
		res.Duration.Round(time.Millisecond))
	if m.observer != nil {
		m.observer.SyncCompleted(res)
	}
	m.finish()
}

func (m *Manager) debugf(format string, args ...any) {
	if m.verbose {
		m.logger.Printf(format, args...)
	}
}

// finish leaves Syncing or Failed for Idle.
func (m *Manager) finish() {
	m.mu.Lock()
	m.state = Idle
	m.mu.Unlock()
}

func (m *Manager) pass(ctx context.Context, since *time.Time, res *Result) error {
	if err := m.pull(ctx, since, res); err != nil {
		return &SyncError{Phase: PhasePull, Err: err}
	}
	if err := m.push(ctx, res); err != nil {
		return &SyncError{Phase: PhasePush, Err: err}
	}
	return nil
}
