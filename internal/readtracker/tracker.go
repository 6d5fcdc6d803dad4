// Package readtracker is the single entry point for marking a message read.
//
// A mark applies the change locally first, then confirms it with the remote
// API, and reverts the local change if the remote call fails. Repeated marks
// of the same message are suppressed for a short window after success, and
// concurrent marks of the same message share one remote call.
//
// A Tracker holds process-lifetime state only. Construct one per process and
// pass it to the components that mark messages read.
package readtracker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultWindow is how long a successful mark suppresses repeats.
const DefaultWindow = 2 * time.Second

// RemoteFunc performs the remote read update for one message.
type RemoteFunc func(ctx context.Context, messageID string) error

// Tracker deduplicates and sequences mark-as-read operations.
type Tracker struct {
	remote   RemoteFunc
	window   time.Duration
	logger   *log.Logger
	observer func(messageID string, ok bool)
	now      func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	recent   map[string]uint64
	gen      uint64
	states   map[string]*KeyState
	inFlight int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWindow sets the dedup window.
func WithWindow(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.window = d
		}
	}
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *log.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver registers fn to be called once per settled operation.
func WithObserver(fn func(messageID string, ok bool)) Option {
	return func(t *Tracker) { t.observer = fn }
}

// WithClock replaces the clock used for KeyState timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker that confirms marks through remote.
func New(remote RemoteFunc, opts ...Option) *Tracker {
	t := &Tracker{
		remote: remote,
		window: DefaultWindow,
		logger: log.New(os.Stderr, "[readtracker] ", log.LstdFlags),
		now:    time.Now,
		recent: make(map[string]uint64),
		states: make(map[string]*KeyState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkAsRead marks messageID read and reports whether it is confirmed. It
// never returns an error; failures are logged and reported as false.
func (t *Tracker) MarkAsRead(ctx context.Context, messageID string, applyLocal, revertLocal func() error) bool {
	if err := t.Mark(ctx, messageID, applyLocal, revertLocal); err != nil {
		t.logger.Printf("mark %s: %v", messageID, err)
		return false
	}
	return true
}

// Mark is MarkAsRead returning the failure: *OptimisticApplyError or
// *RemoteUpdateError. A mark suppressed by the dedup window returns nil.
//
// Concurrent callers for the same messageID share a single operation and
// receive the same result. The shared operation is not cancelled when one
// caller's context is.
func (t *Tracker) Mark(ctx context.Context, messageID string, applyLocal, revertLocal func() error) error {
	if messageID == "" {
		return &OptimisticApplyError{MessageID: messageID, Err: fmt.Errorf("message id is required")}
	}
	if t.WasRecentlyMarked(messageID) {
		return nil
	}

	shared := context.WithoutCancel(ctx)
	_, err, _ := t.group.Do(messageID, func() (any, error) {
		// A mark that settled between the check above and Do.
		if t.WasRecentlyMarked(messageID) {
			return nil, nil
		}
		return nil, t.run(shared, messageID, applyLocal, revertLocal)
	})
	return err
}

func (t *Tracker) run(ctx context.Context, messageID string, applyLocal, revertLocal func() error) error {
	t.begin(messageID)
	defer func() {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()
	}()

	if err := call(applyLocal); err != nil {
		t.settle(messageID, RolledBack, err)
		return &OptimisticApplyError{MessageID: messageID, Err: err}
	}

	if err := t.callRemote(ctx, messageID); err != nil {
		rollbackErr := call(revertLocal)
		if rollbackErr != nil {
			t.logger.Printf("WARNING: rollback of %s failed: %v", messageID, rollbackErr)
		}
		t.settle(messageID, RolledBack, err)
		return &RemoteUpdateError{MessageID: messageID, Err: err, RollbackErr: rollbackErr}
	}

	t.remember(messageID)
	t.settle(messageID, Committed, nil)
	return nil
}

func (t *Tracker) callRemote(ctx context.Context, messageID string) (err error) {
	if t.remote == nil {
		return fmt.Errorf("no remote configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote panicked: %v", r)
		}
	}()
	return t.remote(ctx, messageID)
}

// call runs a caller callback, converting a panic into an error. A nil
// callback is a no-op.
func call(fn func() error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn()
}

func (t *Tracker) begin(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight++
	st, ok := t.states[messageID]
	if !ok {
		st = &KeyState{}
		t.states[messageID] = st
	}
	st.Status = Pending
	st.Attempts++
	st.LastError = nil
	st.UpdatedAt = t.now()
}

func (t *Tracker) settle(messageID string, status Status, err error) {
	t.mu.Lock()
	if st, ok := t.states[messageID]; ok {
		st.Status = status
		st.LastError = err
		st.UpdatedAt = t.now()
	}
	t.mu.Unlock()

	if t.observer != nil {
		t.observer(messageID, status == Committed)
	}
}

// remember adds messageID to the recent set and schedules its removal. The
// generation check keeps an older timer from removing a newer entry.
func (t *Tracker) remember(messageID string) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.recent[messageID] = gen
	t.mu.Unlock()

	time.AfterFunc(t.window, func() {
		t.mu.Lock()
		if t.recent[messageID] == gen {
			delete(t.recent, messageID)
		}
		t.mu.Unlock()
	})
}

// WasRecentlyMarked reports whether messageID was confirmed within the
// dedup window.
func (t *Tracker) WasRecentlyMarked(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.recent[messageID]
	return ok
}

// State returns a copy of the last known state for messageID.
func (t *Tracker) State(messageID string) (KeyState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[messageID]
	if !ok {
		return KeyState{}, false
	}
	return *st, true
}

// InFlight returns the number of operations waiting on the remote API.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

// Window returns the dedup window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Reset forgets all recent marks and states. Operations in flight still
// settle normally.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.recent = make(map[string]uint64)
	t.states = make(map[string]*KeyState)
}
