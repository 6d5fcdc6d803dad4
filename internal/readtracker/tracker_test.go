package readtracker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var quiet = WithLogger(log.New(io.Discard, "", 0))

// localMessage stands in for a cached message row.
type localMessage struct {
	mu     sync.Mutex
	isRead bool
}

func (m *localMessage) apply() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isRead = true
	return nil
}

func (m *localMessage) revert(prior bool) func() error {
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.isRead = prior
		return nil
	}
}

func (m *localMessage) read() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRead
}

type countingRemote struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (r *countingRemote) fn(ctx context.Context, messageID string) error {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	return r.err
}

func TestMarkAsRead_DedupWithinWindow(t *testing.T) {
	remote := &countingRemote{}
	tr := New(remote.fn, quiet)
	msg := &localMessage{}

	require.True(t, tr.MarkAsRead(context.Background(), "m1", msg.apply, msg.revert(false)))
	require.True(t, tr.MarkAsRead(context.Background(), "m1", msg.apply, msg.revert(false)))
	require.Equal(t, int32(1), remote.calls.Load())

	st, ok := tr.State("m1")
	require.True(t, ok)
	require.Equal(t, Committed, st.Status)
	require.Equal(t, 1, st.Attempts)
}

func TestMarkAsRead_ConcurrentCallersShareOneCall(t *testing.T) {
	remote := &countingRemote{gate: make(chan struct{})}
	tr := New(remote.fn, quiet)
	msg := &localMessage{}
	var applies atomic.Int32
	apply := func() error {
		applies.Add(1)
		return msg.apply()
	}

	results := make(chan bool, 2)
	go func() { results <- tr.MarkAsRead(context.Background(), "m1", apply, msg.revert(false)) }()
	require.Eventually(t, func() bool { return tr.InFlight() == 1 }, time.Second, time.Millisecond)

	go func() { results <- tr.MarkAsRead(context.Background(), "m1", apply, msg.revert(false)) }()
	time.Sleep(50 * time.Millisecond)

	// Applied optimistically before the remote resolves.
	require.True(t, msg.read())
	st, _ := tr.State("m1")
	require.Equal(t, Pending, st.Status)

	close(remote.gate)
	require.True(t, <-results)
	require.True(t, <-results)
	require.Equal(t, int32(1), remote.calls.Load())
	require.Equal(t, int32(1), applies.Load())
	require.Equal(t, 0, tr.InFlight())
}

func TestMarkAsRead_RollbackRestoresPriorState(t *testing.T) {
	remote := &countingRemote{err: errors.New("503")}
	tr := New(remote.fn, quiet)

	for _, prior := range []bool{false, true} {
		msg := &localMessage{isRead: prior}
		err := tr.Mark(context.Background(), "m1", msg.apply, msg.revert(prior))

		var remoteErr *RemoteUpdateError
		require.ErrorAs(t, err, &remoteErr)
		require.Equal(t, "m1", remoteErr.MessageID)
		require.Equal(t, prior, msg.read())
		require.False(t, tr.WasRecentlyMarked("m1"))
	}

	st, ok := tr.State("m1")
	require.True(t, ok)
	require.Equal(t, RolledBack, st.Status)
	require.Equal(t, 2, st.Attempts)
	require.EqualError(t, st.LastError, "503")
}

func TestMarkAsRead_ApplyFailureSkipsRemote(t *testing.T) {
	remote := &countingRemote{}
	tr := New(remote.fn, quiet)
	boom := errors.New("disk full")

	err := tr.Mark(context.Background(), "m1", func() error { return boom }, nil)
	var applyErr *OptimisticApplyError
	require.ErrorAs(t, err, &applyErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(0), remote.calls.Load())

	require.False(t, tr.MarkAsRead(context.Background(), "m2", func() error { panic("bad row") }, nil))
	require.Equal(t, int32(0), remote.calls.Load())
}

func TestMarkAsRead_RollbackFailureStillSettles(t *testing.T) {
	remote := &countingRemote{err: errors.New("timeout")}
	var observed []bool
	tr := New(remote.fn, quiet, WithObserver(func(id string, ok bool) { observed = append(observed, ok) }))

	err := tr.Mark(context.Background(), "m1", nil, func() error { panic("gone") })
	var remoteErr *RemoteUpdateError
	require.ErrorAs(t, err, &remoteErr)
	require.Error(t, remoteErr.RollbackErr)
	require.Equal(t, []bool{false}, observed)
}

func TestWasRecentlyMarked_Expires(t *testing.T) {
	remote := &countingRemote{}
	tr := New(remote.fn, quiet, WithWindow(50*time.Millisecond))
	msg := &localMessage{}

	require.True(t, tr.MarkAsRead(context.Background(), "m1", msg.apply, msg.revert(false)))
	require.True(t, tr.WasRecentlyMarked("m1"))
	require.Eventually(t, func() bool { return !tr.WasRecentlyMarked("m1") }, time.Second, 5*time.Millisecond)

	require.True(t, tr.MarkAsRead(context.Background(), "m1", msg.apply, msg.revert(false)))
	require.Equal(t, int32(2), remote.calls.Load())
}

func TestWasRecentlyMarked_DefaultWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full dedup window")
	}
	tr := New((&countingRemote{}).fn, quiet)
	msg := &localMessage{}

	require.True(t, tr.MarkAsRead(context.Background(), "m1", msg.apply, msg.revert(false)))
	require.True(t, msg.read())
	require.True(t, tr.WasRecentlyMarked("m1"))
	time.Sleep(2100 * time.Millisecond)
	require.False(t, tr.WasRecentlyMarked("m1"))
}

func TestReset(t *testing.T) {
	remote := &countingRemote{}
	tr := New(remote.fn, quiet)
	require.True(t, tr.MarkAsRead(context.Background(), "m1", nil, nil))

	tr.Reset()
	require.False(t, tr.WasRecentlyMarked("m1"))
	_, ok := tr.State("m1")
	require.False(t, ok)

	require.True(t, tr.MarkAsRead(context.Background(), "m1", nil, nil))
	require.Equal(t, int32(2), remote.calls.Load())
}

func TestMark_EmptyID(t *testing.T) {
	tr := New((&countingRemote{}).fn, quiet)
	var applyErr *OptimisticApplyError
	require.ErrorAs(t, tr.Mark(context.Background(), "", nil, nil), &applyErr)
}
