package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

func TestProcessReturnsResolverResultAndClosesSession(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	monitor := &fakeMonitor{}
	resolver := resolverFunc(func(_ context.Context, page rank.Page, item rank.WorkItem) rank.RankResult {
		require.NotNil(t, page)
		return rank.RankResult{Status: rank.StatusFound, ResolvedID: item.Target, Duration: time.Second}
	})
	w := New(Config{Slot: 3}, sessions, resolver, monitor, zap.NewNop())

	res := w.Process(context.Background(), rank.WorkItem{ID: 7, Target: "123"})

	require.Equal(t, rank.StatusFound, res.Status)
	require.Equal(t, time.Second, res.Duration)
	require.Equal(t, []int{3}, sessions.openedSlots())
	require.Equal(t, 1, sessions.closedCount())
	require.Equal(t, []bool{false}, monitor.recorded())
	require.Equal(t, 3, w.Slot())
}

func TestProcessRecoversPanics(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{}
	monitor := &fakeMonitor{}
	resolver := resolverFunc(func(context.Context, rank.Page, rank.WorkItem) rank.RankResult {
		panic("selector exploded")
	})
	w := New(Config{}, sessions, resolver, monitor, nil)

	res := w.Process(context.Background(), rank.WorkItem{ID: 1})

	require.Equal(t, rank.StatusError, res.Status)
	require.Contains(t, res.ErrorText, "selector exploded")
	require.True(t, rank.IsRetryable(res.Err))
	require.Equal(t, 1, sessions.closedCount())
	require.Len(t, monitor.recorded(), 1)
	require.Positive(t, res.Duration)
}

func TestProcessSessionFailureIsError(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{openErr: errors.New("chrome not found")}
	called := false
	resolver := resolverFunc(func(context.Context, rank.Page, rank.WorkItem) rank.RankResult {
		called = true
		return rank.RankResult{}
	})
	w := New(Config{}, sessions, resolver, nil, nil)

	res := w.Process(context.Background(), rank.WorkItem{ID: 1})

	require.False(t, called)
	require.Equal(t, rank.StatusError, res.Status)
	require.Contains(t, res.ErrorText, "open session")
	require.Zero(t, sessions.closedCount())
}

func TestProcessBlockedFeedsMonitor(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{}
	resolver := resolverFunc(func(context.Context, rank.Page, rank.WorkItem) rank.RankResult {
		return rank.Failed(rank.ErrBlocked)
	})
	w := New(Config{}, &fakeSessions{}, resolver, monitor, nil)

	res := w.Process(context.Background(), rank.WorkItem{ID: 1})
	require.Equal(t, rank.StatusBlocked, res.Status)
	require.Equal(t, []bool{true}, monitor.recorded())
}

func TestProcessIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resolver := resolverFunc(func(ctx context.Context, _ rank.Page, _ rank.WorkItem) rank.RankResult {
		if ctx.Err() != nil {
			return rank.Failed(ctx.Err())
		}
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		return rank.RankResult{Status: rank.StatusNotFound}
	})
	w := New(Config{ItemTimeout: time.Minute}, &fakeSessions{}, resolver, nil, nil)

	res := w.Process(ctx, rank.WorkItem{ID: 1})
	require.Equal(t, rank.StatusNotFound, res.Status)
}

func TestRecordOutlivesExpiredItem(t *testing.T) {
	t.Parallel()

	monitor := &fakeMonitor{}
	resolver := resolverFunc(func(ctx context.Context, _ rank.Page, _ rank.WorkItem) rank.RankResult {
		<-ctx.Done()
		return rank.Failed(rank.ErrBlocked)
	})
	w := New(Config{ItemTimeout: 20 * time.Millisecond, RecordTimeout: time.Minute}, &fakeSessions{}, resolver, monitor, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := w.Process(ctx, rank.WorkItem{ID: 1})
	require.Equal(t, rank.StatusBlocked, res.Status)
	require.Equal(t, []bool{true}, monitor.recorded())
	require.Equal(t, []error{nil}, monitor.contextErrors())
	require.True(t, monitor.hadDeadline())
}

func TestPauseStaysWithinBounds(t *testing.T) {
	t.Parallel()

	w := New(Config{DelayMin: 10 * time.Millisecond, DelayMax: 30 * time.Millisecond}, nil, nil, nil, nil)
	var slept []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	for range 50 {
		require.NoError(t, w.Pause(context.Background()))
	}
	for _, d := range slept {
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 30*time.Millisecond)
	}

	none := New(Config{}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, none.Pause(ctx), context.Canceled)
}

// --- fakes ---

type resolverFunc func(ctx context.Context, page rank.Page, item rank.WorkItem) rank.RankResult

func (f resolverFunc) Resolve(ctx context.Context, page rank.Page, item rank.WorkItem) rank.RankResult {
	return f(ctx, page, item)
}

type fakeMonitor struct {
	mu       sync.Mutex
	seen     []bool
	ctxErrs  []error
	deadline bool
}

func (m *fakeMonitor) Record(ctx context.Context, blocked bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, blocked)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	_, m.deadline = ctx.Deadline()
	return false
}

func (m *fakeMonitor) contextErrors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.ctxErrs...)
}

func (m *fakeMonitor) hadDeadline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadline
}

func (m *fakeMonitor) recorded() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.seen...)
}

type fakeSessions struct {
	mu      sync.Mutex
	openErr error
	opened  []int
	closed  int
}

func (f *fakeSessions) Open(_ context.Context, slot int) (rank.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened = append(f.opened, slot)
	return &fakeSession{owner: f}, nil
}

func (f *fakeSessions) openedSlots() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.opened...)
}

func (f *fakeSessions) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeSession embeds rank.Page so unused methods panic if called.
type fakeSession struct {
	rank.Page
	owner *fakeSessions
}

func (s *fakeSession) Close() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.closed++
	return nil
}
