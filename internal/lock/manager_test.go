package lock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankwatch/internal/rank"
	"github.com/JakeFAU/rankwatch/internal/sink"
	"github.com/JakeFAU/rankwatch/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func newManager(t *testing.T, cfg Config) (*Manager, *memory.TaskStore, *sink.Memory, *fixedClock) {
	t.Helper()
	store := memory.NewTaskStore()
	out := sink.NewMemory()
	clock := &fixedClock{t: time.Unix(1700000000, 0).UTC()}
	if cfg.Owner == "" {
		cfg.Owner = "host-1"
	}
	m, err := New(cfg, store, out, clock, nil)
	require.NoError(t, err)
	return m, store, out, clock
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore()
	out := sink.NewMemory()
	_, err := New(Config{Owner: "a"}, nil, out, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Owner: "a"}, store, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, store, out, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Owner: "a", RetryMax: -1}, store, out, nil, nil)
	require.Error(t, err)
}

func TestNavigationFailureRequeuesOnceThenDeletes(t *testing.T) {
	t.Parallel()

	m, store, out, _ := newManager(t, Config{RetryMax: 1})
	ctx := context.Background()
	_, err := store.Enqueue(ctx, "mouse", "82001")
	require.NoError(t, err)

	fail := rank.Failed(fmt.Errorf("load results: %w", rank.ErrNavigation))

	items, err := m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	disp, err := m.Finalize(ctx, items[0], fail)
	require.NoError(t, err)
	require.Equal(t, Requeued, disp)
	got, ok := store.Get(items[0].ID)
	require.True(t, ok)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, rank.TaskPending, got.Status)
	require.Empty(t, out.Records())

	items, err = m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].RetryCount)
	disp, err = m.Finalize(ctx, items[0], fail)
	require.NoError(t, err)
	require.Equal(t, Abandoned, disp)
	_, ok = store.Get(items[0].ID)
	require.False(t, ok)

	recs := out.Records()
	require.Len(t, recs, 1)
	require.True(t, recs[0].Abandoned)
	require.Equal(t, rank.StatusError, recs[0].Status)
}

func TestFoundDeletesAndEmits(t *testing.T) {
	t.Parallel()

	m, store, out, _ := newManager(t, Config{RetryMax: 3})
	ctx := context.Background()
	_, err := store.Enqueue(ctx, "mouse", "82001")
	require.NoError(t, err)
	items, err := m.Claim(ctx, 5)
	require.NoError(t, err)

	res := rank.RankResult{Status: rank.StatusFound, Entry: rank.ProductEntry{Identifier: "82001", TotalRank: 4, OrganicRank: 4}}
	disp, err := m.Finalize(ctx, items[0], res)
	require.NoError(t, err)
	require.Equal(t, Completed, disp)
	require.Equal(t, 0, store.Len())
	require.Len(t, out.Records(), 1)
	require.False(t, out.Records()[0].Abandoned)
}

func TestRetryPolicyFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		res  rank.RankResult
		want Disposition
	}{
		{"not found final by default", Config{RetryMax: 2}, rank.RankResult{Status: rank.StatusNotFound}, Completed},
		{"not found retried when enabled", Config{RetryMax: 2, RetryNotFound: true}, rank.RankResult{Status: rank.StatusNotFound}, Requeued},
		{"blocked retried when enabled", Config{RetryMax: 2, RetryBlocked: true}, rank.Failed(rank.ErrBlocked), Requeued},
		{"blocked abandoned when disabled", Config{RetryMax: 2}, rank.Failed(rank.ErrBlocked), Abandoned},
		{"resolution never retried", Config{RetryMax: 2}, rank.Failed(rank.ErrResolution), Abandoned},
		{"panic retried", Config{RetryMax: 2}, rank.Failed(errors.New("worker panic: boom")), Requeued},
		{"zero budget", Config{RetryMax: 0}, rank.Failed(rank.ErrNavigation), Abandoned},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m, store, _, _ := newManager(t, tc.cfg)
			ctx := context.Background()
			_, err := store.Enqueue(ctx, "mouse", "82001")
			require.NoError(t, err)
			items, err := m.Claim(ctx, 1)
			require.NoError(t, err)
			disp, err := m.Finalize(ctx, items[0], tc.res)
			require.NoError(t, err)
			require.Equal(t, tc.want, disp)
		})
	}
}

func TestFinalizeAfterRecoveryReportsLostClaim(t *testing.T) {
	t.Parallel()

	m, store, out, clock := newManager(t, Config{RetryMax: 1})
	ctx := context.Background()
	_, err := store.Enqueue(ctx, "mouse", "82001")
	require.NoError(t, err)
	items, err := m.Claim(ctx, 1)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	n, err := m.RecoverStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = m.RecoverStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = m.Finalize(ctx, items[0], rank.Failed(rank.ErrNavigation))
	require.ErrorIs(t, err, rank.ErrClaimLost)
	require.Empty(t, out.Records())
}

func TestStartRestampsOwnedItem(t *testing.T) {
	t.Parallel()

	m, store, _, clock := newManager(t, Config{})
	ctx := context.Background()
	seedItems(t, store, 2)
	items, err := m.Claim(ctx, 2)
	require.NoError(t, err)

	clock.t = clock.t.Add(20 * time.Minute)
	started, err := m.Start(ctx, items[0])
	require.NoError(t, err)
	require.Equal(t, clock.t, started.StartedAt)

	// only the unstarted item is old enough to recover
	n, err := m.RecoverStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = m.Start(ctx, items[1])
	require.ErrorIs(t, err, rank.ErrClaimLost)
	got, _ := store.Get(items[0].ID)
	require.Equal(t, rank.TaskProcessing, got.Status)
}

func TestFinalizeLostClaimDoesNotEmit(t *testing.T) {
	t.Parallel()

	m, store, out, clock := newManager(t, Config{})
	ctx := context.Background()
	seedItems(t, store, 1)
	items, err := m.Claim(ctx, 1)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	_, err = m.RecoverStale(ctx, 30*time.Minute)
	require.NoError(t, err)

	_, err = m.Finalize(ctx, items[0], rank.RankResult{Status: rank.StatusFound})
	require.ErrorIs(t, err, rank.ErrClaimLost)
	require.Empty(t, out.Records())
	got, ok := store.Get(items[0].ID)
	require.True(t, ok)
	require.Equal(t, rank.TaskPending, got.Status)
}

func TestFinalizeSinkFailureKeepsRow(t *testing.T) {
	t.Parallel()

	m, store, out, _ := newManager(t, Config{})
	ctx := context.Background()
	_, err := store.Enqueue(ctx, "mouse", "82001")
	require.NoError(t, err)
	items, err := m.Claim(ctx, 1)
	require.NoError(t, err)

	out.FailWith(errors.New("sink down"))
	_, err = m.Finalize(ctx, items[0], rank.RankResult{Status: rank.StatusNotFound})
	require.Error(t, err)
	got, ok := store.Get(items[0].ID)
	require.True(t, ok)
	require.Equal(t, rank.TaskProcessing, got.Status)
}

func TestReleaseKeepsRetryCount(t *testing.T) {
	t.Parallel()

	m, store, _, _ := newManager(t, Config{RetryMax: 3})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, "mouse", "82001")
		require.NoError(t, err)
	}
	items, err := m.Claim(ctx, 3)
	require.NoError(t, err)

	stale := items[2]
	stale.WorkerID = "someone-else"
	n, err := m.Release(ctx, []rank.WorkItem{items[0], items[1], stale})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, _ := store.Get(items[0].ID)
	require.Equal(t, rank.TaskPending, got.Status)
	require.Zero(t, got.RetryCount)
}

func TestStoreErrorsWrapUnavailable(t *testing.T) {
	t.Parallel()

	m, err := New(Config{Owner: "x"}, failingStore{}, sink.NewMemory(), nil, nil)
	require.NoError(t, err)
	_, err = m.Claim(context.Background(), 1)
	require.ErrorIs(t, err, rank.ErrStoreUnavailable)
	_, err = m.RecoverStale(context.Background(), time.Minute)
	require.ErrorIs(t, err, rank.ErrStoreUnavailable)
}

func seedItems(t *testing.T, store *memory.TaskStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Enqueue(context.Background(), "mouse", fmt.Sprintf("8200%d", i))
		require.NoError(t, err)
	}
}

// --- fakes ---

type failingStore struct{}

var errDown = errors.New("connection reset")

func (failingStore) Claim(context.Context, string, int, time.Time) ([]rank.WorkItem, error) {
	return nil, errDown
}
func (failingStore) RecoverStale(context.Context, time.Time) (int, error)  { return 0, errDown }
func (failingStore) Touch(context.Context, rank.WorkItem, time.Time) error { return errDown }
func (failingStore) Requeue(context.Context, rank.WorkItem) error          { return errDown }
func (failingStore) Delete(context.Context, rank.WorkItem) error           { return errDown }
func (failingStore) Ping(context.Context) error                            { return errDown }
func (failingStore) Close() error                                          { return nil }
