package dispatcher

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

func TestNewRequiresWorkers(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestRunSlowAndFastWorkersProcessEachItemOnce(t *testing.T) {
	t.Parallel()

	counts := &processCounts{seen: map[int64]int{}}
	slow := &fakeWorker{slot: 0, delay: 60 * time.Millisecond, counts: counts}
	fast := &fakeWorker{slot: 1, counts: counts}
	d, err := New([]Processor{slow, fast}, zap.NewNop())
	require.NoError(t, err)

	items := []rank.WorkItem{{ID: 1}, {ID: 2}, {ID: 3}}
	var mu sync.Mutex
	var got []int
	report, err := d.Run(context.Background(), items, nil, func(res rank.RankResult, index int) error {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, rank.StatusFound, res.Status)
		got = append(got, index)
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, report.Processed)
	require.Empty(t, report.Unstarted)
	require.ElementsMatch(t, []int{0, 1, 2}, got)
	require.Equal(t, map[int64]int{1: 1, 2: 1, 3: 1}, counts.snapshot())
	require.Equal(t, 3, slow.processed()+fast.processed())
}

func TestRunManyItemsNoDuplicates(t *testing.T) {
	t.Parallel()

	counts := &processCounts{seen: map[int64]int{}}
	var workers []Processor
	for slot := range 4 {
		workers = append(workers, &fakeWorker{slot: slot, counts: counts})
	}
	d, err := New(workers, nil)
	require.NoError(t, err)

	items := make([]rank.WorkItem, 100)
	for i := range items {
		items[i] = rank.WorkItem{ID: int64(i + 1)}
	}
	report, err := d.Run(context.Background(), items, nil, func(rank.RankResult, int) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 100, report.Processed)
	seen := counts.snapshot()
	require.Len(t, seen, 100)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %d", id)
	}
}

func TestRunCallbackErrorStopsHandOut(t *testing.T) {
	t.Parallel()

	counts := &processCounts{seen: map[int64]int{}}
	d, err := New([]Processor{&fakeWorker{counts: counts}}, nil)
	require.NoError(t, err)

	items := []rank.WorkItem{{ID: 1}, {ID: 2}, {ID: 3}}
	boom := errors.New("store down")
	report, err := d.Run(context.Background(), items, nil, func(_ rank.RankResult, index int) error {
		if index == 0 {
			return boom
		}
		return nil
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, []int{1, 2}, report.Unstarted)
}

func TestRunCancellationLetsInFlightItemFinish(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	counts := &processCounts{seen: map[int64]int{}}
	w := &fakeWorker{counts: counts, onProcess: cancel}
	d, err := New([]Processor{w}, nil)
	require.NoError(t, err)

	var results []rank.RankResult
	report, err := d.Run(ctx, []rank.WorkItem{{ID: 1}, {ID: 2}}, nil, func(res rank.RankResult, _ int) error {
		results = append(results, res)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, []int{1}, report.Unstarted)
}

func TestRunEmptyBatch(t *testing.T) {
	t.Parallel()

	d, err := New([]Processor{&fakeWorker{}}, nil)
	require.NoError(t, err)
	report, err := d.Run(context.Background(), nil, nil, func(rank.RankResult, int) error {
		t.Fatal("unexpected result")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, report.Processed)
	require.Equal(t, 1, d.Size())
}

func TestRunSkipsItemsWhoseClaimWasLost(t *testing.T) {
	t.Parallel()

	counts := &processCounts{seen: map[int64]int{}}
	d, err := New([]Processor{&fakeWorker{counts: counts}}, nil)
	require.NoError(t, err)

	items := []rank.WorkItem{{ID: 1}, {ID: 2}, {ID: 3}}
	onStart := func(index int) (rank.WorkItem, error) {
		if items[index].ID == 2 {
			return rank.WorkItem{}, rank.ErrClaimLost
		}
		item := items[index]
		item.WorkerID = "restamped"
		return item, nil
	}
	var got []int
	report, err := d.Run(context.Background(), items, onStart, func(_ rank.RankResult, index int) error {
		got = append(got, index)
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	require.Equal(t, []int{1}, report.Skipped)
	require.Empty(t, report.Unstarted)
	require.Equal(t, []int{0, 2}, got)
	require.Equal(t, map[int64]int{1: 1, 3: 1}, counts.snapshot())
}

func TestRunStartErrorStopsAndLeavesItemUnstarted(t *testing.T) {
	t.Parallel()

	d, err := New([]Processor{&fakeWorker{counts: &processCounts{seen: map[int64]int{}}}}, nil)
	require.NoError(t, err)

	boom := errors.New("store down")
	items := []rank.WorkItem{{ID: 1}, {ID: 2}}
	report, err := d.Run(context.Background(), items, func(index int) (rank.WorkItem, error) {
		if index == 1 {
			return rank.WorkItem{}, boom
		}
		return items[index], nil
	}, func(rank.RankResult, int) error { return nil })

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, []int{1}, report.Unstarted)
}

// --- fakes ---

type processCounts struct {
	mu   sync.Mutex
	seen map[int64]int
}

func (c *processCounts) add(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[id]++
}

func (c *processCounts) snapshot() map[int64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int, len(c.seen))
	for k, v := range c.seen {
		out[k] = v
	}
	return out
}

type fakeWorker struct {
	slot      int
	delay     time.Duration
	counts    *processCounts
	onProcess func()

	mu sync.Mutex
	n  int
}

func (w *fakeWorker) Process(_ context.Context, item rank.WorkItem) rank.RankResult {
	if w.onProcess != nil {
		w.onProcess()
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	if w.counts != nil {
		w.counts.add(item.ID)
	}
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
	return rank.RankResult{Status: rank.StatusFound}
}

func (w *fakeWorker) Pause(ctx context.Context) error {
	return ctx.Err()
}

func (w *fakeWorker) Slot() int { return w.slot }

func (w *fakeWorker) processed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}
