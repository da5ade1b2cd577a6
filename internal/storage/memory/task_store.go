// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// TaskStore keeps work items in a map guarded by one mutex, which makes
// every transition trivially atomic.
type TaskStore struct {
	mu     sync.Mutex
	items  map[int64]rank.WorkItem
	nextID int64
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{items: make(map[int64]rank.WorkItem)}
}

// Enqueue adds a pending item.
func (s *TaskStore) Enqueue(_ context.Context, keyword, target string) (rank.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	item := rank.WorkItem{
		ID:      s.nextID,
		Keyword: strings.TrimSpace(keyword),
		Target:  strings.TrimSpace(target),
		Status:  rank.TaskPending,
	}
	s.items[item.ID] = item
	return item, nil
}

// Claim transitions up to limit pending items, lowest id first.
func (s *TaskStore) Claim(_ context.Context, owner string, limit int, now time.Time) ([]rank.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.items))
	for id, item := range s.items {
		if item.Status == rank.TaskPending {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit < len(ids) {
		ids = ids[:limit]
	}
	claimed := make([]rank.WorkItem, 0, len(ids))
	for _, id := range ids {
		item := s.items[id]
		item.Status = rank.TaskProcessing
		item.WorkerID = owner
		item.StartedAt = now
		s.items[id] = item
		claimed = append(claimed, item)
	}
	return claimed, nil
}

// RecoverStale resets processing items started before olderThan.
func (s *TaskStore) RecoverStale(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, item := range s.items {
		if item.Status != rank.TaskProcessing || !item.StartedAt.Before(olderThan) {
			continue
		}
		item.Status = rank.TaskPending
		item.WorkerID = ""
		item.StartedAt = time.Time{}
		s.items[id] = item
		n++
	}
	return n, nil
}

// Requeue returns an owned item to pending with its new retry count.
func (s *TaskStore) Requeue(_ context.Context, item rank.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.owned(item)
	if !ok {
		return rank.ErrClaimLost
	}
	cur.Status = rank.TaskPending
	cur.WorkerID = ""
	cur.StartedAt = time.Time{}
	cur.RetryCount = item.RetryCount
	s.items[item.ID] = cur
	return nil
}

// Touch restamps started_at on an owned item.
func (s *TaskStore) Touch(_ context.Context, item rank.WorkItem, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.owned(item)
	if !ok {
		return rank.ErrClaimLost
	}
	cur.StartedAt = now
	s.items[item.ID] = cur
	return nil
}

// Delete removes an owned item.
func (s *TaskStore) Delete(_ context.Context, item rank.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owned(item); !ok {
		return rank.ErrClaimLost
	}
	delete(s.items, item.ID)
	return nil
}

func (s *TaskStore) owned(item rank.WorkItem) (rank.WorkItem, bool) {
	cur, ok := s.items[item.ID]
	if !ok || cur.Status != rank.TaskProcessing || cur.WorkerID != item.WorkerID {
		return rank.WorkItem{}, false
	}
	return cur, true
}

// Get returns a copy of the stored item.
func (s *TaskStore) Get(id int64) (rank.WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	return item, ok
}

// Len returns the number of stored items.
func (s *TaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Ping always succeeds.
func (s *TaskStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *TaskStore) Close() error { return nil }
