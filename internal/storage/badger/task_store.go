// Package badger provides an embedded, single-host task store on BadgerDB.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

var (
	taskPrefix = []byte("task:")
	seqKey     = []byte("seq:tasks")
)

const maxConflictRetries = 8

// TaskStore keeps work items as JSON values keyed by big-endian id, so
// iteration order equals id order. Each transition runs in one read-write
// transaction; conflicting transactions are retried.
type TaskStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) a store under dir.
func Open(dir string) (*TaskStore, error) {
	if dir == "" {
		return nil, errors.New("badger dir is required")
	}
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return New(db)
}

// New wraps an already opened database. The store takes ownership of db.
func New(db *badger.DB) (*TaskStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	seq, err := db.GetSequence(seqKey, 64)
	if err != nil {
		return nil, fmt.Errorf("task sequence: %w", err)
	}
	return &TaskStore{db: db, seq: seq}, nil
}

func taskKey(id int64) []byte {
	key := make([]byte, len(taskPrefix)+8)
	copy(key, taskPrefix)
	binary.BigEndian.PutUint64(key[len(taskPrefix):], uint64(id))
	return key
}

// Enqueue stores a new pending item.
func (s *TaskStore) Enqueue(_ context.Context, keyword, target string) (rank.WorkItem, error) {
	n, err := s.seq.Next()
	if err != nil {
		return rank.WorkItem{}, fmt.Errorf("next task id: %w", err)
	}
	item := rank.WorkItem{
		ID:      int64(n) + 1,
		Keyword: strings.TrimSpace(keyword),
		Target:  strings.TrimSpace(target),
		Status:  rank.TaskPending,
	}
	err = s.update(func(txn *badger.Txn) error {
		return put(txn, item)
	})
	if err != nil {
		return rank.WorkItem{}, fmt.Errorf("enqueue task: %w", err)
	}
	return item, nil
}

// Claim transitions up to limit pending items, lowest id first.
func (s *TaskStore) Claim(ctx context.Context, owner string, limit int, now time.Time) ([]rank.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []rank.WorkItem
	err := s.update(func(txn *badger.Txn) error {
		claimed = claimed[:0]
		return scan(txn, func(item rank.WorkItem) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if item.Status != rank.TaskPending {
				return true, nil
			}
			item.Status = rank.TaskProcessing
			item.WorkerID = owner
			item.StartedAt = now
			if err := put(txn, item); err != nil {
				return false, err
			}
			claimed = append(claimed, item)
			return len(claimed) < limit, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return claimed, nil
}

// RecoverStale resets processing items started before olderThan.
func (s *TaskStore) RecoverStale(_ context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.update(func(txn *badger.Txn) error {
		n = 0
		return scan(txn, func(item rank.WorkItem) (bool, error) {
			if item.Status != rank.TaskProcessing || !item.StartedAt.Before(olderThan) {
				return true, nil
			}
			item.Status = rank.TaskPending
			item.WorkerID = ""
			item.StartedAt = time.Time{}
			if err := put(txn, item); err != nil {
				return false, err
			}
			n++
			return true, nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return n, nil
}

// Requeue returns an owned item to pending with its new retry count.
func (s *TaskStore) Requeue(_ context.Context, item rank.WorkItem) error {
	err := s.update(func(txn *badger.Txn) error {
		cur, err := owned(txn, item)
		if err != nil {
			return err
		}
		cur.Status = rank.TaskPending
		cur.WorkerID = ""
		cur.StartedAt = time.Time{}
		cur.RetryCount = item.RetryCount
		return put(txn, cur)
	})
	if err != nil {
		return fmt.Errorf("requeue task %d: %w", item.ID, err)
	}
	return nil
}

// Touch restamps started_at on an owned item.
func (s *TaskStore) Touch(_ context.Context, item rank.WorkItem, now time.Time) error {
	err := s.update(func(txn *badger.Txn) error {
		cur, err := owned(txn, item)
		if err != nil {
			return err
		}
		cur.StartedAt = now
		return put(txn, cur)
	})
	if err != nil {
		return fmt.Errorf("touch task %d: %w", item.ID, err)
	}
	return nil
}

// Delete removes an owned item.
func (s *TaskStore) Delete(_ context.Context, item rank.WorkItem) error {
	err := s.update(func(txn *badger.Txn) error {
		if _, err := owned(txn, item); err != nil {
			return err
		}
		return txn.Delete(taskKey(item.ID))
	})
	if err != nil {
		return fmt.Errorf("delete task %d: %w", item.ID, err)
	}
	return nil
}

// Get reads one item.
func (s *TaskStore) Get(id int64) (rank.WorkItem, bool, error) {
	var (
		item  rank.WorkItem
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		got, err := get(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		item, found = got, true
		return nil
	})
	return item, found, err
}

// Ping reports whether the database is still open.
func (s *TaskStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return rank.ErrStoreUnavailable
	}
	return nil
}

// Close releases the sequence and closes the database.
func (s *TaskStore) Close() error {
	seqErr := s.seq.Release()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	if seqErr != nil {
		return fmt.Errorf("release task sequence: %w", seqErr)
	}
	return nil
}

func (s *TaskStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func owned(txn *badger.Txn, want rank.WorkItem) (rank.WorkItem, error) {
	cur, err := get(txn, want.ID)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rank.WorkItem{}, rank.ErrClaimLost
	}
	if err != nil {
		return rank.WorkItem{}, err
	}
	if cur.Status != rank.TaskProcessing || cur.WorkerID != want.WorkerID {
		return rank.WorkItem{}, rank.ErrClaimLost
	}
	return cur, nil
}

func get(txn *badger.Txn, id int64) (rank.WorkItem, error) {
	var item rank.WorkItem
	entry, err := txn.Get(taskKey(id))
	if err != nil {
		return item, err
	}
	err = entry.Value(func(val []byte) error {
		return json.Unmarshal(val, &item)
	})
	return item, err
}

func put(txn *badger.Txn, item rank.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	return txn.Set(taskKey(item.ID), data)
}

// scan visits items in id order until fn returns false or an error.
func scan(txn *badger.Txn, fn func(rank.WorkItem) (bool, error)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(taskPrefix); it.ValidForPrefix(taskPrefix); it.Next() {
		var item rank.WorkItem
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		}); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		more, err := fn(item)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
