package sink

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/rankwatch/internal/rank"
)

// Memory records emitted outcomes for inspection in tests and dry runs.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	err     error
}

// NewMemory returns an empty recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// FailWith makes subsequent Emit calls return err without recording.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Emit stores the outcome.
func (m *Memory) Emit(_ context.Context, item rank.WorkItem, res rank.RankResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, NewRecord(item, res, time.Now()))
	return nil
}

// Records returns a copy of the stored outcomes.
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}
