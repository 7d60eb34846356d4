package deadletter

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Memory is a process local Store
type Memory struct {
	mu      sync.Mutex
	records []Record
	nextID  int64
	putErrs []error
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{}
}

// FailPuts makes the next Put calls fail with the given errors, in order
func (m *Memory) FailPuts(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErrs = append(m.putErrs, errs...)
}

// Put implements Store
func (m *Memory) Put(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.putErrs) > 0 {
		err := m.putErrs[0]
		m.putErrs = m.putErrs[1:]
		return fmt.Errorf("failed to store dead letters: %w", err)
	}
	for _, rec := range records {
		if m.storedLocked(rec) {
			continue
		}
		m.nextID++
		rec.ID = m.nextID
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		m.records = append(m.records, rec)
	}
	return nil
}

func (m *Memory) storedLocked(rec Record) bool {
	for _, r := range m.records {
		if r.Connector == rec.Connector && r.Sequence == rec.Sequence && r.Key == rec.Key {
			return true
		}
	}
	return false
}

// List implements Store
func (m *Memory) List(_ context.Context, connector string, limit int, includeReplayed bool) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if rec.Connector != connector || (rec.ReplayedAt != nil && !includeReplayed) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkReplayed implements Store
func (m *Memory) MarkReplayed(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for i := range m.records {
		if slices.Contains(ids, m.records[i].ID) {
			m.records[i].ReplayedAt = &now
		}
	}
	return nil
}

// Len returns the number of stored records, replayed or not
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
