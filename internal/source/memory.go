package source

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Source. Published events stay queued until they are
// acknowledged, so a Restart redelivers everything above the checkpoint exactly
// like a durable source would after a crash.
type Memory struct {
	mu         sync.Mutex
	events     []Event // unacknowledged events in sequence order
	cursor     int     // index of the next event to deliver
	checkpoint Sequence
	last       Sequence
	notify     chan struct{}

	pullErrs []error
	ackErrs  []error
	acks     []Sequence
}

// NewMemory creates an empty in-memory source
func NewMemory() *Memory {
	return &Memory{notify: make(chan struct{})}
}

// Publish appends a mutation and returns its sequence
func (m *Memory) Publish(key string, kind Kind, fields map[string]any) Sequence {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last++
	m.appendLocked(Event{
		Key:        key,
		Kind:       kind,
		Fields:     fields,
		Sequence:   m.last,
		ReceivedAt: time.Now(),
	})
	return m.last
}

// Append enqueues a fully formed event. Its sequence must be above every sequence seen so far.
func (m *Memory) Append(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Sequence <= m.last {
		return fmt.Errorf("sequence %d is not above %d", ev.Sequence, m.last)
	}
	m.last = ev.Sequence
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	m.appendLocked(ev)
	return nil
}

func (m *Memory) appendLocked(ev Event) {
	m.events = append(m.events, ev)
	close(m.notify)
	m.notify = make(chan struct{})
}

// Pull implements Source
func (m *Memory) Pull(ctx context.Context, max int, timeout time.Duration) ([]Event, error) {
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if len(m.pullErrs) > 0 {
			err := m.pullErrs[0]
			m.pullErrs = m.pullErrs[1:]
			m.mu.Unlock()
			return nil, unavailable("pull", err)
		}
		if m.cursor < len(m.events) {
			end := min(m.cursor+max, len(m.events))
			out := make([]Event, end-m.cursor)
			copy(out, m.events[m.cursor:end])
			m.cursor = end
			m.mu.Unlock()
			return out, nil
		}
		notify := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Acknowledge implements Source
func (m *Memory) Acknowledge(_ context.Context, upTo Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ackErrs) > 0 {
		err := m.ackErrs[0]
		m.ackErrs = m.ackErrs[1:]
		return unavailable("acknowledge", err)
	}
	if upTo < m.checkpoint {
		return conflict("acknowledge", fmt.Errorf("checkpoint %d is ahead of %d", m.checkpoint, upTo))
	}
	m.checkpoint = upTo
	m.acks = append(m.acks, upTo)
	drop := 0
	for drop < len(m.events) && m.events[drop].Sequence <= upTo {
		drop++
	}
	m.events = m.events[drop:]
	m.cursor = max(m.cursor-drop, 0)
	return nil
}

// Checkpoint implements Source
func (m *Memory) Checkpoint(context.Context) (Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, nil
}

// Close implements Source
func (m *Memory) Close() error { return nil }

// Restart forgets every delivery that was not acknowledged, as an adapter
// restarted from its checkpoint would.
func (m *Memory) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = 0
}

// FailPulls makes the next pulls fail with the given errors, in order
func (m *Memory) FailPulls(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pullErrs = append(m.pullErrs, errs...)
}

// FailAcks makes the next acknowledgments fail with the given errors, in order
func (m *Memory) FailAcks(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackErrs = append(m.ackErrs, errs...)
}

// Acks returns every successfully acknowledged sequence in call order
func (m *Memory) Acks() []Sequence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sequence(nil), m.acks...)
}

// Pending returns the number of events not yet acknowledged
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
