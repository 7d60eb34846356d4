// Package source defines the change source capability consumed by the
// synchronization engine and ships the adapters kvsync can pull mutations from.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the kind of a keyspace mutation
type Kind int

const (
	// Upsert creates or replaces the record stored under a key
	Upsert Kind = iota + 1
	// Delete removes the record stored under a key
	Delete
)

func (k Kind) String() string {
	switch k {
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText renders the kind by name in JSON documents
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind parses the textual representation produced by Kind.String
func ParseKind(s string) (Kind, error) {
	switch s {
	case "upsert":
		return Upsert, nil
	case "delete":
		return Delete, nil
	}
	return 0, fmt.Errorf("unknown mutation kind %q", s)
}

// Sequence is the monotonic, source-assigned position of a mutation. Ordering and
// idempotency are always decided on the sequence, never on wall-clock time.
type Sequence int64

// Event is a single keyspace mutation. Events are immutable once created.
type Event struct {
	Key        string
	Kind       Kind
	Fields     map[string]any
	Sequence   Sequence
	Version    string // mapping version declared by the producer, empty means current
	ReceivedAt time.Time
}

// Source yields an ordered, durable sequence of mutations and accepts
// acknowledgments once they are durably applied downstream.
type Source interface {
	// Pull blocks up to timeout and returns at most max events. It returns fewer
	// events (possibly none) when the source is momentarily empty.
	Pull(ctx context.Context, max int, timeout time.Duration) ([]Event, error)
	// Acknowledge persists upTo as the checkpoint and releases every event at or below it.
	Acknowledge(ctx context.Context, upTo Sequence) error
	// Checkpoint returns the highest acknowledged sequence
	Checkpoint(ctx context.Context) (Sequence, error)
	Close() error
}

// AdapterReason classifies adapter failures
type AdapterReason int

const (
	// Unavailable means the source could not be reached; the operation may succeed later
	Unavailable AdapterReason = iota + 1
	// CheckpointConflict means the persisted checkpoint is ahead of the requested one
	CheckpointConflict
)

func (r AdapterReason) String() string {
	switch r {
	case Unavailable:
		return "unavailable"
	case CheckpointConflict:
		return "checkpoint conflict"
	default:
		return "unknown"
	}
}

// AdapterError is returned by Source implementations
type AdapterError struct {
	Reason AdapterReason
	Op     string
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("source %s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func unavailable(op string, err error) error {
	return &AdapterError{Reason: Unavailable, Op: op, Err: err}
}

func conflict(op string, err error) error {
	return &AdapterError{Reason: CheckpointConflict, Op: op, Err: err}
}

// IsConflict reports whether err is a checkpoint conflict
func IsConflict(err error) bool {
	var aerr *AdapterError
	return errors.As(err, &aerr) && aerr.Reason == CheckpointConflict
}
