// Package deadletter keeps the events kvsync could not apply so that an operator
// can inspect them and replay them after a fix.
package deadletter

import (
	"context"
	"time"

	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// Reason is the stage that rejected an event
type Reason string

const (
	// ReasonMapping marks events the mapping resolver rejected
	ReasonMapping Reason = "mapping"
	// ReasonWrite marks rows the backing store rejected
	ReasonWrite Reason = "write"
	// ReasonSource marks change source entries that could not be decoded into events
	ReasonSource Reason = "source"
)

// Record is one dead-lettered event
type Record struct {
	ID         int64           `json:"id"`
	Connector  string          `json:"connector"`
	Key        string          `json:"key"`
	Sequence   source.Sequence `json:"sequence"`
	Kind       source.Kind     `json:"kind"`
	Fields     map[string]any  `json:"fields,omitempty"`
	Version    string          `json:"version,omitempty"`
	Reason     Reason          `json:"reason"`
	Error      string          `json:"error"`
	CreatedAt  time.Time       `json:"created_at"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
}

// Event rebuilds the source event of the record
func (r Record) Event() source.Event {
	return source.Event{
		Key:        r.Key,
		Kind:       r.Kind,
		Fields:     r.Fields,
		Sequence:   r.Sequence,
		Version:    r.Version,
		ReceivedAt: r.CreatedAt,
	}
}

// New creates the record of ev rejected with err
func New(connector string, ev source.Event, reason Reason, err error) Record {
	rec := Record{
		Connector: connector,
		Key:       ev.Key,
		Sequence:  ev.Sequence,
		Kind:      ev.Kind,
		Fields:    ev.Fields,
		Version:   ev.Version,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// Store persists dead-letter records
type Store interface {
	// Put durably stores records; either all of them are stored or none. A record
	// whose connector, sequence and key are already stored is skipped.
	Put(ctx context.Context, records []Record) error
	// List returns up to limit records of connector in insertion order
	List(ctx context.Context, connector string, limit int, includeReplayed bool) ([]Record, error)
	// MarkReplayed flags records as successfully replayed
	MarkReplayed(ctx context.Context, ids []int64) error
}
