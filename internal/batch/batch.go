// Package batch accumulates mapped rows of one table and hands them to the
// writer in size or latency bounded windows.
package batch

import (
	"time"

	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// Batch is an ordered set of rows of one table. A primary key appears at most
// once; the rows it replaced are kept in Superseded and count as committed
// together with the batch.
type Batch struct {
	ID          uint64
	Table       string
	Rows        []mapping.Row
	Superseded  []mapping.Row
	MaxSequence source.Sequence
}

// Empty reports whether the batch carries no rows at all
func (b Batch) Empty() bool {
	return len(b.Rows) == 0 && len(b.Superseded) == 0
}

// MinSequence returns the lowest sequence the batch covers, or 0 for an empty batch
func (b Batch) MinSequence() source.Sequence {
	var lowest source.Sequence
	for _, rows := range [][]mapping.Row{b.Rows, b.Superseded} {
		for _, row := range rows {
			if lowest == 0 || row.Sequence < lowest {
				lowest = row.Sequence
			}
		}
	}
	return lowest
}

// Options bound a batching window
type Options struct {
	MaxRows    int
	MaxLatency time.Duration
}

// Batcher accumulates rows until a flush trigger fires. It is not safe for
// concurrent use; each connector owns its batcher.
type Batcher struct {
	table  string
	opts   Options
	rows   []mapping.Row
	oldest time.Time
	nextID uint64
	now    func() time.Time
}

// New creates a batcher for table
func New(table string, opts Options) *Batcher {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 1
	}
	return &Batcher{table: table, opts: opts, now: time.Now}
}

// Add appends row in observation order
func (b *Batcher) Add(row mapping.Row) {
	if len(b.rows) == 0 {
		b.oldest = b.now()
	}
	b.rows = append(b.rows, row)
}

// Len returns the number of rows waiting for a flush
func (b *Batcher) Len() int {
	return len(b.rows)
}

// Oldest returns the sequence of the oldest buffered row, or 0 when nothing is buffered
func (b *Batcher) Oldest() source.Sequence {
	if len(b.rows) == 0 {
		return 0
	}
	return b.rows[0].Sequence
}

// Deadline returns when the oldest buffered row reaches the latency bound.
// The zero time is returned when nothing is buffered.
func (b *Batcher) Deadline() time.Time {
	if len(b.rows) == 0 {
		return time.Time{}
	}
	return b.oldest.Add(b.opts.MaxLatency)
}

// Ready reports whether a flush trigger fired
func (b *Batcher) Ready(now time.Time) bool {
	if len(b.rows) == 0 {
		return false
	}
	return len(b.rows) >= b.opts.MaxRows || !now.Before(b.Deadline())
}

// Flush drains the buffered rows into a batch, keeping only the last row per
// primary key. Surviving rows keep their relative order.
func (b *Batcher) Flush() Batch {
	rows := b.rows
	b.rows = nil
	b.oldest = time.Time{}

	b.nextID++
	out := Batch{ID: b.nextID, Table: b.table}
	if len(rows) == 0 {
		return out
	}

	last := make(map[string]int, len(rows))
	for i, row := range rows {
		last[row.ID()] = i
		out.MaxSequence = max(out.MaxSequence, row.Sequence)
	}
	out.Rows = make([]mapping.Row, 0, len(last))
	for i, row := range rows {
		if last[row.ID()] == i {
			out.Rows = append(out.Rows, row)
		} else {
			out.Superseded = append(out.Superseded, row)
		}
	}
	return out
}
