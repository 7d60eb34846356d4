package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/kvsync/internal/batch"
)

// Mode is the consistency contract of a connector
type Mode string

const (
	// WriteBehind acknowledges mutations after a size or latency bounded window is written
	WriteBehind Mode = "write-behind"
	// WriteThrough writes and acknowledges every mutation before the next one is pulled
	WriteThrough Mode = "write-through"
)

// ParseMode parses a consistency mode, the empty string selects write-behind
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", WriteBehind:
		return WriteBehind, nil
	case WriteThrough:
		return WriteThrough, nil
	}
	return "", fmt.Errorf("unknown consistency mode %q", s)
}

// Default write-behind window
const (
	DefaultMaxBatchRows = 500
	DefaultMaxLatency   = time.Second
	DefaultPullTimeout  = time.Second
)

// Policy shapes the batching window and the pull cadence of a connector
type Policy struct {
	Mode         Mode
	MaxBatchRows int
	MaxLatency   time.Duration
	PullTimeout  time.Duration
}

// NewPolicy builds the policy of mode. Zero values take the defaults; a
// write-through policy ignores the window and always uses one row.
func NewPolicy(mode Mode, maxRows int, maxLatency, pullTimeout time.Duration) (Policy, error) {
	if maxRows < 0 || maxLatency < 0 || pullTimeout < 0 {
		return Policy{}, errors.New("batch window and pull timeout must not be negative")
	}
	if pullTimeout == 0 {
		pullTimeout = DefaultPullTimeout
	}
	switch mode {
	case WriteThrough:
		return Policy{Mode: mode, MaxBatchRows: 1, MaxLatency: 0, PullTimeout: pullTimeout}, nil
	case WriteBehind:
		if maxRows == 0 {
			maxRows = DefaultMaxBatchRows
		}
		if maxLatency == 0 {
			maxLatency = DefaultMaxLatency
		}
		return Policy{Mode: mode, MaxBatchRows: maxRows, MaxLatency: maxLatency, PullTimeout: pullTimeout}, nil
	}
	return Policy{}, fmt.Errorf("unknown consistency mode %q", mode)
}

// BatchOptions returns the batcher window of the policy
func (p Policy) BatchOptions() batch.Options {
	return batch.Options{MaxRows: p.MaxBatchRows, MaxLatency: p.MaxLatency}
}

// pullSize returns how many events to ask for when buffered rows wait in the batcher
func (p Policy) pullSize(buffered int) int {
	return max(p.MaxBatchRows-buffered, 1)
}

// pullTimeout shortens the pull timeout to the flush deadline of buffered rows
func (p Policy) pullTimeout(now, deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return p.PullTimeout
	}
	return max(min(deadline.Sub(now), p.PullTimeout), 0)
}
