// Package writer applies batches of mapped rows to a backing store.
package writer

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/kvsync/internal/batch"
	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/retry"
	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// Writer applies a batch to the backing store
type Writer interface {
	Write(ctx context.Context, b batch.Batch) (Result, error)
}

// Failure is a row the store refused for good
type Failure struct {
	Row mapping.Row
	Err *WriteError
}

// Result reports the outcome of one Write. Every sequence up to CommittedUpTo is
// either durably applied or listed in Failures.
type Result struct {
	CommittedUpTo source.Sequence
	Applied       int
	Failures      []Failure
}

// Options are shared by every writer implementation
type Options struct {
	Locks *KeyLocks     // shared by all writers of one store
	Retry *retry.Config // in-writer retry of transient failures
}

// backend applies rows as one atomic unit. On failure it returns the index of
// the failing row, or -1 when the failure is not attributable to a row.
type backend interface {
	apply(ctx context.Context, rows []mapping.Row) (int, error)
	classify(err error) Kind
	name() string
}

type engine struct {
	be    backend
	locks *KeyLocks
	retry *retry.Config
}

func newEngine(be backend, opts Options) engine {
	if opts.Locks == nil {
		opts.Locks = NewKeyLocks()
	}
	return engine{be: be, locks: opts.Locks, retry: opts.Retry.WithDefaults(retry.WriterDefaults())}
}

// Write implements Writer. Transient failures are retried with backoff; once the
// budget is exhausted a Transient *WriteError is returned and nothing is
// committed. A terminal failure isolates the failing row and the rest of the
// batch is written as a new unit.
func (e *engine) Write(ctx context.Context, b batch.Batch) (Result, error) {
	res := Result{}
	if len(b.Rows) == 0 {
		res.CommittedUpTo = b.MaxSequence
		return res, nil
	}

	ids := make([]string, len(b.Rows))
	for i, row := range b.Rows {
		ids[i] = row.ID()
	}
	unlock, err := e.locks.Lock(ctx, ids)
	if err != nil {
		return res, &WriteError{Kind: Transient, Err: fmt.Errorf("failed to lock rows: %w", err)}
	}
	defer unlock()

	logger := logrus.WithFields(logrus.Fields{
		"store": e.be.name(),
		"table": b.Table,
		"batch": b.ID,
	})
	remaining := b.Rows
	for len(remaining) > 0 {
		failedAt := -1
		err := retry.WithClassifier(ctx, e.retry, func(ctx context.Context) error {
			var err error
			failedAt, err = e.be.apply(ctx, remaining)
			return err
		}, "write batch", func(err error) bool { return e.be.classify(err) == Transient })
		if err == nil {
			break
		}

		kind := e.be.classify(err)
		if kind == Transient || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.WithError(err).Error("Transient write failure persisted after retries")
			return Result{}, &WriteError{Kind: Transient, Err: err}
		}

		if failedAt < 0 {
			for _, row := range remaining {
				res.Failures = append(res.Failures, Failure{Row: row, Err: &WriteError{Kind: Terminal, Err: err}})
			}
			logger.WithError(err).WithField("rows", len(remaining)).Warn("Batch rejected by store")
			remaining = nil
			break
		}

		failed := remaining[failedAt]
		logger.WithError(err).WithFields(logrus.Fields{
			"primary_key": failed.PrimaryKey,
			"sequence":    failed.Sequence,
		}).Warn("Row rejected by store")
		res.Failures = append(res.Failures, Failure{Row: failed, Err: &WriteError{Kind: Terminal, Err: err}})
		next := make([]mapping.Row, 0, len(remaining)-1)
		next = append(next, remaining[:failedAt]...)
		remaining = append(next, remaining[failedAt+1:]...)
	}

	res.Applied = len(b.Rows) - len(res.Failures)
	res.CommittedUpTo = b.MaxSequence
	logger.WithFields(logrus.Fields{
		"applied":  res.Applied,
		"failed":   len(res.Failures),
		"sequence": res.CommittedUpTo,
	}).Debug("Batch written")
	return res, nil
}
