// Package sync runs the connectors that keep backing store tables consistent
// with the keyspaces of a change source.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/kvsync/internal/batch"
	"github.com/cybertec-postgresql/kvsync/internal/deadletter"
	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/metrics"
	"github.com/cybertec-postgresql/kvsync/internal/retry"
	"github.com/cybertec-postgresql/kvsync/internal/source"
	"github.com/cybertec-postgresql/kvsync/internal/writer"
)

// Connector defaults
const (
	DefaultTerminalThreshold = 5
	DefaultShutdownTimeout   = 30 * time.Second
)

var (
	// ErrNotHalted is returned by Reset when the connector is not halted
	ErrNotHalted = errors.New("connector is not halted")
	// ErrRunning is returned by Run when the connector already runs
	ErrRunning = errors.New("connector is already running")
)

// Config is the immutable configuration of one connector
type Config struct {
	Name              string
	Mapping           *mapping.Mapping
	Policy            Policy
	Retry             *retry.Config // connector level retry of transient failures
	TerminalThreshold int           // consecutive batches with rejected rows before halting
	ShutdownTimeout   time.Duration // bound of the write in flight when the connector stops
}

// Deps are the collaborators of a connector
type Deps struct {
	Source      source.Source
	Writer      writer.Writer
	DeadLetters deadletter.Store
	Metrics     *metrics.Metrics
}

// haltError marks failures that no retry can fix
type haltError struct {
	err error
}

func (e *haltError) Error() string { return e.err.Error() }
func (e *haltError) Unwrap() error { return e.err }

func halt(err error) error {
	return &haltError{err: err}
}

// Connector drives one keyspace into one table: it pulls events, maps them to
// rows, batches and writes them, and acknowledges the source only once every
// event up to the acknowledged sequence is durably written or dead-lettered.
type Connector struct {
	cfg     Config
	src     source.Source
	w       writer.Writer
	dlq     deadletter.Store
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time

	running atomic.Bool
	reset   chan struct{}
	status  atomic.Pointer[Status]

	// owned by the Run goroutine
	loaded      bool
	batcher     *batch.Batcher
	pending     []source.Event      // pulled, not mapped yet
	inflight    *batch.Batch        // flushed, not written yet
	rejected    []deadletter.Record // written or mapped, not stored as dead letters yet
	seen        source.Sequence     // highest sequence pulled
	acked       source.Sequence
	terminalRun int
}

// NewConnector creates a stopped connector
func NewConnector(cfg Config, deps Deps) (*Connector, error) {
	if cfg.Name == "" {
		return nil, errors.New("connector name is required")
	}
	if cfg.Mapping == nil {
		return nil, fmt.Errorf("connector %q has no mapping", cfg.Name)
	}
	if deps.Source == nil || deps.Writer == nil || deps.DeadLetters == nil {
		return nil, fmt.Errorf("connector %q needs a source, a writer and a dead-letter store", cfg.Name)
	}
	if cfg.Policy.Mode == "" {
		policy, err := NewPolicy(WriteBehind, 0, 0, 0)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
	}
	cfg.Retry = cfg.Retry.WithDefaults(retry.ConnectorDefaults())
	if cfg.TerminalThreshold <= 0 {
		cfg.TerminalThreshold = DefaultTerminalThreshold
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}

	c := &Connector{
		cfg:     cfg,
		src:     deps.Source,
		w:       deps.Writer,
		dlq:     deps.DeadLetters,
		metrics: deps.Metrics,
		logger: logrus.WithFields(logrus.Fields{
			"connector": cfg.Name,
			"table":     cfg.Mapping.Table,
		}),
		now:     time.Now,
		reset:   make(chan struct{}, 1),
		batcher: batch.New(cfg.Mapping.Table, cfg.Policy.BatchOptions()),
	}
	c.status.Store(&Status{
		Name:      cfg.Name,
		Table:     cfg.Mapping.Table,
		Mode:      cfg.Policy.Mode,
		State:     Stopped,
		UpdatedAt: c.now(),
	})
	return c, nil
}

// Name returns the connector name
func (c *Connector) Name() string {
	return c.cfg.Name
}

// Status returns the current status of the connector
func (c *Connector) Status() Status {
	return *c.status.Load()
}

// update applies fn to a copy of the status. Only the Run goroutine writes.
func (c *Connector) update(fn func(*Status)) {
	s := *c.status.Load()
	fn(&s)
	s.UpdatedAt = c.now()
	c.status.Store(&s)
}

func (c *Connector) setState(state State) {
	if c.status.Load().State == state {
		return
	}
	c.update(func(s *Status) {
		s.State = state
		if state != Retrying {
			s.Attempt = 0
		}
	})
}

// Reset resumes a halted connector. Buffered and in-flight data is retried.
func (c *Connector) Reset() error {
	if c.Status().State != Halted {
		return fmt.Errorf("%w: %s", ErrNotHalted, c.cfg.Name)
	}
	select {
	case c.reset <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the connector until ctx is cancelled. A connector that cannot make
// progress halts and waits for Reset; Run only returns when ctx is done.
func (c *Connector) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrRunning, c.cfg.Name)
	}
	defer c.running.Store(false)

	c.logger.WithField("mode", c.cfg.Policy.Mode).Info("Connector started")
	c.setState(Idle)
	defer func() {
		c.setState(Stopped)
		c.logger.WithField("committed", c.acked).Info("Connector stopped")
	}()

	backoff := c.cfg.Retry.CreateBackoff()
	attempt := 0
	for ctx.Err() == nil {
		err := c.step(ctx)
		if err == nil {
			if attempt > 0 {
				attempt = 0
				backoff = c.cfg.Retry.CreateBackoff()
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		var herr *haltError
		if !errors.As(err, &herr) {
			attempt++
			delay, stop := backoff.Next()
			if !stop {
				c.retrying(attempt, delay, err)
				if !sleep(ctx, delay) {
					return nil
				}
				continue
			}
			err = fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		if !c.halted(ctx, err) {
			return nil
		}
		attempt = 0
		backoff = c.cfg.Retry.CreateBackoff()
	}
	return nil
}

func (c *Connector) retrying(attempt int, delay time.Duration, err error) {
	c.metrics.WriteRetries.WithLabelValues(c.cfg.Name).Inc()
	c.update(func(s *Status) {
		s.State = Retrying
		s.Attempt = attempt
	})
	c.logger.WithError(err).WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
	}).Warn("Connector step failed, retrying...")
}

// halted parks the connector until Reset or cancellation
func (c *Connector) halted(ctx context.Context, reason error) bool {
	c.metrics.Halted.WithLabelValues(c.cfg.Name).Set(1)
	c.update(func(s *Status) {
		s.State = Halted
		s.Attempt = 0
		s.HaltReason = reason.Error()
	})
	c.logger.WithError(reason).WithField("committed", c.acked).Error("Connector halted, waiting for reset")

	select {
	case <-ctx.Done():
		return false
	case <-c.reset:
	}

	c.terminalRun = 0
	c.metrics.Halted.WithLabelValues(c.cfg.Name).Set(0)
	c.update(func(s *Status) {
		s.State = Idle
		s.HaltReason = ""
	})
	c.logger.Info("Connector reset")
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// step runs one pass of the pipeline. Outstanding work is finished before
// anything new is pulled, so a nil return means nothing failed is left behind.
func (c *Connector) step(ctx context.Context) error {
	if !c.loaded {
		checkpoint, err := c.src.Checkpoint(ctx)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		c.acked, c.seen, c.loaded = checkpoint, checkpoint, true
		c.metrics.CommittedSequence.WithLabelValues(c.cfg.Name).Set(float64(checkpoint))
		c.update(func(s *Status) { s.CommittedUpTo = checkpoint })
	}

	if len(c.pending) > 0 {
		if err := c.mapPending(ctx); err != nil {
			return err
		}
	}
	if c.inflight == nil && c.batcher.Ready(c.now()) {
		b := c.batcher.Flush()
		c.inflight = &b
	}

	// a batch that started writing is finished and acknowledged even when ctx is cancelled
	dctx, cancel := c.detach(ctx)
	defer cancel()
	if c.inflight != nil {
		if err := c.write(dctx); err != nil {
			return err
		}
	}
	if len(c.rejected) > 0 {
		if err := c.storeRejected(dctx); err != nil {
			return err
		}
	}
	if err := c.acknowledge(dctx); err != nil {
		return err
	}
	if c.terminalRun > c.cfg.TerminalThreshold {
		return halt(fmt.Errorf("%d consecutive batches had rows rejected by the store", c.terminalRun))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return c.pull(ctx)
}

// detach returns a context that survives the cancellation of ctx for at most the shutdown timeout
func (c *Connector) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(c.cfg.ShutdownTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-dctx.Done():
		}
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

func (c *Connector) pull(ctx context.Context) error {
	c.setState(Pulling)
	timeout := c.cfg.Policy.pullTimeout(c.now(), c.batcher.Deadline())
	events, err := c.src.Pull(ctx, c.cfg.Policy.pullSize(c.batcher.Len()), timeout)
	if err != nil {
		return fmt.Errorf("failed to pull events: %w", err)
	}

	fresh := events[:0]
	for _, ev := range events {
		if ev.Sequence <= c.seen {
			c.logger.WithFields(logrus.Fields{
				"key":      ev.Key,
				"sequence": ev.Sequence,
			}).Debug("Skipping event already seen")
			continue
		}
		c.seen = ev.Sequence
		fresh = append(fresh, ev)
	}
	if len(fresh) == 0 {
		c.setState(Idle)
		return nil
	}
	c.metrics.EventsPulled.WithLabelValues(c.cfg.Name).Add(float64(len(fresh)))
	c.pending = fresh
	return nil
}

func (c *Connector) mapPending(ctx context.Context) error {
	c.setState(Mapping)
	rows := make([]mapping.Row, 0, len(c.pending))
	var rejected []deadletter.Record
	for _, ev := range c.pending {
		row, err := mapping.Resolve(ev, c.cfg.Mapping)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"key":      ev.Key,
				"sequence": ev.Sequence,
			}).Warn("Event rejected by mapping")
			rejected = append(rejected, deadletter.New(c.cfg.Name, ev, deadletter.ReasonMapping, err))
			continue
		}
		rows = append(rows, row)
	}
	if len(rejected) > 0 {
		if err := c.dlq.Put(ctx, rejected); err != nil {
			return fmt.Errorf("failed to dead-letter %d events: %w", len(rejected), err)
		}
		c.deadLettered(rejected)
	}

	c.setState(Batching)
	for _, row := range rows {
		c.batcher.Add(row)
	}
	c.pending = nil
	return nil
}

func (c *Connector) write(ctx context.Context) error {
	b := *c.inflight
	c.setState(Writing)
	start := time.Now()
	res, err := c.w.Write(ctx, b)
	c.metrics.BatchDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to write batch %d: %w", b.ID, err)
	}
	c.inflight = nil

	failed := make(map[source.Kind]int, 2)
	for _, f := range res.Failures {
		failed[f.Row.Op]++
		c.rejected = append(c.rejected, deadletter.New(c.cfg.Name, f.Row.Event, deadletter.ReasonWrite, f.Err))
	}
	written := make(map[source.Kind]int, 2)
	for _, row := range b.Rows {
		written[row.Op]++
	}
	for op, n := range written {
		if n -= failed[op]; n > 0 {
			c.metrics.RowsWritten.WithLabelValues(c.cfg.Name, op.String()).Add(float64(n))
		}
	}
	c.metrics.RowsCoalesced.WithLabelValues(c.cfg.Name).Add(float64(len(b.Superseded)))

	if len(res.Failures) > 0 {
		c.terminalRun++
	} else {
		c.terminalRun = 0
	}
	c.update(func(s *Status) { s.LastBatchID = b.ID })
	c.logger.WithFields(logrus.Fields{
		"batch":      b.ID,
		"rows":       len(b.Rows),
		"superseded": len(b.Superseded),
		"failed":     len(res.Failures),
		"sequence":   b.MaxSequence,
	}).Debug("Batch written")
	return nil
}

func (c *Connector) storeRejected(ctx context.Context) error {
	if err := c.dlq.Put(ctx, c.rejected); err != nil {
		return fmt.Errorf("failed to dead-letter %d rows: %w", len(c.rejected), err)
	}
	c.deadLettered(c.rejected)
	c.rejected = nil
	return nil
}

func (c *Connector) deadLettered(records []deadletter.Record) {
	for _, rec := range records {
		c.metrics.DeadLettered.WithLabelValues(c.cfg.Name, string(rec.Reason)).Inc()
	}
	c.update(func(s *Status) { s.DeadLettered += int64(len(records)) })
}

// ackable returns the highest sequence below every event still waiting to be
// mapped, written or dead-lettered
func (c *Connector) ackable() source.Sequence {
	upTo := c.seen
	below := func(seq source.Sequence) {
		if seq > 0 && seq-1 < upTo {
			upTo = seq - 1
		}
	}
	if len(c.pending) > 0 {
		below(c.pending[0].Sequence)
	}
	below(c.batcher.Oldest())
	if c.inflight != nil {
		below(c.inflight.MinSequence())
	}
	for _, rec := range c.rejected {
		below(rec.Sequence)
	}
	return upTo
}

func (c *Connector) acknowledge(ctx context.Context) error {
	upTo := c.ackable()
	if upTo <= c.acked {
		return nil
	}
	c.setState(Acknowledging)
	if err := c.src.Acknowledge(ctx, upTo); err != nil {
		err = fmt.Errorf("failed to acknowledge sequence %d: %w", upTo, err)
		if source.IsConflict(err) {
			return halt(err)
		}
		return err
	}
	c.acked = upTo
	c.metrics.CommittedSequence.WithLabelValues(c.cfg.Name).Set(float64(upTo))
	c.update(func(s *Status) { s.CommittedUpTo = upTo })
	c.logger.WithField("sequence", upTo).Debug("Checkpoint advanced")
	return nil
}
