package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/kvsync/internal/batch"
	"github.com/cybertec-postgresql/kvsync/internal/deadletter"
	"github.com/cybertec-postgresql/kvsync/internal/mapping"
)

// ReplayResult counts the outcome of a replay
type ReplayResult struct {
	Replayed int `json:"replayed"`
	Rejected int `json:"rejected"` // still failing, left for the next replay
}

// DeadLetters lists the dead-lettered events of the connector
func (c *Connector) DeadLetters(ctx context.Context, limit int, includeReplayed bool) ([]deadletter.Record, error) {
	return c.dlq.List(ctx, c.cfg.Name, limit, includeReplayed)
}

// Replay resolves pending dead letters with the current mapping and writes the
// ones that resolve now. Written records are marked replayed. Replay may run
// while the connector runs; the writer key locks order it against live batches.
func (c *Connector) Replay(ctx context.Context, limit int) (ReplayResult, error) {
	var res ReplayResult
	records, err := c.dlq.List(ctx, c.cfg.Name, limit, false)
	if err != nil {
		return res, fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(records) == 0 {
		return res, nil
	}

	type ref struct {
		id  int64
		row string
	}
	b := batch.New(c.cfg.Mapping.Table, batch.Options{MaxRows: len(records)})
	refs := make([]ref, 0, len(records))
	for _, rec := range records {
		if rec.Reason == deadletter.ReasonSource {
			// never became an event, only an operator can repair it
			res.Rejected++
			continue
		}
		row, err := mapping.Resolve(rec.Event(), c.cfg.Mapping)
		if err != nil {
			res.Rejected++
			c.logger.WithError(err).WithField("dead_letter", rec.ID).Debug("Dead letter still does not map")
			continue
		}
		b.Add(row)
		refs = append(refs, ref{id: rec.ID, row: row.ID()})
	}
	if len(refs) == 0 {
		return res, nil
	}

	out, err := c.w.Write(ctx, b.Flush())
	if err != nil {
		return res, fmt.Errorf("failed to replay dead letters: %w", err)
	}
	// a rejected row also leaves the records it superseded unapplied
	failed := make(map[string]bool, len(out.Failures))
	for _, f := range out.Failures {
		failed[f.Row.ID()] = true
	}
	ids := make([]int64, 0, len(refs))
	for _, r := range refs {
		if failed[r.row] {
			res.Rejected++
			continue
		}
		ids = append(ids, r.id)
	}
	if err := c.dlq.MarkReplayed(ctx, ids); err != nil {
		return res, fmt.Errorf("failed to mark dead letters replayed: %w", err)
	}
	res.Replayed = len(ids)

	c.logger.WithFields(logrus.Fields{
		"replayed": res.Replayed,
		"rejected": res.Rejected,
	}).Info("Dead letters replayed")
	return res, nil
}
