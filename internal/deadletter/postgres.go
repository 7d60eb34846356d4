package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/kvsync/internal/db"
	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// Postgres stores dead letters in the kvsync_dead_letter table
type Postgres struct {
	conn db.PgxIface
}

// NewPostgres creates a PostgreSQL backed Store. The table is created by the kvsync migrations.
func NewPostgres(conn db.PgxIface) *Postgres {
	return &Postgres{conn: conn}
}

const insertRecord = `INSERT INTO kvsync_dead_letter
	(connector, key, sequence, kind, fields, version, reason, error, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (connector, sequence, key) DO NOTHING`

// Put implements Store
func (p *Postgres) Put(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for _, rec := range records {
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields of %s: %w", rec.Key, err)
		}
		b.Queue(insertRecord, rec.Connector, rec.Key, int64(rec.Sequence), rec.Kind.String(),
			string(fields), rec.Version, string(rec.Reason), rec.Error, rec.CreatedAt)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("failed to store dead letters: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit dead letters: %w", err)
	}

	logrus.WithField("count", len(records)).Debug("Stored dead letters in PostgreSQL")
	return nil
}

// List implements Store
func (p *Postgres) List(ctx context.Context, connector string, limit int, includeReplayed bool) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, connector, key, sequence, kind, fields, version, reason, error, created_at, replayed_at
		FROM kvsync_dead_letter
		WHERE connector = $1 AND ($2 OR replayed_at IS NULL)
		ORDER BY id
		LIMIT $3`

	rows, err := p.conn.Query(ctx, query, connector, includeReplayed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			sequence int64
			kind     string
			reason   string
			fields   []byte
		)
		err := rows.Scan(&rec.ID, &rec.Connector, &rec.Key, &sequence, &kind, &fields,
			&rec.Version, &reason, &rec.Error, &rec.CreatedAt, &rec.ReplayedAt)
		if err != nil {
			return nil, fmt.Errorf("error scanning dead letter: %w", err)
		}
		rec.Sequence = source.Sequence(sequence)
		rec.Reason = Reason(reason)
		// undecodable source entries may lack a valid kind
		if rec.Kind, err = source.ParseKind(kind); err != nil && rec.Reason != ReasonSource {
			return nil, fmt.Errorf("dead letter %d: %w", rec.ID, err)
		}
		if rec.Fields, err = decodeFields(fields); err != nil {
			return nil, fmt.Errorf("dead letter %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return records, nil
}

func decodeFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("invalid fields: %w", err)
	}
	return fields, nil
}

// MarkReplayed implements Store
func (p *Postgres) MarkReplayed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.conn.Exec(ctx, `UPDATE kvsync_dead_letter SET replayed_at = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to mark dead letters replayed: %w", err)
	}
	return nil
}
