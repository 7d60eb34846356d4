package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/kvsync/internal/db"
	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// Postgres writes batches into PostgreSQL. Every attempt is one transaction with
// the statements pipelined in a pgx.Batch.
type Postgres struct {
	engine
	conn db.PgxIface
}

// NewPostgres creates a PostgreSQL writer on top of a pool or connection
func NewPostgres(conn db.PgxIface, opts Options) *Postgres {
	p := &Postgres{conn: conn}
	p.engine = newEngine(p, opts)
	return p
}

func (p *Postgres) name() string { return "postgresql" }

func (p *Postgres) apply(ctx context.Context, rows []mapping.Row) (int, error) {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to begin transaction: %w", err)
	}

	b := &pgx.Batch{}
	for _, row := range rows {
		query, args := PostgresStatement(row)
		b.Queue(query, args...)
	}

	results := tx.SendBatch(ctx, b)
	for i := range rows {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			p.rollback(ctx, tx)
			return i, err
		}
	}
	if err := results.Close(); err != nil {
		p.rollback(ctx, tx)
		return -1, err
	}
	if err := tx.Commit(ctx); err != nil {
		return -1, fmt.Errorf("failed to commit: %w", err)
	}
	return -1, nil
}

func (p *Postgres) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logrus.WithError(err).Debug("Rollback failed")
	}
}

// PostgresStatement builds the statement applying row. Upserts never create a
// second row for a key and deleting an absent key affects nothing.
func PostgresStatement(row mapping.Row) (string, []any) {
	table := pgx.Identifier(strings.Split(row.Table, ".")).Sanitize()
	key := pgx.Identifier{row.KeyColumn}.Sanitize()

	if row.Op == source.Delete {
		return fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table, key), []any{pgValue(row.PrimaryKey)}
	}

	names := row.ColumnNames()
	columns := []string{key}
	params := []string{"$1"}
	sets := make([]string, 0, len(names))
	args := []any{pgValue(row.PrimaryKey)}
	for i, name := range names {
		column := pgx.Identifier{name}.Sanitize()
		columns = append(columns, column)
		params = append(params, fmt.Sprintf("$%d", i+2))
		sets = append(sets, column+" = EXCLUDED."+column)
		args = append(args, pgValue(row.Columns[name]))
	}

	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		table, strings.Join(columns, ", "), strings.Join(params, ", "), key, conflict), args
}

// pgValue sends every scalar in text format and lets the server cast it to the
// column type, so keyspace strings fit typed columns.
func pgValue(v any) any {
	switch x := v.(type) {
	case nil, string, []byte:
		return v
	case json.Number:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

// classify implements backend for PostgreSQL errors
func (p *Postgres) classify(err error) Kind {
	return ClassifyPostgres(err)
}

// ClassifyPostgres tells transient PostgreSQL failures from terminal ones
func ClassifyPostgres(err error) Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "53300", "57014":
			// serialization failure, deadlock, lock timeout, too many connections, statement timeout
			return Transient
		}
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") {
			return Transient
		}
		return Terminal
	}

	var netErr net.Error
	var connectErr *pgconn.ConnectError
	switch {
	case pgconn.Timeout(err), pgconn.SafeToRetry(err),
		errors.As(err, &netErr), errors.As(err, &connectErr),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return Transient
	}
	return Terminal
}
