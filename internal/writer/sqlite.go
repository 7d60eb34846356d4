package writer

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/source"
)

// SQLite writes batches into a SQLite database, one transaction per attempt
type SQLite struct {
	engine
	db *sql.DB
}

// OpenSQLite opens the SQLite database at path with the modernc.org/sqlite driver.
// A busy timeout lets concurrent writers wait for each other instead of failing.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	return conn, nil
}

// NewSQLite creates a SQLite writer
func NewSQLite(conn *sql.DB, opts Options) *SQLite {
	s := &SQLite{db: conn}
	s.engine = newEngine(s, opts)
	return s
}

func (s *SQLite) name() string { return "sqlite" }

func (s *SQLite) apply(ctx context.Context, rows []mapping.Row) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("failed to begin transaction: %w", err)
	}
	for i, row := range rows {
		query, args := SQLiteStatement(row)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return i, err
		}
	}
	if err := tx.Commit(); err != nil {
		return -1, fmt.Errorf("failed to commit: %w", err)
	}
	return -1, nil
}

// SQLiteStatement builds the statement applying row with SQLite UPSERT syntax
func SQLiteStatement(row mapping.Row) (string, []any) {
	table := quoteSQLite(row.Table)
	key := quoteSQLite(row.KeyColumn)

	if row.Op == source.Delete {
		return fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, key), []any{sqliteValue(row.PrimaryKey)}
	}

	names := row.ColumnNames()
	columns := []string{key}
	params := []string{"?"}
	sets := make([]string, 0, len(names))
	args := []any{sqliteValue(row.PrimaryKey)}
	for _, name := range names {
		column := quoteSQLite(name)
		columns = append(columns, column)
		params = append(params, "?")
		sets = append(sets, column+" = excluded."+column)
		args = append(args, sqliteValue(row.Columns[name]))
	}

	conflict := "DO NOTHING"
	if len(sets) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		table, strings.Join(columns, ", "), strings.Join(params, ", "), key, conflict), args
}

// quoteSQLite quotes an identifier that may be qualified with a schema
func quoteSQLite(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func sqliteValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return v
}

func (s *SQLite) classify(err error) Kind {
	return ClassifySQLite(err)
}

// ClassifySQLite treats a busy or locked database as transient and everything else as terminal
func ClassifySQLite(err error) Kind {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return Transient
		}
		return Terminal
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Terminal
}
