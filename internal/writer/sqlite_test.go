package writer

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/kvsync/internal/batch"
	"github.com/cybertec-postgresql/kvsync/internal/mapping"
	"github.com/cybertec-postgresql/kvsync/internal/source"
)

func openObjectInstances(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := OpenSQLite(filepath.Join(t.TempDir(), "kvsync.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Exec(`CREATE TABLE object_instances (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id INTEGER
	)`)
	require.NoError(t, err)
	return conn
}

type objectInstance struct {
	Name     string
	ParentID sql.NullInt64
}

func readObject(t *testing.T, conn *sql.DB, id int) (objectInstance, bool) {
	t.Helper()
	var o objectInstance
	err := conn.QueryRow(`SELECT name, parent_id FROM object_instances WHERE id = ?`, id).Scan(&o.Name, &o.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return o, false
	}
	require.NoError(t, err)
	return o, true
}

func TestSQLiteStatement(t *testing.T) {
	query, args := SQLiteStatement(upsertRow(1, 1, map[string]any{"name": "Sword", "parent_id": 7}))
	assert.Equal(t, `INSERT INTO "object_instances" ("id", "name", "parent_id") VALUES (?, ?, ?) `+
		`ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name", "parent_id" = excluded."parent_id"`, query)
	assert.Equal(t, []any{1, "Sword", 7}, args)

	query, _ = SQLiteStatement(deleteRow(1, 2))
	assert.Equal(t, `DELETE FROM "object_instances" WHERE "id" = ?`, query)
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	conn := openObjectInstances(t)
	w := NewSQLite(conn, Options{Retry: fastRetry})
	ctx := context.Background()

	b := batch.Batch{
		Table:       "object_instances",
		Rows:        []mapping.Row{upsertRow("1", 1, map[string]any{"name": "Sword", "parent_id": "7"})},
		MaxSequence: 1,
	}
	for i := 0; i < 2; i++ {
		res, err := w.Write(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, source.Sequence(1), res.CommittedUpTo)
	}

	var count int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM object_instances`).Scan(&count))
	assert.Equal(t, 1, count)
	o, ok := readObject(t, conn, 1)
	require.True(t, ok)
	assert.Equal(t, "Sword", o.Name)
	assert.Equal(t, int64(7), o.ParentID.Int64)

	// partial record only touches the columns it carries
	_, err := w.Write(ctx, batch.Batch{Rows: []mapping.Row{upsertRow(1, 2, map[string]any{"name": "Axe"})}, MaxSequence: 2})
	require.NoError(t, err)
	o, _ = readObject(t, conn, 1)
	assert.Equal(t, "Axe", o.Name)
	assert.Equal(t, int64(7), o.ParentID.Int64)
}

func TestSQLiteDeleteAbsentIsNoop(t *testing.T) {
	conn := openObjectInstances(t)
	w := NewSQLite(conn, Options{Retry: fastRetry})
	for i := 0; i < 2; i++ {
		res, err := w.Write(context.Background(), batch.Batch{Rows: []mapping.Row{deleteRow(42, 5)}, MaxSequence: 5})
		require.NoError(t, err)
		assert.Empty(t, res.Failures)
		assert.Equal(t, source.Sequence(5), res.CommittedUpTo)
	}
}

func TestSQLiteIsolatesTerminalRows(t *testing.T) {
	conn := openObjectInstances(t)
	w := NewSQLite(conn, Options{Retry: fastRetry})

	res, err := w.Write(context.Background(), batch.Batch{
		Table: "object_instances",
		Rows: []mapping.Row{
			upsertRow(1, 1, map[string]any{"name": "Sword"}),
			upsertRow(2, 2, map[string]any{"parent_id": 1}),                  // violates NOT NULL
			upsertRow(3, 3, map[string]any{"name": "Shield", "color": "red"}), // schema drift
			upsertRow(4, 4, map[string]any{"name": "Bow"}),
		},
		MaxSequence: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, source.Sequence(4), res.CommittedUpTo)
	assert.Equal(t, 2, res.Applied)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, source.Sequence(2), res.Failures[0].Row.Sequence)
	assert.Equal(t, source.Sequence(3), res.Failures[1].Row.Sequence)
	for _, f := range res.Failures {
		assert.Equal(t, Terminal, f.Err.Kind)
	}

	_, ok := readObject(t, conn, 1)
	assert.True(t, ok)
	_, ok = readObject(t, conn, 4)
	assert.True(t, ok)
	_, ok = readObject(t, conn, 2)
	assert.False(t, ok)
}

func TestClassifySQLite(t *testing.T) {
	assert.Equal(t, Terminal, ClassifySQLite(errors.New("no such column")))
	assert.Equal(t, Transient, ClassifySQLite(context.DeadlineExceeded))
}
