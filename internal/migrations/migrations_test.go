package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestGetMigratorIsSingleton(t *testing.T) {
	m, err := getMigrator()
	require.NoError(t, err)
	require.NotNil(t, m)

	m2, err := getMigrator()
	require.NoError(t, err)
	assert.Same(t, m, m2)
}

func TestDeadLetterSQL(t *testing.T) {
	assert.Contains(t, createDeadLetterSQL, "CREATE TABLE IF NOT EXISTS kvsync_dead_letter")
	assert.Contains(t, createDeadLetterSQL, "replayed_at timestamp with time zone")
	assert.Contains(t, createDeadLetterSQL, "WHERE replayed_at IS NULL")
}

func TestUniqueDeadLetterSQL(t *testing.T) {
	assert.Contains(t, uniqueDeadLetterSQL, "CREATE UNIQUE INDEX IF NOT EXISTS idx_kvsync_dead_letter_event")
	assert.Contains(t, uniqueDeadLetterSQL, "(connector, sequence, key)")
}

func startPostgres(ctx context.Context, t *testing.T) *pgx.Conn {
	t.Helper()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func TestApplyOnRealDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping real database migration test in short mode")
	}
	ctx := context.Background()
	conn := startPostgres(ctx, t)

	needs, err := NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.True(t, needs, "fresh database needs the dead letter table")

	require.NoError(t, Apply(ctx, conn))
	require.NoError(t, Apply(ctx, conn), "applying twice is a no-op")

	needs, err = NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.False(t, needs)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'kvsync_dead_letter')").Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)

	var id int64
	err = conn.QueryRow(ctx, `INSERT INTO kvsync_dead_letter (connector, key, sequence, kind, reason)
		VALUES ('objects', 'object:1', 5, 'upsert', 'mapping') RETURNING id`).Scan(&id)
	require.NoError(t, err)
	assert.Positive(t, id)

	// a redelivered rejection is stored once
	tag, err := conn.Exec(ctx, `INSERT INTO kvsync_dead_letter (connector, key, sequence, kind, reason)
		VALUES ('objects', 'object:1', 5, 'upsert', 'mapping') ON CONFLICT (connector, sequence, key) DO NOTHING`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tag.RowsAffected())
}
