// Package migrations contains the kvsync schema migrations.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is the table pgx-migrator records applied migrations in
const TableName = "kvsync_migrations"

// createDeadLetterSQL creates the dead-letter table
const createDeadLetterSQL = `
CREATE TABLE IF NOT EXISTS kvsync_dead_letter (
	id bigserial PRIMARY KEY,
	connector text NOT NULL,
	key text NOT NULL,
	sequence bigint NOT NULL,
	kind text NOT NULL,
	fields jsonb NOT NULL DEFAULT '{}',
	version text NOT NULL DEFAULT '',
	reason text NOT NULL,
	error text NOT NULL DEFAULT '',
	created_at timestamp with time zone NOT NULL DEFAULT now(),
	replayed_at timestamp with time zone
);

CREATE INDEX IF NOT EXISTS idx_kvsync_dead_letter_pending
	ON kvsync_dead_letter (connector, id) WHERE replayed_at IS NULL;
`

// uniqueDeadLetterSQL makes storing the same rejected event twice a no-op. A crash
// between storing dead letters and acknowledging the source redelivers them.
const uniqueDeadLetterSQL = `
DELETE FROM kvsync_dead_letter d
	USING kvsync_dead_letter o
	WHERE d.connector = o.connector AND d.sequence = o.sequence AND d.key = o.key AND d.id > o.id;

CREATE UNIQUE INDEX IF NOT EXISTS idx_kvsync_dead_letter_event
	ON kvsync_dead_letter (connector, sequence, key);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_dead_letter",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createDeadLetterSQL)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_unique_dead_letter_event",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, uniqueDeadLetterSQL)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
