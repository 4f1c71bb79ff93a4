package bulk

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"goshopify_bulk/pkg/dbconnect/migration"
)

const (
	BulkSchemaMigration     = "bulk.schema"
	BulkOperationsMigration = "bulk.operations"
)

// All lists the ledger migrations in the order they must run.
func All() []migration.MigrationInterface {
	return []migration.MigrationInterface{
		&MigrationsSchema{},
		&BulkSchema{},
		&BulkOperationsTable{},
	}
}

// MigrationsSchema creates the bookkeeping table every other migration
// marks itself in. It is idempotent and always runs first.
type MigrationsSchema struct{}

func (m *MigrationsSchema) UpMigration(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS migrations;`)
	if err != nil {
		return fmt.Errorf("failed to create migrations schema: %w", err)
	}
	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS migrations.migrations (
            id SERIAL PRIMARY KEY,
            time TIMESTAMP NOT NULL,
            name VARCHAR(255) UNIQUE NOT NULL
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

type BulkSchema struct{}

func (m *BulkSchema) UpMigration(db *sql.DB) error {
	return runOnce(db, BulkSchemaMigration, `CREATE SCHEMA IF NOT EXISTS bulk;`)
}

type BulkOperationsTable struct{}

func (m *BulkOperationsTable) UpMigration(db *sql.DB) error {
	query := `
        CREATE TABLE IF NOT EXISTS bulk.operations (
            id SERIAL PRIMARY KEY,
            operation_id VARCHAR(255) NOT NULL UNIQUE,
            kind VARCHAR(16) NOT NULL,
            run_id VARCHAR(255),
            shop_domain VARCHAR(255) NOT NULL,
            client_identifier VARCHAR(255),
            status VARCHAR(16) NOT NULL,
            error_code VARCHAR(64),
            object_count BIGINT NOT NULL DEFAULT 0,
            url TEXT,
            partial_data_url TEXT,
            submitted_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP NOT NULL,
            completed_at TIMESTAMP WITH TIME ZONE
        );

        CREATE INDEX IF NOT EXISTS bulk_operations_run_id_idx ON bulk.operations(run_id);
    `
	return runOnce(db, BulkOperationsMigration, query)
}

// runOnce executes query unless name is already marked in
// migrations.migrations, and marks it afterwards.
func runOnce(db *sql.DB, name, query string) error {
	var migrationExists bool
	err := db.QueryRow("SELECT EXISTS (SELECT 1 FROM migrations.migrations WHERE name = $1)", name).Scan(&migrationExists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if migrationExists {
		zap.L().Debug("migration already completed, skipping", zap.String("migration", name))
		return nil
	}

	if _, err = db.Exec(query); err != nil {
		return fmt.Errorf("failed to execute migration '%s': %w", name, err)
	}
	_, err = db.Exec("INSERT INTO migrations.migrations (name, time) VALUES ($1, current_timestamp)", name)
	if err != nil {
		return fmt.Errorf("failed to mark migration '%s' as complete: %w", name, err)
	}

	zap.L().Info("migration completed", zap.String("migration", name))
	return nil
}
