// Package migrations contains the database schema of books_bridge.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableNames lists every table created by the migrations
var TableNames = []string{
	"documents",
	"books_instance",
	"books_reference",
	"books_sync_queue",
	"books_integration_log",
	"books_error_log",
}

const createTablesSQL = `
-- Local document store, the body of a document is kept as JSON
CREATE TABLE documents (
	doctype text NOT NULL,
	name text NOT NULL,
	docstatus smallint NOT NULL DEFAULT 0,
	data jsonb NOT NULL DEFAULT '{}',
	modified timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY(doctype, name)
);

-- Books instances allowed to pull and push
CREATE TABLE books_instance (
	name text PRIMARY KEY,
	enabled boolean NOT NULL DEFAULT true,
	created_at timestamp with time zone NOT NULL DEFAULT now()
);

-- Identity links between local and Books names
CREATE TABLE books_reference (
	id bigserial PRIMARY KEY,
	document_type text NOT NULL,
	document_name text NOT NULL,
	books_name text NOT NULL,
	books_instance text NOT NULL,
	modified timestamp with time zone NOT NULL DEFAULT now(),
	UNIQUE(document_type, books_name, books_instance)
);

-- Local changes waiting to be pulled by an instance
CREATE TABLE books_sync_queue (
	id bigserial PRIMARY KEY,
	document_type text NOT NULL,
	document_name text NOT NULL,
	books_instance text NOT NULL,
	created_at timestamp with time zone NOT NULL DEFAULT now(),
	UNIQUE(document_type, document_name, books_instance)
);

-- Batches of documents pushed by an instance
CREATE TABLE books_integration_log (
	id uuid PRIMARY KEY,
	books_instance text NOT NULL,
	document_type text NOT NULL,
	data jsonb NOT NULL,
	processed boolean NOT NULL DEFAULT false,
	created_at timestamp with time zone NOT NULL DEFAULT now()
);

-- One entry per pushed document that failed to ingest
CREATE TABLE books_error_log (
	id uuid PRIMARY KEY,
	document_type text NOT NULL,
	books_instance text NOT NULL,
	data jsonb NOT NULL,
	error text NOT NULL,
	books_integration_log uuid REFERENCES books_integration_log(id) ON DELETE SET NULL,
	created_at timestamp with time zone NOT NULL DEFAULT now()
);

CREATE INDEX idx_books_reference_local ON books_reference(document_type, document_name, books_instance);
CREATE INDEX idx_books_sync_queue_instance ON books_sync_queue(books_instance, created_at);
CREATE INDEX idx_books_integration_log_pending ON books_integration_log(created_at) WHERE NOT processed;
CREATE INDEX idx_books_error_log_created ON books_error_log(created_at DESC);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
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
			migrator.TableName("books_bridge_migrations"),
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
