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
	m1, err := getMigrator()
	require.NoError(t, err)
	require.NotNil(t, m1)

	m2, err := getMigrator()
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

func TestMigrationContent(t *testing.T) {
	require.NotEmpty(t, createTablesSQL)
	for _, table := range TableNames {
		assert.Contains(t, createTablesSQL, "CREATE TABLE "+table+" ", table)
	}
	// the dedup key of the sync queue and of identity links
	assert.Contains(t, createTablesSQL, "UNIQUE(document_type, document_name, books_instance)")
	assert.Contains(t, createTablesSQL, "UNIQUE(document_type, books_name, books_instance)")
}

func TestApply(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping migration test in short mode")
	}

	ctx := context.Background()
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
	defer func() { _ = pgContainer.Terminate(ctx) }()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	conn, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	defer conn.Close(ctx)

	needs, err := NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.True(t, needs)

	require.NoError(t, Apply(ctx, conn))
	// second run is a no-op
	require.NoError(t, Apply(ctx, conn))

	needs, err = NeedsUpgrade(ctx, conn)
	require.NoError(t, err)
	assert.False(t, needs)

	for _, table := range TableNames {
		var exists bool
		err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}
}
