package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool and the DSN.
func setupTestDB(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("faultline_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool, connStr
}

func truncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`TRUNCATE api_keys, issue_groups, occurrences, context_entries, request_traces, trace_profiles CASCADE`)
	require.NoError(t, err)
}

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)

	storetest.Run(t, func(t *testing.T) store.Store {
		truncateAll(t, pool)
		return store.NewPostgresStore(pool)
	})
}

func TestMigrations_VersionAndRollback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, connStr := setupTestDB(t)

	version, dirty, err := store.MigrationVersion(connStr, migrationsDir())
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	require.NoError(t, store.RollbackMigrations(connStr, migrationsDir(), 1))
	var exists bool
	err = pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'issue_groups')`).Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, store.RollbackMigrations(connStr, migrationsDir(), 0))
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	assert.NoError(t, s.Ping(context.Background()))
}

func TestPagination(t *testing.T) {
	tests := []struct {
		page, limit         int
		wantLimit, wantOffs int
	}{
		{0, 0, 20, 0},
		{1, 10, 10, 0},
		{3, 10, 10, 20},
		{1, 500, 100, 0},
		{-1, -5, 20, 0},
	}
	for _, tt := range tests {
		limit, offset := store.Pagination(tt.page, tt.limit)
		assert.Equal(t, tt.wantLimit, limit)
		assert.Equal(t, tt.wantOffs, offset)
	}
}
