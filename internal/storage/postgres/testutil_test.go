package postgres_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage/migrations"
	"amm-analytics/internal/storage/postgres"
)

// setupTestDB creates a PostgreSQL container for testing and applies migrations.
// Returns a cleanup function that must be called after tests complete.
func setupTestDB(t *testing.T) (*postgres.Pool, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := migrations.OpenPostgres(ctx, dsn, true, nil)
	require.NoError(t, err, "failed to open migrated pool")

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return pool, cleanup
}

// seedPair inserts two tokens and a pair between them.
func seedPair(t *testing.T, pool *postgres.Pool, pair, token0, token1 string) {
	t.Helper()
	ctx := context.Background()

	tokens := postgres.NewTokenStore(pool)
	for _, addr := range []string{token0, token1} {
		require.NoError(t, tokens.Insert(ctx, &domain.Token{Address: addr, Symbol: domain.PlaceholderSymbol(addr), Decimals: 18}))
	}
	require.NoError(t, postgres.NewPairStore(pool).Insert(ctx, &domain.Pair{
		Address:  pair,
		Token0:   token0,
		Token1:   token1,
		Reserve0: big.NewInt(1_000_000),
		Reserve1: big.NewInt(2_000_000),
	}))
}
