package migrations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"amm-analytics/internal/storage/postgres"
)

// PostgresTables are the tables the PostgreSQL stores read and write.
var PostgresTables = []string{"tokens", "pairs", "trades", "candles", "chain_progress"}

// postgresLockKey serializes concurrent migrators through an advisory lock.
const postgresLockKey = 0x616d6d // "amm"

const createPostgresVersions = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// OpenPostgres connects to dsn and either applies pending migrations or,
// with migrate unset, only verifies that every store table exists.
func OpenPostgres(ctx context.Context, dsn string, migrate bool, log *zap.Logger) (*postgres.Pool, error) {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if migrate {
		_, err = ApplyPostgres(ctx, pool, log)
	} else {
		err = CheckPostgres(ctx, pool)
	}
	if err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// ApplyPostgres applies pending migrations in one transaction and returns
// how many ran.
func ApplyPostgres(ctx context.Context, pool *postgres.Pool, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	all, err := Load(postgresFS, "postgres")
	if err != nil {
		return 0, err
	}

	applied := 0
	err = pgx.BeginFunc(ctx, pool.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.Exec(ctx, createPostgresVersions); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		done, err := postgresVersions(ctx, tx)
		if err != nil {
			return err
		}
		for _, m := range pending(all, done) {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %03d_%s: %w", m.Version, m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
				return fmt.Errorf("record migration %03d: %w", m.Version, err)
			}
			log.Info("migration applied", zap.String("db", "postgres"), zap.Int("version", m.Version), zap.String("name", m.Name))
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, CheckPostgres(ctx, pool)
}

func postgresVersions(ctx context.Context, tx pgx.Tx) (map[int]bool, error) {
	rows, err := tx.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	out := make(map[int]bool, len(versions))
	for _, v := range versions {
		out[int(v)] = true
	}
	return out, nil
}

// CheckPostgres returns ErrSchemaIncomplete when a store table is missing.
func CheckPostgres(ctx context.Context, pool *postgres.Pool) error {
	return missing(PostgresTables, func(table string) (bool, error) {
		var exists bool
		err := pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists)
		return exists, err
	})
}
