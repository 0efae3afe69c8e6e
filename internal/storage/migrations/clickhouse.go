package migrations

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	chstore "amm-analytics/internal/storage/clickhouse"
)

// ClickhouseTables are the tables the ClickHouse stores read and write.
var ClickhouseTables = []string{"token_metrics"}

const createClickhouseVersions = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    UInt32,
    name       String,
    applied_at DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree(applied_at)
ORDER BY version`

// OpenClickhouse connects to the database named in dsn. With migrate set it
// creates the database and applies pending migrations; otherwise it only
// verifies that every store table exists.
func OpenClickhouse(ctx context.Context, dsn string, migrate bool, log *zap.Logger) (*chstore.Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := databaseFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if migrate {
		if err := createDatabase(ctx, dsn, db); err != nil {
			return nil, err
		}
	}

	conn, err := chstore.NewConnWithDatabase(ctx, dsn, db)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse %s: %w", db, err)
	}
	if migrate {
		_, err = ApplyClickhouse(ctx, conn, log)
	} else {
		err = CheckClickhouse(ctx, conn)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func createDatabase(ctx context.Context, dsn, db string) error {
	admin, err := chstore.NewConnWithDatabase(ctx, dsn, "")
	if err != nil {
		return fmt.Errorf("connect clickhouse admin: %w", err)
	}
	defer admin.Close()
	if err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", db)); err != nil {
		return fmt.Errorf("create database %s: %w", db, err)
	}
	return nil
}

// ApplyClickhouse applies pending migrations statement by statement, since
// the driver runs one statement per Exec, and returns how many ran.
// ClickHouse has no DDL transactions: a version is recorded only after all
// of its statements succeeded, so statements must be idempotent.
func ApplyClickhouse(ctx context.Context, conn *chstore.Conn, log *zap.Logger) (int, error) {
	all, err := Load(clickhouseFS, "clickhouse")
	if err != nil {
		return 0, err
	}
	if err := conn.Exec(ctx, createClickhouseVersions); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := clickhouseVersions(ctx, conn)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range pending(all, done) {
		stmts, err := statements(m.SQL)
		if err != nil {
			return applied, fmt.Errorf("parse migration %03d_%s: %w", m.Version, m.Name, err)
		}
		for _, stmt := range stmts {
			if err := conn.Exec(ctx, stmt); err != nil {
				return applied, fmt.Errorf("apply migration %03d_%s: %w", m.Version, m.Name, err)
			}
		}
		if err := conn.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", uint32(m.Version), m.Name); err != nil {
			return applied, fmt.Errorf("record migration %03d: %w", m.Version, err)
		}
		if log != nil {
			log.Info("migration applied", zap.String("db", "clickhouse"), zap.Int("version", m.Version), zap.String("name", m.Name))
		}
		applied++
	}
	return applied, CheckClickhouse(ctx, conn)
}

func clickhouseVersions(ctx context.Context, conn *chstore.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, "SELECT DISTINCT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("read schema_migrations: %w", err)
		}
		out[int(v)] = true
	}
	return out, rows.Err()
}

// CheckClickhouse returns ErrSchemaIncomplete when a store table is missing.
func CheckClickhouse(ctx context.Context, conn *chstore.Conn) error {
	return missing(ClickhouseTables, func(table string) (bool, error) {
		var n uint64
		err := conn.QueryRow(ctx,
			"SELECT count() FROM system.tables WHERE database = currentDatabase() AND name = ?", table).Scan(&n)
		return n > 0, err
	})
}

func databaseFromDSN(dsn string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "", fmt.Errorf("clickhouse dsn missing database")
	}
	return db, nil
}
