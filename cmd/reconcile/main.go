// Package main rebuilds candles from the trade ledger over a time range and
// reprices trades that were stored without a fiat route.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"amm-analytics/internal/candles"
	"amm-analytics/internal/chain"
	"amm-analytics/internal/config"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/ledger"
	"amm-analytics/internal/logger"
	"amm-analytics/internal/pricing"
	"amm-analytics/internal/registry"
	chstore "amm-analytics/internal/storage/clickhouse"
	"amm-analytics/internal/storage/migrations"
	pgstore "amm-analytics/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to the YAML config file")
	pair := flag.String("pair", "", "Pair address (default: every registered pair)")
	from := flag.String("from", "", "Range start, RFC3339 or unix seconds (default: now - 24h)")
	to := flag.String("to", "", "Range end, RFC3339 or unix seconds (default: now)")
	reprice := flag.Bool("reprice", true, "Reprice unresolved trades before rebuilding")
	repriceBatch := flag.Int("reprice-batch", 5000, "Unresolved trades read per reprice batch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Storage.PostgresDSN == "" {
		fmt.Fprintln(os.Stderr, "storage.postgres_dsn is required")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	now := time.Now()
	start, err := parseTime(*from, now.Add(-24*time.Hour))
	if err != nil {
		log.Fatal("invalid --from", zap.Error(err))
	}
	end, err := parseTime(*to, now)
	if err != nil {
		log.Fatal("invalid --to", zap.Error(err))
	}
	if start >= end {
		log.Fatal("empty range", zap.Int64("from", start), zap.Int64("to", end))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, *pair, start, end, *reprice, *repriceBatch); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("reconcile failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, pair string, from, to int64, reprice bool, batch int) error {
	pool, err := migrations.OpenPostgres(ctx, cfg.Storage.PostgresDSN, false, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	tokens := pgstore.NewTokenStore(pool)
	reg := registry.New(chain.NewContracts(chain.NewHTTPClient(cfg.Chain.RPCEndpoint)), tokens, pgstore.NewPairStore(pool), registry.Config{
		QuoteAsset: cfg.Chain.QuoteAsset,
		Factory:    cfg.Chain.Factory,
	}, log)
	if err := reg.Warm(ctx); err != nil {
		return err
	}

	var snapshots pricing.SnapshotSource
	if cfg.Storage.ClickHouseDSN != "" {
		conn, err := migrations.OpenClickhouse(ctx, cfg.Storage.ClickHouseDSN, false, log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer conn.Close()
		snapshots = chstore.NewTokenMetricStore(conn)
	}
	resolver := pricing.NewResolver(reg, snapshots, nil, pricing.Config{
		QuoteAsset:     cfg.Chain.QuoteAsset,
		QuoteFiatPrice: cfg.Chain.QuoteFiatPrice,
	}, log)

	led := ledger.New(pgstore.NewTradeStore(pool), log)
	timeframes := make([]domain.Timeframe, 0, len(cfg.Candles.Timeframes))
	for _, name := range cfg.Candles.Timeframes {
		tf, err := domain.ParseTimeframe(name)
		if err != nil {
			return err
		}
		timeframes = append(timeframes, tf)
	}
	agg := candles.New(pgstore.NewCandleStore(pool), led, candles.Config{
		Timeframes: timeframes,
		Grace:      cfg.Candles.Grace,
	}, log)

	if reprice {
		repriced, err := led.RepriceAll(ctx, resolver, batch)
		if err != nil {
			return fmt.Errorf("reprice: %w", err)
		}
		log.Info("repriced trades", zap.Int("trades", repriced))
	}

	pairs := []string{pair}
	if pair == "" {
		pairs = pairs[:0]
		for _, p := range reg.Pairs() {
			pairs = append(pairs, p.Address)
		}
	}

	total := 0
	var errs []error
	for _, p := range pairs {
		n, err := agg.ReconcileRange(ctx, p, from, to)
		total += n
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
			log.Warn("reconcile pair", zap.String("pair", p), zap.Error(err))
		}
	}

	log.Info("reconcile complete",
		zap.Int("pairs", len(pairs)),
		zap.Int("buckets", total),
		zap.Time("from", time.Unix(from, 0).UTC()),
		zap.Time("to", time.Unix(to, 0).UTC()))
	return errors.Join(errs...)
}

// parseTime accepts RFC3339 or unix seconds; empty yields def.
func parseTime(s string, def time.Time) (int64, error) {
	if s == "" {
		return def.Unix(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.Unix(), nil
}
