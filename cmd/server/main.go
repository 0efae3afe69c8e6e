// Package main runs the full analytics service: chain watcher, event
// pipeline, candle reconciler, token metrics job and the websocket fanout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"amm-analytics/internal/candles"
	"amm-analytics/internal/chain"
	"amm-analytics/internal/config"
	"amm-analytics/internal/domain"
	"amm-analytics/internal/fanout"
	"amm-analytics/internal/ingestion"
	"amm-analytics/internal/ledger"
	"amm-analytics/internal/logger"
	"amm-analytics/internal/metrics"
	"amm-analytics/internal/pipeline"
	"amm-analytics/internal/pricing"
	"amm-analytics/internal/registry"
	"amm-analytics/internal/storage"
	chstore "amm-analytics/internal/storage/clickhouse"
	"amm-analytics/internal/storage/memory"
	"amm-analytics/internal/storage/migrations"
	pgstore "amm-analytics/internal/storage/postgres"
	"amm-analytics/internal/stream"
)

// stores holds every storage implementation the service uses.
type stores struct {
	tokens   storage.TokenStore
	pairs    storage.PairStore
	trades   storage.TradeStore
	candles  storage.CandleStore
	metrics  storage.TokenMetricStore
	progress storage.ProgressStore
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to the YAML config file")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	migrate := flag.Bool("migrate", true, "Apply database migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *useMemory {
		cfg.Storage.UseMemory = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals; a second signal forces exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		log.Info("shutdown requested", zap.String("signal", sig.String()))
		cancel()
		select {
		case sig := <-sigCh:
			log.Warn("second signal, forcing exit", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Error("graceful shutdown timed out after 30s")
			os.Exit(1)
		case <-done:
		}
	}()

	st, cleanup, err := createStores(ctx, cfg.Storage, *migrate, log)
	if err != nil {
		log.Fatal("storage unavailable", zap.Error(err))
	}
	defer cleanup()

	err = run(ctx, cfg, st, log)
	close(done)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// createStores connects the configured backends. With migrate set pending
// migrations are applied first; otherwise the schema is only checked.
func createStores(ctx context.Context, cfg config.StorageConfig, migrate bool, log *zap.Logger) (*stores, func(), error) {
	if cfg.UseMemory {
		tokens := memory.NewTokenStore()
		return &stores{
			tokens:   tokens,
			pairs:    memory.NewPairStore(tokens),
			trades:   memory.NewTradeStore(),
			candles:  memory.NewCandleStore(),
			metrics:  memory.NewTokenMetricStore(),
			progress: memory.NewProgressStore(),
		}, func() {}, nil
	}

	pool, err := migrations.OpenPostgres(ctx, cfg.PostgresDSN, migrate, log)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}

	st := &stores{
		tokens:   pgstore.NewTokenStore(pool),
		pairs:    pgstore.NewPairStore(pool),
		trades:   pgstore.NewTradeStore(pool),
		candles:  pgstore.NewCandleStore(pool),
		progress: pgstore.NewProgressStore(pool),
		metrics:  memory.NewTokenMetricStore(),
	}
	if cfg.ClickHouseDSN == "" {
		return st, pool.Close, nil
	}

	conn, err := migrations.OpenClickhouse(ctx, cfg.ClickHouseDSN, migrate, log)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse: %w", err)
	}
	st.metrics = chstore.NewTokenMetricStore(conn)

	return st, func() {
		_ = conn.Close()
		pool.Close()
	}, nil
}

func run(ctx context.Context, cfg *config.Config, st *stores, log *zap.Logger) error {
	rpc := chain.NewHTTPClient(cfg.Chain.RPCEndpoint, chain.WithLogger(log.Named("rpc")))
	reader := chain.NewContracts(rpc)

	var ws chain.WSClient
	if cfg.Chain.WSEndpoint != "" {
		client, err := chain.NewWSClient(ctx, cfg.Chain.WSEndpoint, nil, log)
		if err != nil {
			return fmt.Errorf("connect websocket: %w", err)
		}
		defer client.Close()
		ws = client
	}

	reg := registry.New(reader, st.tokens, st.pairs, registry.Config{
		QuoteAsset:  cfg.Chain.QuoteAsset,
		Factory:     cfg.Chain.Factory,
		CallTimeout: cfg.Chain.CallTimeout,
	}, log)
	if err := reg.Warm(ctx); err != nil {
		return fmt.Errorf("warm registry: %w", err)
	}

	resolver := pricing.NewResolver(reg, st.metrics, pricing.NewPriceCache(cfg.Metrics.PriceTTL), pricing.Config{
		QuoteAsset:     cfg.Chain.QuoteAsset,
		QuoteFiatPrice: cfg.Chain.QuoteFiatPrice,
		SnapshotMaxAge: 10 * cfg.Metrics.Interval,
	}, log)

	// Live fanout: Redis pub/sub when configured, otherwise in process.
	var (
		upstream fanout.Upstream
		pub      fanout.Publisher
	)
	if cfg.Redis.Addr != "" {
		rdb := fanout.NewRedisClient(fanout.RedisConfig{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		upstream, pub = fanout.NewRedisUpstream(rdb, cfg.Fanout.SendBuffer), fanout.NewRedisPublisher(rdb)
	} else {
		broker := fanout.NewBroker(cfg.Fanout.SendBuffer)
		upstream, pub = broker, broker
	}
	notifier := fanout.NewNotifier(pub)

	var (
		tradeSinks       []ledger.TradeSink
		candlePublishers = []candles.Publisher{notifier}
	)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := stream.NewKafkaPublisher(stream.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			TradeTopic:  cfg.Kafka.TradeTopic,
			CandleTopic: cfg.Kafka.CandleTopic,
		}, log)
		defer kp.Close()
		tradeSinks = append(tradeSinks, kp)
		candlePublishers = append(candlePublishers, kp)
	}

	led := ledger.New(st.trades, log, tradeSinks...)

	timeframes, err := parseTimeframes(cfg.Candles.Timeframes)
	if err != nil {
		return err
	}
	agg := candles.New(st.candles, led, candles.Config{
		Timeframes:        timeframes,
		Grace:             cfg.Candles.Grace,
		ReconcileInterval: cfg.Candles.ReconcileInterval,
		Lookback:          cfg.Candles.Lookback,
	}, log, candlePublishers...)

	proc := pipeline.NewProcessor(reg, resolver, led, agg, notifier, log).
		WithStorageRetry(pipeline.DefaultStoreRetry, cfg.Pipeline.StoreTimeout)
	dispatcher := pipeline.NewDispatcher(proc, pipeline.DispatcherConfig{
		Shards:    cfg.Pipeline.Shards,
		QueueSize: cfg.Pipeline.QueueSize,
	}, log)

	var discoverer pipeline.Discoverer
	if cfg.Chain.Factory != "" {
		discoverer = reg
	}
	maintainer := pipeline.NewMaintainer(led, resolver, agg, notifier, dispatcher, proc, discoverer, pipeline.MaintenanceConfig{
		Interval:    cfg.Pipeline.MaintenanceInterval,
		RepriceSize: cfg.Pipeline.RepriceBatch,
	}, log).WithTokenRefresh(reg, cfg.Pipeline.TokenRefreshInterval)

	watcher := ingestion.NewWatcher(ingestion.WatcherOptions{
		RPC:           rpc,
		WS:            ws,
		ProgressStore: st.progress,
		Sink:          dispatcher,
		Factory:       cfg.Chain.Factory,
		StartBlock:    cfg.Chain.StartBlock,
		Confirmations: cfg.Chain.Confirmations,
		ChunkSize:     cfg.Chain.ChunkSize,
		Logger:        log,
	})

	calc := metrics.NewCalculator(reg, led, resolver, st.metrics, metrics.Config{
		Interval: cfg.Metrics.Interval,
		Workers:  cfg.Metrics.Workers,
	}, log)

	hub := fanout.NewHub(upstream, fanout.NewSnapshots(led, agg, reg, resolver), log)
	server := fanout.NewServer(hub, fanout.ServerConfig{
		Addr:       cfg.Fanout.Addr,
		SendBuffer: cfg.Fanout.SendBuffer,
	}, log)

	log.Info("service starting",
		zap.String("factory", cfg.Chain.Factory),
		zap.String("quote_asset", cfg.Chain.QuoteAsset),
		zap.Int("pairs", len(reg.Pairs())),
		zap.Bool("live", ws != nil))

	g, gctx := errgroup.WithContext(ctx)
	dispatcher.Start(gctx)
	defer dispatcher.Stop()

	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return agg.Run(gctx, reg) })
	g.Go(func() error { return calc.Run(gctx) })
	g.Go(func() error { return maintainer.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	return g.Wait()
}

func parseTimeframes(names []string) ([]domain.Timeframe, error) {
	out := make([]domain.Timeframe, 0, len(names))
	for _, name := range names {
		tf, err := domain.ParseTimeframe(name)
		if err != nil {
			return nil, fmt.Errorf("candles.timeframes: %w", err)
		}
		out = append(out, tf)
	}
	return out, nil
}
