package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/ledger"
	"amm-analytics/internal/registry"
)

// Discoverer enumerates factory pairs and retries deferred ones.
type Discoverer interface {
	Discover(ctx context.Context) (registry.DiscoverResult, error)
}

// TokenRefresher re-reads token metadata and supply from chain.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context) int
}

// MaintenanceConfig configures a Maintainer.
type MaintenanceConfig struct {
	Interval    time.Duration // Default: 1m
	RepriceSize int           // unresolved trades per pass. Default: 500
}

// Maintainer periodically reprices unresolved trades, replays events of
// pairs that have since committed and runs factory discovery.
type Maintainer struct {
	ledger     *ledger.Ledger
	repricer   ledger.Repricer
	candles    Candles
	notifier   TradeNotifier
	dispatcher *Dispatcher
	processor  *Processor
	discoverer Discoverer
	cfg        MaintenanceConfig
	log        *zap.Logger
	now        func() time.Time

	refresher    TokenRefresher
	refreshEvery time.Duration
	lastRefresh  time.Time
}

// NewMaintainer creates a maintainer. notifier and discoverer may be nil.
func NewMaintainer(l *ledger.Ledger, repricer ledger.Repricer, candles Candles, notifier TradeNotifier, d *Dispatcher, p *Processor, discoverer Discoverer, cfg MaintenanceConfig, log *zap.Logger) *Maintainer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RepriceSize <= 0 {
		cfg.RepriceSize = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Maintainer{
		ledger:     l,
		repricer:   repricer,
		candles:    candles,
		notifier:   notifier,
		dispatcher: d,
		processor:  p,
		discoverer: discoverer,
		cfg:        cfg,
		log:        log.Named("maintenance"),
		now:        time.Now,
	}
}

// WithTokenRefresh refreshes token supply and placeholder metadata at most
// once per every.
func (m *Maintainer) WithTokenRefresh(r TokenRefresher, every time.Duration) *Maintainer {
	m.refresher = r
	m.refreshEvery = every
	return m
}

// Run executes a pass every interval until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.log.Warn("maintenance pass", zap.Error(err))
			}
		}
	}
}

// RunOnce runs discovery, replays parked pairs, refreshes tokens when due
// and reprices trades.
func (m *Maintainer) RunOnce(ctx context.Context) error {
	if m.discoverer != nil {
		if _, err := m.discoverer.Discover(ctx); err != nil {
			m.log.Warn("discovery", zap.Error(err))
		}
	}
	if n := m.processor.RetryParked(ctx, m.dispatcher); n > 0 {
		m.log.Debug("parked pairs retried", zap.Int("pairs", n))
	}
	if m.refresher != nil {
		if now := m.now(); now.Sub(m.lastRefresh) >= m.refreshEvery {
			m.lastRefresh = now
			n := m.refresher.RefreshTokens(ctx)
			m.log.Debug("tokens refreshed", zap.Int("tokens", n))
		}
	}

	_, err := m.Reprice(ctx)
	return err
}

// Reprice resolves unresolved trades and folds them into candles on their
// pair's shard.
func (m *Maintainer) Reprice(ctx context.Context) (int, error) {
	repriced, err := m.ledger.Reprice(ctx, m.repricer, m.cfg.RepriceSize)
	for _, t := range repriced {
		trade := t
		doErr := m.dispatcher.Do(ctx, trade.Pair, func(ctx context.Context) error {
			return m.applyRepriced(ctx, trade)
		})
		if doErr != nil {
			return len(repriced), doErr
		}
	}
	return len(repriced), err
}

func (m *Maintainer) applyRepriced(ctx context.Context, t *domain.Trade) error {
	if err := m.candles.Apply(ctx, t); err != nil {
		return err
	}
	if m.notifier != nil {
		if err := m.notifier.PublishTrade(ctx, t); err != nil {
			m.log.Debug("notify repriced trade", zap.String("tx", t.TxHash), zap.Error(err))
		}
	}
	return nil
}
