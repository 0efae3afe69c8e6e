package fanout

import (
	"context"
	"fmt"
	"time"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/pricing"
)

// LatestTrades returns the most recent ledger trade of a pair, nil if none.
type LatestTrades interface {
	Latest(ctx context.Context, pair string) (*domain.Trade, error)
}

// CurrentCandles returns the in-progress candle, nil if none.
type CurrentCandles interface {
	Current(ctx context.Context, pair string, tf domain.Timeframe) (*domain.Candle, error)
}

// PairGraph exposes committed pairs and tokens.
type PairGraph interface {
	Pair(address string) (*domain.Pair, bool)
	Token(address string) (*domain.Token, bool)
}

// SpotPricer prices the base token of a pair from reserves.
type SpotPricer interface {
	BaseIsToken0(pair *domain.Pair) bool
	CachedPrice(token string) (float64, bool)
	QuoteFiatPrice() float64
}

// Snapshots builds join snapshots from the ledger, candles and reserves.
type Snapshots struct {
	trades  LatestTrades
	candles CurrentCandles
	graph   PairGraph
	pricer  SpotPricer
	now     func() time.Time
}

var _ SnapshotProvider = (*Snapshots)(nil)

// NewSnapshots creates a snapshot provider. graph and pricer may be nil, which
// disables the reserve fallback for price channels.
func NewSnapshots(trades LatestTrades, candles CurrentCandles, graph PairGraph, pricer SpotPricer) *Snapshots {
	return &Snapshots{trades: trades, candles: candles, graph: graph, pricer: pricer, now: time.Now}
}

// Snapshot returns the encoded snapshot of ch, nil when there is nothing yet.
func (s *Snapshots) Snapshot(ctx context.Context, ch Channel) ([]byte, error) {
	name := ch.String()
	switch ch.Kind {
	case KindCandles:
		c, err := s.candles.Current(ctx, ch.Pair, ch.Timeframe)
		if err != nil || c == nil {
			return nil, err
		}
		return encode(TypeCandle, name, NewCandleTick(c))

	case KindTrades:
		t, err := s.trades.Latest(ctx, ch.Pair)
		if err != nil || t == nil {
			return nil, err
		}
		return encode(TypeTrade, name, NewTradeTick(t))

	case KindPrice:
		t, err := s.trades.Latest(ctx, ch.Pair)
		if err != nil {
			return nil, err
		}
		if t != nil && t.Prices.Resolved {
			return encode(TypePriceUpdate, name, NewPriceUpdate(t))
		}
		if update, ok := s.reservePrice(ch.Pair); ok {
			return encode(TypePriceUpdate, name, update)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidChannel, name)
}

// reservePrice prices the base token from current reserves and the cached
// price of the counter token.
func (s *Snapshots) reservePrice(pairAddr string) (PriceUpdate, bool) {
	if s.graph == nil || s.pricer == nil {
		return PriceUpdate{}, false
	}
	pair, ok := s.graph.Pair(pairAddr)
	if !ok || !pair.HasLiquidity() {
		return PriceUpdate{}, false
	}

	base, counter := pair.Token0, pair.Token1
	if !s.pricer.BaseIsToken0(pair) {
		base, counter = pair.Token1, pair.Token0
	}
	counterFiat, ok := s.pricer.CachedPrice(counter)
	if !ok || counterFiat <= 0 {
		return PriceUpdate{}, false
	}

	spot := pricing.SpotPrice(pair, base, s.decimals(pair.Token0), s.decimals(pair.Token1))
	if spot == 0 {
		return PriceUpdate{}, false
	}
	update := PriceUpdate{
		Pair:      pair.Address,
		PriceFiat: spot * counterFiat,
		Timestamp: s.now().Unix(),
	}
	if q := s.pricer.QuoteFiatPrice(); q > 0 {
		update.PriceQuote = update.PriceFiat / q
	}
	return update, true
}

func (s *Snapshots) decimals(token string) uint8 {
	if t, ok := s.graph.Token(token); ok {
		return t.Decimals
	}
	return 18
}
