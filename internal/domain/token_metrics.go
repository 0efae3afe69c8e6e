package domain

// MetricWindow is a rolling price-change window.
type MetricWindow string

// Rolling windows
const (
	Window5m  MetricWindow = "5m"
	Window1h  MetricWindow = "1h"
	Window6h  MetricWindow = "6h"
	Window24h MetricWindow = "24h"
	Window7d  MetricWindow = "7d"
	Window30d MetricWindow = "30d"
)

// MetricWindows lists all price-change windows with their length in seconds.
var MetricWindows = []struct {
	Window  MetricWindow
	Seconds int64
}{
	{Window5m, 5 * 60},
	{Window1h, 3600},
	{Window6h, 6 * 3600},
	{Window24h, 86400},
	{Window7d, 7 * 86400},
	{Window30d, 30 * 86400},
}

// TokenMetricSnapshot is one recomputation of token-level metrics.
// Corresponds to token_metrics table in ClickHouse. Append-only.
type TokenMetricSnapshot struct {
	Token     string
	Timestamp int64 // unix seconds

	PriceFiat  float64
	PriceQuote float64
	MarketCap  float64

	// Percent change vs the latest snapshot at or before now-window (nil if none)
	PriceChange5m  *float64
	PriceChange1h  *float64
	PriceChange6h  *float64
	PriceChange24h *float64
	PriceChange7d  *float64
	PriceChange30d *float64

	Volume24h   float64 // fiat
	Liquidity   float64 // fiat value of the token's pools
	BuyPressure float64 // buy volume / total volume over 24h, 0..1
	Buys24h     int64
	Sells24h    int64
}

// SetPriceChange stores the change for window w.
func (s *TokenMetricSnapshot) SetPriceChange(w MetricWindow, v *float64) {
	switch w {
	case Window5m:
		s.PriceChange5m = v
	case Window1h:
		s.PriceChange1h = v
	case Window6h:
		s.PriceChange6h = v
	case Window24h:
		s.PriceChange24h = v
	case Window7d:
		s.PriceChange7d = v
	case Window30d:
		s.PriceChange30d = v
	}
}

// PriceChange returns the stored change for window w.
func (s *TokenMetricSnapshot) PriceChange(w MetricWindow) *float64 {
	switch w {
	case Window5m:
		return s.PriceChange5m
	case Window1h:
		return s.PriceChange1h
	case Window6h:
		return s.PriceChange6h
	case Window24h:
		return s.PriceChange24h
	case Window7d:
		return s.PriceChange7d
	case Window30d:
		return s.PriceChange30d
	}
	return nil
}
