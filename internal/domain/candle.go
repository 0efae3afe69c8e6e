package domain

// Candle is an OHLCV bucket for one (pair, timeframe).
// Corresponds to candles table in PostgreSQL.
//
// Open and close carry the (timestamp, ordinal) of the trade that set them,
// so Merge picks them by on-chain position rather than by arrival order.
type Candle struct {
	Pair        string
	Timeframe   Timeframe
	BucketStart int64 // unix seconds

	OpenQuote  float64
	HighQuote  float64
	LowQuote   float64
	CloseQuote float64
	OpenFiat   float64
	HighFiat   float64
	LowFiat    float64
	CloseFiat  float64

	Volume     float64 // fiat
	TradeCount int64

	OpenTs   int64
	OpenOrd  int64
	CloseTs  int64
	CloseOrd int64
}

// CandleFromTrade builds the single-trade candle for the bucket containing t.
func CandleFromTrade(t *Trade, tf Timeframe) *Candle {
	pq, pf := t.BasePriceQuote(), t.BasePriceFiat()
	ord := t.Ordinal()
	return &Candle{
		Pair:        t.Pair,
		Timeframe:   tf,
		BucketStart: tf.BucketStart(t.Timestamp),
		OpenQuote:   pq,
		HighQuote:   pq,
		LowQuote:    pq,
		CloseQuote:  pq,
		OpenFiat:    pf,
		HighFiat:    pf,
		LowFiat:     pf,
		CloseFiat:   pf,
		Volume:      t.Prices.VolumeFiat,
		TradeCount:  1,
		OpenTs:      t.Timestamp,
		OpenOrd:     ord,
		CloseTs:     t.Timestamp,
		CloseOrd:    ord,
	}
}

// Merge folds o into c. High/low take max/min, open/close take the
// earliest/latest position and volume/count add up, so any delivery order
// of distinct trades converges to the same candle.
func (c *Candle) Merge(o *Candle) {
	if o == nil || o.TradeCount == 0 {
		return
	}
	if c.TradeCount == 0 {
		pair, tf, start := c.Pair, c.Timeframe, c.BucketStart
		*c = *o
		c.Pair, c.Timeframe, c.BucketStart = pair, tf, start
		return
	}
	if o.HighQuote > c.HighQuote {
		c.HighQuote = o.HighQuote
	}
	if o.LowQuote < c.LowQuote {
		c.LowQuote = o.LowQuote
	}
	if o.HighFiat > c.HighFiat {
		c.HighFiat = o.HighFiat
	}
	if o.LowFiat < c.LowFiat {
		c.LowFiat = o.LowFiat
	}
	if comparePosition(o.OpenTs, o.OpenOrd, c.OpenTs, c.OpenOrd) < 0 {
		c.OpenQuote, c.OpenFiat = o.OpenQuote, o.OpenFiat
		c.OpenTs, c.OpenOrd = o.OpenTs, o.OpenOrd
	}
	if comparePosition(o.CloseTs, o.CloseOrd, c.CloseTs, c.CloseOrd) > 0 {
		c.CloseQuote, c.CloseFiat = o.CloseQuote, o.CloseFiat
		c.CloseTs, c.CloseOrd = o.CloseTs, o.CloseOrd
	}
	c.Volume += o.Volume
	c.TradeCount += o.TradeCount
}

// BuildCandle folds trades belonging to one bucket into a candle.
// Returns nil when no resolved trade falls inside the bucket.
func BuildCandle(pair string, tf Timeframe, bucketStart int64, trades []*Trade) *Candle {
	c := &Candle{Pair: pair, Timeframe: tf, BucketStart: bucketStart}
	end := bucketStart + tf.Seconds()
	for _, t := range trades {
		if !t.Prices.Resolved || t.Timestamp < bucketStart || t.Timestamp >= end {
			continue
		}
		c.Merge(CandleFromTrade(t, tf))
	}
	if c.TradeCount == 0 {
		return nil
	}
	return c
}

func comparePosition(ts1, ord1, ts2, ord2 int64) int {
	switch {
	case ts1 < ts2:
		return -1
	case ts1 > ts2:
		return 1
	case ord1 < ord2:
		return -1
	case ord1 > ord2:
		return 1
	}
	return 0
}
