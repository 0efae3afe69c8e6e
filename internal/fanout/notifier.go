package fanout

import (
	"context"
	"errors"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/observability"
)

// Notifier turns ledger trades and candle merges into channel messages.
type Notifier struct {
	pub Publisher
}

// NewNotifier creates a notifier over pub.
func NewNotifier(pub Publisher) *Notifier {
	return &Notifier{pub: pub}
}

// PublishTrade sends a trade tick and, for resolved trades, a price update.
func (n *Notifier) PublishTrade(ctx context.Context, t *domain.Trade) error {
	err := n.send(ctx, TypeTrade, TradesChannel(t.Pair), NewTradeTick(t))
	if t.Prices.Resolved {
		err = errors.Join(err, n.send(ctx, TypePriceUpdate, PriceChannel(t.Pair), NewPriceUpdate(t)))
	}
	return err
}

// PublishCandle sends a candle tick.
func (n *Notifier) PublishCandle(ctx context.Context, c *domain.Candle) error {
	return n.send(ctx, TypeCandle, CandlesChannel(c.Pair, c.Timeframe), NewCandleTick(c))
}

func (n *Notifier) send(ctx context.Context, typ, channel string, data any) error {
	payload, err := encode(typ, channel, data)
	if err != nil {
		return err
	}
	if err := n.pub.Publish(ctx, channel, payload); err != nil {
		return err
	}
	observability.RecordFanoutPublished(typ)
	return nil
}
