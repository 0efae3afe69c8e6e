package fanout

import (
	"encoding/json"

	"amm-analytics/internal/domain"
)

// Message types
const (
	TypePriceUpdate  = "price_update"
	TypeTrade        = "trade"
	TypeCandle       = "candle"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Client actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Envelope wraps every message sent to a client.
type Envelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ClientRequest is a subscribe or unsubscribe command.
type ClientRequest struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// PriceUpdate is the payload of price channels.
type PriceUpdate struct {
	Pair       string  `json:"pair"`
	PriceFiat  float64 `json:"priceFiat"`
	PriceQuote float64 `json:"priceQuote"`
	Timestamp  int64   `json:"timestamp"`
	Volume     float64 `json:"volume"`
}

// TradeTick is the payload of trade channels.
type TradeTick struct {
	Pair        string  `json:"pair"`
	TxHash      string  `json:"txHash"`
	Timestamp   int64   `json:"timestamp"`
	TradeType   string  `json:"tradeType"`
	PriceFiat   float64 `json:"priceFiat"`
	PriceQuote  float64 `json:"priceQuote"`
	VolumeFiat  float64 `json:"volumeFiat"`
	Maker       string  `json:"maker"`
	PriceImpact float64 `json:"priceImpact"`
}

// CandleTick is the payload of candle channels. Prices are fiat.
type CandleTick struct {
	Pair      string  `json:"pair"`
	Timeframe string  `json:"timeframe"`
	Time      int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// NewTradeTick converts a trade using its base token prices.
func NewTradeTick(t *domain.Trade) TradeTick {
	return TradeTick{
		Pair:        t.Pair,
		TxHash:      t.TxHash,
		Timestamp:   t.Timestamp,
		TradeType:   string(t.Type),
		PriceFiat:   t.BasePriceFiat(),
		PriceQuote:  t.BasePriceQuote(),
		VolumeFiat:  t.Prices.VolumeFiat,
		Maker:       t.Maker,
		PriceImpact: t.PriceImpact,
	}
}

// NewPriceUpdate converts the price carried by a trade.
func NewPriceUpdate(t *domain.Trade) PriceUpdate {
	return PriceUpdate{
		Pair:       t.Pair,
		PriceFiat:  t.BasePriceFiat(),
		PriceQuote: t.BasePriceQuote(),
		Timestamp:  t.Timestamp,
		Volume:     t.Prices.VolumeFiat,
	}
}

// NewCandleTick converts a candle.
func NewCandleTick(c *domain.Candle) CandleTick {
	return CandleTick{
		Pair:      c.Pair,
		Timeframe: string(c.Timeframe),
		Time:      c.BucketStart,
		Open:      c.OpenFiat,
		High:      c.HighFiat,
		Low:       c.LowFiat,
		Close:     c.CloseFiat,
		Volume:    c.Volume,
	}
}

// encode marshals an envelope.
func encode(typ, channel string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Channel: channel, Data: data})
}

// errorPayload builds an error envelope. It cannot fail.
func errorPayload(channel, message string) []byte {
	b, _ := encode(TypeError, channel, map[string]string{"message": message})
	return b
}
