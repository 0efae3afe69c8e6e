// Package stream exports ledger trades and candle updates to Kafka for
// downstream consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"amm-analytics/internal/domain"
)

// KafkaConfig holds Kafka connection configuration.
type KafkaConfig struct {
	Brokers      []string
	TradeTopic   string
	CandleTopic  string
	BatchTimeout time.Duration // Default: 50ms
}

// messageWriter is the subset of *kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TradeMessage is the JSON value of a trade record.
type TradeMessage struct {
	TxHash       string  `json:"tx_hash"`
	LogIndex     uint    `json:"log_index"`
	BlockNumber  uint64  `json:"block_number"`
	Timestamp    int64   `json:"timestamp"`
	Pair         string  `json:"pair"`
	Amount0In    string  `json:"amount0_in"`
	Amount1In    string  `json:"amount1_in"`
	Amount0Out   string  `json:"amount0_out"`
	Amount1Out   string  `json:"amount1_out"`
	Token0Quote  float64 `json:"token0_price_quote"`
	Token1Quote  float64 `json:"token1_price_quote"`
	Token0Fiat   float64 `json:"token0_price_fiat"`
	Token1Fiat   float64 `json:"token1_price_fiat"`
	VolumeFiat   float64 `json:"volume_fiat"`
	Resolved     bool    `json:"resolved"`
	Type         string  `json:"type"`
	BaseIsToken0 bool    `json:"base_is_token0"`
	PriceImpact  float64 `json:"price_impact"`
	Maker        string  `json:"maker"`
}

// CandleMessage is the JSON value of a candle record.
type CandleMessage struct {
	Pair        string  `json:"pair"`
	Timeframe   string  `json:"timeframe"`
	BucketStart int64   `json:"bucket_start"`
	OpenQuote   float64 `json:"open_quote"`
	HighQuote   float64 `json:"high_quote"`
	LowQuote    float64 `json:"low_quote"`
	CloseQuote  float64 `json:"close_quote"`
	OpenFiat    float64 `json:"open_fiat"`
	HighFiat    float64 `json:"high_fiat"`
	LowFiat     float64 `json:"low_fiat"`
	CloseFiat   float64 `json:"close_fiat"`
	Volume      float64 `json:"volume"`
	TradeCount  int64   `json:"trade_count"`
}

// NewTradeMessage converts a trade. Nil amounts encode as "0".
func NewTradeMessage(t *domain.Trade) TradeMessage {
	return TradeMessage{
		TxHash:       t.TxHash,
		LogIndex:     t.LogIndex,
		BlockNumber:  t.BlockNumber,
		Timestamp:    t.Timestamp,
		Pair:         t.Pair,
		Amount0In:    intString(t.Amount0In),
		Amount1In:    intString(t.Amount1In),
		Amount0Out:   intString(t.Amount0Out),
		Amount1Out:   intString(t.Amount1Out),
		Token0Quote:  t.Prices.Token0Quote,
		Token1Quote:  t.Prices.Token1Quote,
		Token0Fiat:   t.Prices.Token0Fiat,
		Token1Fiat:   t.Prices.Token1Fiat,
		VolumeFiat:   t.Prices.VolumeFiat,
		Resolved:     t.Prices.Resolved,
		Type:         string(t.Type),
		BaseIsToken0: t.BaseIsToken0,
		PriceImpact:  t.PriceImpact,
		Maker:        t.Maker,
	}
}

// NewCandleMessage converts a candle.
func NewCandleMessage(c *domain.Candle) CandleMessage {
	return CandleMessage{
		Pair:        c.Pair,
		Timeframe:   string(c.Timeframe),
		BucketStart: c.BucketStart,
		OpenQuote:   c.OpenQuote,
		HighQuote:   c.HighQuote,
		LowQuote:    c.LowQuote,
		CloseQuote:  c.CloseQuote,
		OpenFiat:    c.OpenFiat,
		HighFiat:    c.HighFiat,
		LowFiat:     c.LowFiat,
		CloseFiat:   c.CloseFiat,
		Volume:      c.Volume,
		TradeCount:  c.TradeCount,
	}
}

// KafkaPublisher writes trades and candles keyed by pair address, so every
// record of a pair lands on the same partition in order.
type KafkaPublisher struct {
	trades  messageWriter
	candles messageWriter
	log     *zap.Logger
	now     func() time.Time
}

// NewKafkaPublisher creates a publisher. An empty topic disables that stream.
func NewKafkaPublisher(cfg KafkaConfig, log *zap.Logger) *KafkaPublisher {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &KafkaPublisher{log: log.Named("kafka"), now: time.Now}
	if cfg.TradeTopic != "" {
		p.trades = newWriter(cfg, cfg.TradeTopic)
	}
	if cfg.CandleTopic != "" {
		p.candles = newWriter(cfg, cfg.CandleTopic)
	}
	return p
}

func newWriter(cfg KafkaConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
	}
}

// PublishTrade sends a trade record.
func (p *KafkaPublisher) PublishTrade(ctx context.Context, t *domain.Trade) error {
	if p.trades == nil {
		return nil
	}
	return p.write(ctx, p.trades, t.Pair, NewTradeMessage(t))
}

// PublishCandle sends a candle record.
func (p *KafkaPublisher) PublishCandle(ctx context.Context, c *domain.Candle) error {
	if p.candles == nil {
		return nil
	}
	return p.write(ctx, p.candles, c.Pair, NewCandleMessage(c))
}

func (p *KafkaPublisher) write(ctx context.Context, w messageWriter, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  p.now(),
	}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Close flushes and closes the writers.
func (p *KafkaPublisher) Close() error {
	var firstErr error
	for _, w := range []messageWriter{p.trades, p.candles} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
