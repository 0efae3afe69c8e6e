// Package fanout multiplexes live trade, price and candle updates to
// websocket subscribers over named channels.
package fanout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"amm-analytics/internal/domain"
)

// ErrInvalidChannel is returned for malformed channel names.
var ErrInvalidChannel = errors.New("invalid channel")

// Kind is the stream a channel carries.
type Kind string

// Channel kinds
const (
	KindTrades  Kind = "trades"
	KindCandles Kind = "candles"
	KindPrice   Kind = "price"
)

// Channel is a parsed channel name.
type Channel struct {
	Kind      Kind
	Pair      string
	Timeframe domain.Timeframe // candles only
}

// ParseChannel validates trades:<pair>, price:<pair> or
// candles:<pair>:<timeframe>. The pair address is normalized.
func ParseChannel(name string) (Channel, error) {
	parts := strings.Split(name, ":")
	if len(parts) < 2 {
		return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	if !common.IsHexAddress(parts[1]) {
		return Channel{}, fmt.Errorf("%w: bad pair address in %q", ErrInvalidChannel, name)
	}
	ch := Channel{Kind: Kind(parts[0]), Pair: domain.NormalizeAddress(parts[1])}

	switch ch.Kind {
	case KindTrades, KindPrice:
		if len(parts) != 2 {
			return Channel{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
		}
	case KindCandles:
		if len(parts) != 3 {
			return Channel{}, fmt.Errorf("%w: missing timeframe in %q", ErrInvalidChannel, name)
		}
		tf, err := domain.ParseTimeframe(parts[2])
		if err != nil {
			return Channel{}, fmt.Errorf("%w: %v", ErrInvalidChannel, err)
		}
		ch.Timeframe = tf
	default:
		return Channel{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidChannel, parts[0])
	}
	return ch, nil
}

// String returns the canonical channel name.
func (c Channel) String() string {
	if c.Kind == KindCandles {
		return CandlesChannel(c.Pair, c.Timeframe)
	}
	return string(c.Kind) + ":" + c.Pair
}

// TradesChannel returns the trade channel name of pair.
func TradesChannel(pair string) string {
	return string(KindTrades) + ":" + domain.NormalizeAddress(pair)
}

// PriceChannel returns the price channel name of pair.
func PriceChannel(pair string) string {
	return string(KindPrice) + ":" + domain.NormalizeAddress(pair)
}

// CandlesChannel returns the candle channel name of pair and tf.
func CandlesChannel(pair string, tf domain.Timeframe) string {
	return string(KindCandles) + ":" + domain.NormalizeAddress(pair) + ":" + string(tf)
}
