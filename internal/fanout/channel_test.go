package fanout

import (
	"errors"
	"testing"

	"amm-analytics/internal/domain"
)

const testPair = "0x0000000000000000000000000000000000000A01"

func TestParseChannel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Channel
		wantErr bool
	}{
		{"trades", "trades:" + testPair, Channel{Kind: KindTrades, Pair: "0x0000000000000000000000000000000000000a01"}, false},
		{"price", "price:" + testPair, Channel{Kind: KindPrice, Pair: "0x0000000000000000000000000000000000000a01"}, false},
		{"candles", "candles:" + testPair + ":5m", Channel{Kind: KindCandles, Pair: "0x0000000000000000000000000000000000000a01", Timeframe: domain.Timeframe5m}, false},
		{"candles without timeframe", "candles:" + testPair, Channel{}, true},
		{"candles bad timeframe", "candles:" + testPair + ":2m", Channel{}, true},
		{"trades with extra part", "trades:" + testPair + ":1m", Channel{}, true},
		{"unknown kind", "orders:" + testPair, Channel{}, true},
		{"bad address", "trades:0x123", Channel{}, true},
		{"empty", "", Channel{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannel(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidChannel) {
					t.Fatalf("expected ErrInvalidChannel, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestChannelString_RoundTrip(t *testing.T) {
	names := []string{
		TradesChannel(testPair),
		PriceChannel(testPair),
		CandlesChannel(testPair, domain.Timeframe1h),
	}
	for _, name := range names {
		ch, err := ParseChannel(name)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		if ch.String() != name {
			t.Errorf("expected %s, got %s", name, ch.String())
		}
	}
}
