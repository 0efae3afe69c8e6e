package domain

import "fmt"

// Timeframe is a fixed candle bucket width.
type Timeframe string

// Supported timeframes
const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// Timeframes lists every supported timeframe from narrowest to widest.
var Timeframes = []Timeframe{
	Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m,
	Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w,
}

var timeframeSeconds = map[Timeframe]int64{
	Timeframe1m:  60,
	Timeframe5m:  5 * 60,
	Timeframe15m: 15 * 60,
	Timeframe30m: 30 * 60,
	Timeframe1h:  3600,
	Timeframe4h:  4 * 3600,
	Timeframe1d:  86400,
	Timeframe1w:  7 * 86400,
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeSeconds[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Seconds returns the bucket width in seconds.
func (tf Timeframe) Seconds() int64 {
	return timeframeSeconds[tf]
}

// BucketStart returns floor(ts/width)*width.
// Weekly buckets are aligned to the unix epoch.
func (tf Timeframe) BucketStart(ts int64) int64 {
	d := tf.Seconds()
	if d == 0 {
		return ts
	}
	start := (ts / d) * d
	if ts < 0 && ts%d != 0 {
		start -= d
	}
	return start
}

// BucketEnd returns the exclusive end of the bucket containing ts.
func (tf Timeframe) BucketEnd(ts int64) int64 {
	return tf.BucketStart(ts) + tf.Seconds()
}
