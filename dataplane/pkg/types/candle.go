package types

import (
	"sort"
	"time"
)

var intervalDurations = map[string]time.Duration{
	"1s":  time.Second,
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// IntervalDuration returns the candle width of an interval.
func IntervalDuration(interval string) (time.Duration, bool) {
	d, ok := intervalDurations[interval]
	return d, ok
}

// IntervalTTL returns how long history for the interval may be cached:
// one candle width, clamped to [1m, 24h].
func IntervalTTL(interval string) time.Duration {
	d, ok := intervalDurations[interval]
	if !ok || d < time.Minute {
		return time.Minute
	}
	if d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}

// SortCandles sorts candles by open time in place and drops duplicates,
// keeping the last occurrence of each open time.
func SortCandles(candles []Candle) []Candle {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].OpenTime < candles[j].OpenTime
	})
	out := candles[:0]
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].OpenTime == c.OpenTime {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// MergeCandles merges two series into a new slice that is strictly increasing
// by open time. On equal open time the incoming candle wins.
func MergeCandles(existing, incoming []Candle) []Candle {
	a := SortCandles(append([]Candle(nil), existing...))
	b := SortCandles(append([]Candle(nil), incoming...))

	out := make([]Candle, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].OpenTime < b[j].OpenTime:
			out = append(out, a[i])
			i++
		case a[i].OpenTime > b[j].OpenTime:
			out = append(out, b[j])
			j++
		default:
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
