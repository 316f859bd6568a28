// Package timeframe maps the system's candle timeframes to durations,
// Bybit interval codes, and the priority ranking used by the
// same-symbol-same-side mutex upgrade.
package timeframe

import "time"

const (
	M15 = "15m"
	M30 = "30m"
	H1  = "1h"
	H4  = "4h"
	H8  = "8h"
	D1  = "1d"
)

var durations = map[string]time.Duration{
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	H8:  8 * time.Hour,
	D1:  24 * time.Hour,
}

// Duration returns the timeframe length, or 0 for unknown timeframes.
func Duration(tf string) time.Duration {
	return durations[tf]
}

// Ms returns the timeframe length in milliseconds.
func Ms(tf string) int64 {
	return durations[tf].Milliseconds()
}

// Valid reports whether tf is a timeframe the system understands.
func Valid(tf string) bool {
	_, ok := durations[tf]
	return ok
}

// Rank orders timeframes for mutex-upgrade priority: 15m<30m<1h<4h<8h<1d.
// Unknown timeframes rank lowest.
func Rank(tf string) int {
	switch tf {
	case M15:
		return 1
	case M30:
		return 2
	case H1:
		return 3
	case H4:
		return 4
	case H8:
		return 5
	case D1:
		return 6
	}
	return 0
}

// bybitIntervals holds the exchange-native interval codes. 8h has no native
// interval on Bybit and is derived from 1h bars by marketdata.
var bybitIntervals = map[string]string{
	M15: "15",
	M30: "30",
	H1:  "60",
	H4:  "240",
	D1:  "D",
}

// BybitInterval returns the Bybit v5 kline interval code for tf and whether
// the timeframe is exchange-native.
func BybitInterval(tf string) (string, bool) {
	iv, ok := bybitIntervals[tf]
	return iv, ok
}

// FromBybitInterval is the inverse of BybitInterval.
func FromBybitInterval(interval string) (string, bool) {
	for tf, iv := range bybitIntervals {
		if iv == interval {
			return tf, true
		}
	}
	return "", false
}

// CloseTime computes the inclusive close timestamp of a bar that opens at
// openMs: open + tf - 1ms.
func CloseTime(tf string, openMs int64) int64 {
	return openMs + Ms(tf) - 1
}
