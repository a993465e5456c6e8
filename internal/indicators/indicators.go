// Package indicators implements the indicator engine (C6): pure
// functions over C5 candle data producing RSI/MACD/trend/ATR values.
//
// Grounded directly on the teacher's trader-go/pkg/formulas package
// (CalculateRSI et al.): wrap github.com/markcheno/go-talib, return a
// *float64 (nil on insufficient data) for the latest value. Extended
// here to also return the prior value, since the strategy monitor's
// crossover rules (spec.md §4.4, §3 "Strategy") need two consecutive
// values to detect a cross.
package indicators

import (
	"github.com/aristath/sentinel-agent/internal/marketdata"
	"github.com/markcheno/go-talib"
)

// Value is a computed indicator reading: the current value and the one
// immediately prior, for crossover detection. Current is nil when there
// is not yet enough history.
type Value struct {
	Current *float64
	Prior   *float64
}

func isNaN(f float64) bool { return f != f }

func lastTwo(series []float64) Value {
	var v Value
	n := len(series)
	if n >= 1 && !isNaN(series[n-1]) {
		cur := series[n-1]
		v.Current = &cur
	}
	if n >= 2 && !isNaN(series[n-2]) {
		prior := series[n-2]
		v.Prior = &prior
	}
	return v
}

func closes(candles []marketdata.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func highs(candles []marketdata.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

func lows(candles []marketdata.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// RSI computes the Relative Strength Index over period bars.
func RSI(candles []marketdata.Candle, period int) Value {
	c := closes(candles)
	if len(c) < period+2 {
		return Value{}
	}
	return lastTwo(talib.Rsi(c, period))
}

// EMA computes the Exponential Moving Average over period bars.
func EMA(candles []marketdata.Candle, period int) Value {
	c := closes(candles)
	if len(c) < period+1 {
		return Value{}
	}
	return lastTwo(talib.Ema(c, period))
}

// SMA computes the Simple Moving Average over period bars.
func SMA(candles []marketdata.Candle, period int) Value {
	c := closes(candles)
	if len(c) < period+1 {
		return Value{}
	}
	return lastTwo(talib.Sma(c, period))
}

// ATR computes the Average True Range over period bars — used by
// strategy risk specs to size stop-loss distance.
func ATR(candles []marketdata.Candle, period int) Value {
	if len(candles) < period+2 {
		return Value{}
	}
	return lastTwo(talib.Atr(highs(candles), lows(candles), closes(candles), period))
}

// MACDValue is the three-line MACD reading (spec.md §2 "RSI/MACD/trend/ATR").
type MACDValue struct {
	MACD   Value
	Signal Value
	Hist   Value
}

// MACD computes the MACD line, signal line, and histogram.
func MACD(candles []marketdata.Candle, fast, slow, signal int) MACDValue {
	c := closes(candles)
	if len(c) < slow+signal+2 {
		return MACDValue{}
	}
	macd, sig, hist := talib.Macd(c, fast, slow, signal)
	return MACDValue{MACD: lastTwo(macd), Signal: lastTwo(sig), Hist: lastTwo(hist)}
}

// Trend reports a simple direction reading from a fast/slow EMA pair: 1
// rising, -1 falling, 0 flat or indeterminate. This is the "trend" value
// spec.md §2 names, expressed without a dedicated talib entry point.
func Trend(candles []marketdata.Candle, fastPeriod, slowPeriod int) int {
	fast := EMA(candles, fastPeriod)
	slow := EMA(candles, slowPeriod)
	if fast.Current == nil || slow.Current == nil {
		return 0
	}
	switch {
	case *fast.Current > *slow.Current:
		return 1
	case *fast.Current < *slow.Current:
		return -1
	default:
		return 0
	}
}
