package strategy

import (
	"time"

	"github.com/aristath/sentinel-agent/internal/marketdata"
	"gonum.org/v1/gonum/stat"
)

// evaluateFilters implements spec.md §4.4 step 2: session, time-of-day,
// spread, volatility floor. Returns "" if all pass, otherwise the name of
// the first filter that failed (used for the required skip-reason audit,
// spec.md §4.4 step 6).
func evaluateFilters(f Filters, now time.Time, spread float64, candles []marketdata.Candle) string {
	if f.SessionEndHour != 0 {
		hour := now.Hour()
		inSession := false
		if f.SessionStartHour <= f.SessionEndHour {
			inSession = hour >= f.SessionStartHour && hour < f.SessionEndHour
		} else {
			inSession = hour >= f.SessionStartHour || hour < f.SessionEndHour
		}
		if !inSession {
			return "filter:session"
		}
	}

	if len(f.AllowedWeekdays) > 0 {
		allowed := false
		for _, d := range f.AllowedWeekdays {
			if d == now.Weekday() {
				allowed = true
				break
			}
		}
		if !allowed {
			return "filter:timeOfDay"
		}
	}

	if f.MaxSpread > 0 && spread > f.MaxSpread {
		return "filter:spread"
	}

	if f.MinVolatility > 0 {
		if volatility(candles) < f.MinVolatility {
			return "filter:volatilityFloor"
		}
	}

	return ""
}

// volatility computes the standard deviation of close-to-close returns
// over the available candle window, via gonum/stat rather than a
// hand-rolled variance accumulator — the rest of the example pack reaches
// for gonum wherever a statistical primitive is needed.
func volatility(candles []marketdata.Candle) float64 {
	if len(candles) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil)
}
