package strategy

import "time"

// Strategy mirrors spec.md §3. JSON tags let a definition travel inside
// a START_STRATEGY command payload (spec.md §4.1 "payload (kind-
// specific)").
type Strategy struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	Active     bool                     `json:"active"`
	Symbols    []string                 `json:"symbols"`
	Timeframes []string                 `json:"timeframes"`
	EntryRules []*Rule                  `json:"entryRules"`
	ExitRules  []*Rule                  `json:"exitRules"`
	Filters    Filters                  `json:"filters"`
	CooldownMs int64                    `json:"cooldownMs"`
	RiskSpec   RiskSpec                 `json:"riskSpec"`
	Indicators map[string]IndicatorSpec `json:"indicators"` // name -> how to compute it, referenced by Rule.Indicator
}

// IndicatorSpec names which C6 function backs a rule tree's indicator
// reference, and its parameters.
type IndicatorSpec struct {
	Type         string `json:"type"` // "rsi", "ema", "sma", "atr", "macd", "macdSignal", "macdHist", "trend"
	Period       int    `json:"period"`
	FastPeriod   int    `json:"fastPeriod"`
	SlowPeriod   int    `json:"slowPeriod"`
	SignalPeriod int    `json:"signalPeriod"`
}

// Filters gates a tick before rules are even evaluated (spec.md §4.4
// step 2: "session, time-of-day, spread, volatility floor").
type Filters struct {
	SessionStartHour int             `json:"sessionStartHour"`
	SessionEndHour   int             `json:"sessionEndHour"` // local wall-clock, 0 means "no session gate"
	AllowedWeekdays  []time.Weekday  `json:"allowedWeekdays"`
	MaxSpread        float64         `json:"maxSpread"`
	MinVolatility    float64         `json:"minVolatility"` // floor on a recent stdev-of-returns reading
}

// RiskSpec sizes a candidate order.
type RiskSpec struct {
	RiskPerTradePct float64 `json:"riskPerTradePct"`
	StopLossATRMult float64 `json:"stopLossAtrMult"`
	TakeProfitRatio float64 `json:"takeProfitRatio"` // take-profit distance as a multiple of stop-loss distance
}

// MonitorState is the per-active-strategy runtime record spec.md §3
// names. Owned exclusively by the strategy monitor; other components may
// read but not mutate it.
type MonitorState struct {
	LastCheckAt     time.Time
	LastSignalAt    time.Time
	ChecksCount     int64
	SignalsCount    int64
	HasOpenPosition bool
	OpenTicket      string
}
