package strategy

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/aristath/sentinel-agent/internal/indicators"
	"github.com/aristath/sentinel-agent/internal/marketdata"
	"github.com/aristath/sentinel-agent/internal/pipeline"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	tickFloor    = 5 * time.Second
	tickBudget   = 2 * time.Second
)

// Submitter is the narrow view of the command pipeline (C8) the monitor
// needs: submit a candidate order.
type Submitter interface {
	Submit(ctx context.Context, cmd *pipeline.Command) (string, error)
}

// SpreadSource supplies the current bid/ask spread for a symbol, used by
// the spread filter; kept as an interface so the monitor has no bridge
// dependency. internal/agent passes a nil SpreadSource; with none, the
// spread is taken as 0 and the spread filter never trips.
type SpreadSource interface {
	Spread(symbol string) float64
}

// Monitor is the strategy monitor (C7): one goroutine per active
// strategy, each on its own ticker so a slow evaluation never starves
// another strategy.
type Monitor struct {
	cache     *marketdata.Cache
	submitter Submitter
	spreads   SpreadSource
	sink      *audit.Store
	log       zerolog.Logger

	mu        sync.RWMutex
	active    map[string]*running
}

type running struct {
	strategy *Strategy
	state    MonitorState
	cancel   context.CancelFunc
}

func NewMonitor(cache *marketdata.Cache, submitter Submitter, spreads SpreadSource, sink *audit.Store, log zerolog.Logger) *Monitor {
	return &Monitor{
		cache:     cache,
		submitter: submitter,
		spreads:   spreads,
		sink:      sink,
		log:       log.With().Str("component", "strategy").Logger(),
		active:    make(map[string]*running),
	}
}

// Activate starts evaluating strategy. Idempotent: re-activating a
// running strategy restarts its loop with the new definition.
func (m *Monitor) Activate(s *Strategy) {
	m.Deactivate(s.ID)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{strategy: s, cancel: cancel}

	m.mu.Lock()
	m.active[s.ID] = r
	m.mu.Unlock()

	go m.loop(ctx, r)
}

// Deactivate stops evaluating a strategy, if running.
func (m *Monitor) Deactivate(id string) {
	m.mu.Lock()
	r, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// State returns a copy of a strategy's MonitorState, if active.
func (m *Monitor) State(id string) (MonitorState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.active[id]
	if !ok {
		return MonitorState{}, false
	}
	return r.state, true
}

// HandleOutcome implements pipeline.OutcomeListener: it translates an
// executed trading-action command back into the per-strategy open-position
// update OnOutcome applies, using the strategyId/ticket the monitor itself
// stamped into the candidate order's payload (see submitCandidate).
func (m *Monitor) HandleOutcome(cmd *pipeline.Command, result map[string]interface{}) {
	strategyID, _ := cmd.Payload["strategyId"].(string)
	if strategyID == "" {
		return
	}
	ticket := ticketString(result["ticket"])

	switch cmd.Kind {
	case pipeline.KindOpenPosition:
		m.OnOutcome(strategyID, "OPEN", ticket)
	case pipeline.KindClosePosition:
		m.OnOutcome(strategyID, "CLOSE", ticket)
	}
}

// ticketString normalizes a bridge reply's ticket field, which arrives as
// a string when it round-trips through JSON as a quoted value but as a
// float64 when the terminal encodes it as a bare number (every JSON
// number decodes to float64 in a map[string]interface{}).
func ticketString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// OnOutcome updates MonitorState from a command outcome tagged with a
// strategy id (spec.md §4.4 "Open-position tracking").
func (m *Monitor) OnOutcome(strategyID, kind, ticket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[strategyID]
	if !ok {
		return
	}
	switch kind {
	case "OPEN":
		r.state.HasOpenPosition = true
		r.state.OpenTicket = ticket
	case "CLOSE", "positionMissing":
		r.state.HasOpenPosition = false
		r.state.OpenTicket = ""
	}
}

func (m *Monitor) loop(ctx context.Context, r *running) {
	period := time.Duration(r.strategy.CooldownMs) * time.Millisecond
	tickPeriod := tickFloor
	if period > 0 && period < tickFloor {
		tickPeriod = tickFloor // the tick period is always tickFloor; CooldownMs governs the signal cooldown checked in tick, not tick cadence
	}

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, tickBudget)
			m.tick(tickCtx, r)
			cancel()
		}
	}
}

// tick implements spec.md §4.4's per-tick algorithm, steps 1-6.
func (m *Monitor) tick(ctx context.Context, r *running) {
	now := time.Now()
	m.mu.Lock()
	r.state.LastCheckAt = now
	r.state.ChecksCount++
	state := r.state
	m.mu.Unlock()

	s := r.strategy
	for _, symbol := range s.Symbols {
		timeframe := "1m"
		if len(s.Timeframes) > 0 {
			timeframe = s.Timeframes[0]
		}

		candles, ok := m.cache.Candles(symbol, timeframe)
		if !ok {
			m.skip(s.ID, "skip:noCandles")
			continue
		}

		spread := 0.0
		if m.spreads != nil {
			spread = m.spreads.Spread(symbol)
		}
		if reason := evaluateFilters(s.Filters, now, spread, candles); reason != "" {
			m.skip(s.ID, reason)
			continue
		}

		if state.HasOpenPosition {
			m.evaluateExit(ctx, s, symbol, candles, state)
			continue
		}

		if s.CooldownMs > 0 && !state.LastSignalAt.IsZero() && now.Sub(state.LastSignalAt) < time.Duration(s.CooldownMs)*time.Millisecond {
			m.skip(s.ID, "skip:cooldown")
			continue
		}

		m.evaluateEntry(ctx, s, symbol, candles)
	}
}

func (m *Monitor) skip(strategyID, reason string) {
	_, _ = m.sink.Append(context.Background(), audit.KindStrategySkip, audit.SeverityDebug, audit.StrategySkipPayload{
		StrategyID: strategyID, Reason: reason,
	})
}

func (m *Monitor) evalContext(s *Strategy, candles []marketdata.Candle) EvalContext {
	values := make(map[string]float64, len(s.Indicators))
	for name, spec := range s.Indicators {
		var v indicators.Value
		switch spec.Type {
		case "rsi":
			v = indicators.RSI(candles, spec.Period)
		case "ema":
			v = indicators.EMA(candles, spec.Period)
		case "sma":
			v = indicators.SMA(candles, spec.Period)
		case "atr":
			v = indicators.ATR(candles, spec.Period)
		case "macd":
			v = indicators.MACD(candles, spec.FastPeriod, spec.SlowPeriod, spec.SignalPeriod).MACD
		case "macdSignal":
			v = indicators.MACD(candles, spec.FastPeriod, spec.SlowPeriod, spec.SignalPeriod).Signal
		case "macdHist":
			v = indicators.MACD(candles, spec.FastPeriod, spec.SlowPeriod, spec.SignalPeriod).Hist
		case "trend":
			values[name] = float64(indicators.Trend(candles, spec.FastPeriod, spec.SlowPeriod))
			continue
		}
		if v.Current != nil {
			values[name] = *v.Current
		}
	}
	return EvalContext{Values: values}
}

func (m *Monitor) evaluateEntry(ctx context.Context, s *Strategy, symbol string, candles []marketdata.Candle) {
	evalCtx := m.evalContext(s, candles)
	fired := false
	for _, rule := range s.EntryRules {
		if rule.EvalBool(evalCtx) {
			fired = true
			break
		}
	}
	if !fired {
		m.skip(s.ID, "skip:noSignal")
		return
	}

	side, volume, stopLoss, takeProfit := sizeOrder(s, candles, evalCtx)
	payload := map[string]interface{}{
		"symbol":        symbol,
		"side":          side,
		"volume":        volume,
		"stopLossPrice": stopLoss,
		"takeProfitPrice": takeProfit,
		"strategyId":    s.ID,
	}
	m.submitCandidate(ctx, s, pipeline.KindOpenPosition, payload)
}

func (m *Monitor) evaluateExit(ctx context.Context, s *Strategy, symbol string, candles []marketdata.Candle, state MonitorState) {
	evalCtx := m.evalContext(s, candles)
	for _, rule := range s.ExitRules {
		if rule.EvalBool(evalCtx) {
			payload := map[string]interface{}{
				"symbol":     symbol,
				"ticket":     state.OpenTicket,
				"strategyId": s.ID,
			}
			m.submitCandidate(ctx, s, pipeline.KindClosePosition, payload)
			return
		}
	}
	m.skip(s.ID, "skip:noExitSignal")
}

func (m *Monitor) submitCandidate(ctx context.Context, s *Strategy, kind pipeline.Kind, payload map[string]interface{}) {
	cmd := &pipeline.Command{
		ID:       uuid.NewString(),
		Kind:     kind,
		Priority: pipeline.PriorityNormal,
		Payload:  payload,
		IssuedAt: time.Now(),
		Source:   pipeline.SourceStrategy,
	}
	if _, err := m.submitter.Submit(ctx, cmd); err != nil {
		m.log.Warn().Err(err).Str("strategyId", s.ID).Msg("candidate order rejected at intake")
		return
	}
	m.mu.Lock()
	if r, ok := m.active[s.ID]; ok {
		r.state.LastSignalAt = time.Now()
		r.state.SignalsCount++
	}
	m.mu.Unlock()
	_, _ = m.sink.Append(ctx, audit.KindStrategySignal, audit.SeverityInfo, audit.GenericPayload{
		"kind": string(audit.KindStrategySignal), "strategyId": s.ID, "commandKind": string(kind),
	})
}

// sizeOrder computes side/volume/stop-loss/take-profit. Side is always
// "buy" and volume is RiskSpec.RiskPerTradePct as given; the stop-loss
// and take-profit distances scale with the latest ATR reading.
func sizeOrder(s *Strategy, candles []marketdata.Candle, evalCtx EvalContext) (side string, volume, stopLoss, takeProfit float64) {
	last := candles[len(candles)-1]
	atr := 0.0
	if v, ok := evalCtx.Values["atr"]; ok {
		atr = v
	} else {
		if r := indicators.ATR(candles, 14); r.Current != nil {
			atr = *r.Current
		}
	}
	if atr <= 0 {
		atr = last.High - last.Low
	}

	side = "buy"
	stopDistance := atr * s.RiskSpec.StopLossATRMult
	if stopDistance <= 0 {
		stopDistance = atr
	}
	stopLoss = last.Close - stopDistance
	takeProfit = last.Close + stopDistance*s.RiskSpec.TakeProfitRatio

	volume = s.RiskSpec.RiskPerTradePct // caller/safety validator does the final risk-budget math; this is a starting size
	return side, volume, stopLoss, takeProfit
}
