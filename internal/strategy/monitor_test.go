package strategy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/aristath/sentinel-agent/internal/marketdata"
	"github.com/aristath/sentinel-agent/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *audit.Store {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := audit.Open(audit.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeSubmitter struct {
	mu   sync.Mutex
	cmds []*pipeline.Command
}

func (f *fakeSubmitter) Submit(ctx context.Context, cmd *pipeline.Command) (string, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	return cmd.ID, nil
}

func basicStrategy(id string) *Strategy {
	return &Strategy{
		ID:         id,
		Symbols:    []string{"EURUSD"},
		Timeframes: []string{"1m"},
		EntryRules: []*Rule{{Op: OpGT, Left: indRule("rsi"), Right: constRule(70)}},
		ExitRules:  []*Rule{{Op: OpLT, Left: indRule("rsi"), Right: constRule(30)}},
		Indicators: map[string]IndicatorSpec{"rsi": {Type: "rsi", Period: 2}},
		RiskSpec:   RiskSpec{RiskPerTradePct: 1, StopLossATRMult: 1, TakeProfitRatio: 2},
	}
}

func seedCandles(cache *marketdata.Cache, symbol, timeframe string, n int) {
	for i := 0; i < n; i++ {
		cache.Update(symbol, timeframe, marketdata.Candle{
			OpenTime: time.Unix(int64(i*60), 0),
			Open:     1.0, High: 1.01, Low: 0.99, Close: 1.0 + float64(i)*0.01,
		})
	}
}

func TestTickSkipsWhenNoCandles(t *testing.T) {
	cache := marketdata.New(100)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	r := &running{strategy: s}
	m.tick(context.Background(), r)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Empty(t, sub.cmds, "no candles means no candidate order should be submitted")
}

func TestTickSubmitsEntryWhenRuleFires(t *testing.T) {
	cache := marketdata.New(100)
	seedCandles(cache, "EURUSD", "1m", 30) // strictly rising closes -> RSI saturates high
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	m.mu.Lock()
	m.active[s.ID] = &running{strategy: s}
	m.mu.Unlock()
	r := m.active[s.ID]

	m.tick(context.Background(), r)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.cmds, 1)
	assert.Equal(t, pipeline.KindOpenPosition, sub.cmds[0].Kind)
	assert.Equal(t, pipeline.SourceStrategy, sub.cmds[0].Source)
}

func TestTickSkipsCooldownAfterSignal(t *testing.T) {
	cache := marketdata.New(100)
	seedCandles(cache, "EURUSD", "1m", 30)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	s.CooldownMs = 60_000
	r := &running{strategy: s, state: MonitorState{LastSignalAt: time.Now()}}
	m.mu.Lock()
	m.active[s.ID] = r
	m.mu.Unlock()

	m.tick(context.Background(), r)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Empty(t, sub.cmds, "a strategy still inside its cooldown window must not submit another entry")
}

func TestTickEvaluatesExitWhenPositionOpen(t *testing.T) {
	cache := marketdata.New(100)
	// descending closes: RSI over a falling series saturates low, firing the exit rule (rsi < 30)
	for i := 0; i < 30; i++ {
		cache.Update("EURUSD", "1m", marketdata.Candle{
			OpenTime: time.Unix(int64(i*60), 0),
			Close:    10.0 - float64(i)*0.1,
		})
	}
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	r := &running{strategy: s, state: MonitorState{HasOpenPosition: true, OpenTicket: "T1"}}
	m.mu.Lock()
	m.active[s.ID] = r
	m.mu.Unlock()

	m.tick(context.Background(), r)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.cmds, 1)
	assert.Equal(t, pipeline.KindClosePosition, sub.cmds[0].Kind)
}

func TestActivateThenDeactivateStopsLoop(t *testing.T) {
	cache := marketdata.New(100)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	m.Activate(s)
	_, ok := m.State("s1")
	assert.True(t, ok)

	m.Deactivate("s1")
	_, ok = m.State("s1")
	assert.False(t, ok)
}

func TestActivateIsIdempotentPerStrategyID(t *testing.T) {
	cache := marketdata.New(100)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	m.Activate(s)
	m.Activate(s) // re-activating must not leak a second goroutine/state entry

	assert.Len(t, m.active, 1)
	m.Deactivate("s1")
}

func TestOnOutcomeTracksOpenAndClose(t *testing.T) {
	cache := marketdata.New(100)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	m.mu.Lock()
	m.active[s.ID] = &running{strategy: s}
	m.mu.Unlock()

	m.OnOutcome("s1", "OPEN", "T1")
	state, _ := m.State("s1")
	assert.True(t, state.HasOpenPosition)
	assert.Equal(t, "T1", state.OpenTicket)

	m.OnOutcome("s1", "CLOSE", "")
	state, _ = m.State("s1")
	assert.False(t, state.HasOpenPosition)
}

func TestHandleOutcomeTranslatesPipelineCommand(t *testing.T) {
	cache := marketdata.New(100)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	m.mu.Lock()
	m.active[s.ID] = &running{strategy: s}
	m.mu.Unlock()

	cmd := &pipeline.Command{Kind: pipeline.KindOpenPosition, Payload: map[string]interface{}{"strategyId": "s1"}}
	m.HandleOutcome(cmd, map[string]interface{}{"ticket": "T2"})

	state, _ := m.State("s1")
	assert.True(t, state.HasOpenPosition)
	assert.Equal(t, "T2", state.OpenTicket)
}

func TestHandleOutcomeNormalizesNumericTicket(t *testing.T) {
	cache := marketdata.New(100)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	s := basicStrategy("s1")
	m.mu.Lock()
	m.active[s.ID] = &running{strategy: s}
	m.mu.Unlock()

	cmd := &pipeline.Command{Kind: pipeline.KindOpenPosition, Payload: map[string]interface{}{"strategyId": "s1"}}
	m.HandleOutcome(cmd, map[string]interface{}{"ticket": float64(777)})

	state, _ := m.State("s1")
	assert.True(t, state.HasOpenPosition)
	assert.Equal(t, "777", state.OpenTicket, "a numeric bridge ticket must not be silently dropped")
}

func TestHandleOutcomeIgnoresCommandWithoutStrategyID(t *testing.T) {
	cache := marketdata.New(100)
	sub := &fakeSubmitter{}
	m := NewMonitor(cache, sub, nil, testStore(t), zerolog.Nop())

	cmd := &pipeline.Command{Kind: pipeline.KindOpenPosition, Payload: map[string]interface{}{}}
	assert.NotPanics(t, func() { m.HandleOutcome(cmd, nil) })
}
