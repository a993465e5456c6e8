package safety

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
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

func openCmd() *pipeline.Command {
	return &pipeline.Command{ID: "c1", Kind: pipeline.KindOpenPosition}
}

func freshAccount() AccountSnapshot {
	return AccountSnapshot{
		Equity:                  10000,
		BalanceAtDayStart:       10000,
		PeakEquitySinceDayStart: 10000,
		CapturedAt:              time.Now(),
	}
}

func permissiveLimits() Limits {
	return Limits{
		AllowedSymbols:     map[string]bool{"EURUSD": true},
		MaxOpenPositions:   5,
		MaxLotSize:         1.0,
		MaxRiskPerTradePct: 2,
		MaxDailyLossPct:    5,
		MaxDrawdownPct:     10,
		SymbolRiskFactor:   map[string]float64{},
	}
}

func newValidator(t *testing.T, limits Limits) *Validator {
	return New(limits, testStore(t), zerolog.Nop())
}

func TestValidateAllowsWithinLimits(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	intent := TradeIntent{Symbol: "EURUSD", Volume: 0.1, EntryPrice: 1.1000, StopLossPrice: 1.0950}
	allow, reason := v.Validate(openCmd(), intent, freshAccount(), nil)
	assert.True(t, allow)
	assert.Empty(t, reason)
}

func TestValidateDeniesWhenEmergencyStopLatched(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	v.Latch(context.Background(), "test")

	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 0.1}, freshAccount(), nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonEmergencyStopActive, reason)
}

func TestResetClearsLatch(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	v.Latch(context.Background(), "test")
	require.True(t, v.Latched())

	v.Reset(context.Background())
	assert.False(t, v.Latched())
}

func TestValidateDeniesSymbolNotAllowed(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "GBPUSD", Volume: 0.1}, freshAccount(), nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonSymbolNotAllowed, reason)
}

func TestValidateDeniesForbiddenHour(t *testing.T) {
	limits := permissiveLimits()
	limits.ForbiddenHours = []HourRange{{Start: 0, End: 24}}
	v := newValidator(t, limits)

	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 0.1}, freshAccount(), nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonTimeForbidden, reason)
}

func TestValidateDeniesStaleAccount(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	stale := freshAccount()
	stale.CapturedAt = time.Now().Add(-time.Minute)

	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 0.1}, stale, nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonStaleAccount, reason)
}

func TestValidateDeniesStaleAccountWhenNeverCaptured(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 0.1}, AccountSnapshot{}, nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonStaleAccount, reason)
}

func TestValidateDeniesPositionLimit(t *testing.T) {
	limits := permissiveLimits()
	limits.MaxOpenPositions = 1
	v := newValidator(t, limits)

	positions := []Position{{Symbol: "EURUSD", Volume: 0.1}}
	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 0.1}, freshAccount(), positions)
	assert.False(t, allow)
	assert.Equal(t, ReasonPositionLimit, reason)
}

func TestValidateDeniesLotTooLarge(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 5.0}, freshAccount(), nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonLotTooLarge, reason)
}

func TestValidateDeniesRiskTooHigh(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	intent := TradeIntent{Symbol: "EURUSD", Volume: 1.0, EntryPrice: 600, StopLossPrice: 100} // distance huge relative to equity
	allow, reason := v.Validate(openCmd(), intent, freshAccount(), nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonRiskTooHigh, reason)
}

func TestValidateDeniesAndLatchesDailyLossExceeded(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	account := freshAccount()
	account.Equity = 9000 // 10% daily loss against a 5% limit

	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 0.1}, account, nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonDailyLossExceeded, reason)
	assert.True(t, v.Latched(), "exceeding the daily loss limit latches the emergency stop")
}

func TestValidateDeniesAndLatchesDrawdownExceeded(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	account := freshAccount()
	account.Equity = 8500
	account.BalanceAtDayStart = 8500 // no daily loss relative to day start
	account.PeakEquitySinceDayStart = 10000 // but deep drawdown from the session peak

	allow, reason := v.Validate(openCmd(), TradeIntent{Symbol: "EURUSD", Volume: 0.1}, account, nil)
	assert.False(t, allow)
	assert.Equal(t, ReasonDrawdownExceeded, reason)
	assert.True(t, v.Latched())
}

func TestValidateNonOpenPositionSkipsSymbolAndRiskChecks(t *testing.T) {
	v := newValidator(t, permissiveLimits())
	cmd := &pipeline.Command{ID: "c2", Kind: pipeline.KindCloseAll}
	allow, reason := v.Validate(cmd, TradeIntent{Symbol: "NOTALLOWED", Volume: 0.1}, freshAccount(), nil)
	assert.True(t, allow)
	assert.Empty(t, reason)
}

func TestHourRangeWrapsPastMidnight(t *testing.T) {
	r := HourRange{Start: 22, End: 2}
	assert.True(t, r.contains(23))
	assert.True(t, r.contains(1))
	assert.False(t, r.contains(12))
}
