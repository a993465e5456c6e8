// Package safety implements the safety validator (C4): a synchronous,
// side-effect-mostly-free series of short-circuiting checks that stand
// between a validated, authenticated command and the terminal bridge.
//
// Structurally this generalizes the teacher's
// internal/modules/trading.TradeSafetyService — a named, independently
// logged "layer N" check per concern, run in a fixed order, first denial
// wins — from the teacher's five broker-safety layers to the nine
// checks spec.md §4.2 names.
package safety

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/aristath/sentinel-agent/internal/pipeline"
	"github.com/rs/zerolog"
)

// AccountSnapshot is the account state the validator checks freshness and
// risk numbers against (spec.md §4.2 checks 4, 7, 8, 9).
type AccountSnapshot struct {
	Equity                float64
	BalanceAtDayStart     float64
	PeakEquitySinceDayStart float64
	CapturedAt            time.Time
}

// Position is the minimal open-position view the validator needs for the
// max-open-positions check (spec.md §4.2 check 5).
type Position struct {
	Symbol string
	Volume float64
}

// Limits is the operator-configured risk policy the checks are evaluated
// against.
type Limits struct {
	AllowedSymbols     map[string]bool
	ForbiddenHours     []HourRange // local wall-clock
	MaxOpenPositions   int
	MaxLotSize         float64
	MaxRiskPerTradePct float64
	MaxDailyLossPct    float64
	MaxDrawdownPct     float64
	SymbolRiskFactor   map[string]float64 // defaults to 1.0 when absent
}

// HourRange is a half-open [Start, End) window of local hours, 0-23.
type HourRange struct {
	Start, End int
}

func (r HourRange) contains(hour int) bool {
	if r.Start <= r.End {
		return hour >= r.Start && hour < r.End
	}
	return hour >= r.Start || hour < r.End // wraps past midnight
}

// Deny reasons, exactly as named in spec.md §4.2.
const (
	ReasonEmergencyStopActive = "emergencyStopActive"
	ReasonSymbolNotAllowed    = "symbolNotAllowed"
	ReasonTimeForbidden       = "timeForbidden"
	ReasonStaleAccount        = "staleAccount"
	ReasonPositionLimit       = "positionLimit"
	ReasonLotTooLarge         = "lotTooLarge"
	ReasonRiskTooHigh         = "riskTooHigh"
	ReasonDailyLossExceeded   = "dailyLossExceeded"
	ReasonDrawdownExceeded    = "drawdownExceeded"
)

// Validator is the C4 safety gate. One Validator instance guards the
// whole agent; the emergency-stop latch is the single piece of mutable
// state it owns.
type Validator struct {
	mu      sync.RWMutex
	latched bool

	limits Limits
	clock  func() time.Time
	sink   *audit.Store
	log    zerolog.Logger
}

func New(limits Limits, sink *audit.Store, log zerolog.Logger) *Validator {
	return &Validator{
		limits: limits,
		clock:  time.Now,
		sink:   sink,
		log:    log.With().Str("component", "safety").Logger(),
	}
}

// Latched reports whether the emergency stop is currently engaged.
func (v *Validator) Latched() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.latched
}

// Latch engages the emergency stop. Called directly for EMERGENCY_STOP
// commands and internally when a deny-and-latch check fires.
func (v *Validator) Latch(ctx context.Context, reason string) {
	v.mu.Lock()
	v.latched = true
	v.mu.Unlock()
	v.log.Warn().Str("reason", reason).Msg("emergency stop latched")
	_, _ = v.sink.Append(ctx, audit.KindSafetyLatched, audit.SeveritySecurity, audit.SafetyEventPayload{
		Reason: reason, Latched: true,
	})
}

// Reset clears the emergency stop. Callers must have already verified the
// clearing command is OPERATOR-signed RESET_SAFETY (spec.md §4.2 "Latch
// semantics") — this method only records the clearance.
func (v *Validator) Reset(ctx context.Context) {
	v.mu.Lock()
	v.latched = false
	v.mu.Unlock()
	v.log.Info().Msg("emergency stop reset")
	_, _ = v.sink.Append(ctx, audit.KindSafetyReset, audit.SeveritySecurity, audit.SafetyEventPayload{
		Reason: "operatorReset", Latched: false,
	})
}

// TradeIntent is the trade-specific detail of an OPEN_POSITION-shaped
// command that the risk checks (7-9) need beyond the generic Command.
type TradeIntent struct {
	Symbol       string
	Volume       float64
	EntryPrice   float64
	StopLossPrice float64
}

// Validate implements spec.md §4.2's validate(command, accountSnapshot,
// positions) -> {allow | deny(reason)}.
func (v *Validator) Validate(cmd *pipeline.Command, intent TradeIntent, account AccountSnapshot, positions []Position) (bool, string) {
	if v.Latched() {
		return v.deny(cmd, ReasonEmergencyStopActive)
	}

	if cmd.Kind == pipeline.KindOpenPosition {
		if !v.limits.AllowedSymbols[intent.Symbol] {
			return v.deny(cmd, ReasonSymbolNotAllowed)
		}
	}

	hour := v.clock().Hour()
	for _, r := range v.limits.ForbiddenHours {
		if r.contains(hour) {
			return v.deny(cmd, ReasonTimeForbidden)
		}
	}

	if account.CapturedAt.IsZero() || v.clock().Sub(account.CapturedAt) > 30*time.Second {
		return v.deny(cmd, ReasonStaleAccount)
	}

	if len(positions)+1 > v.limits.MaxOpenPositions {
		return v.deny(cmd, ReasonPositionLimit)
	}

	if intent.Volume > v.limits.MaxLotSize {
		return v.deny(cmd, ReasonLotTooLarge)
	}

	if cmd.Kind == pipeline.KindOpenPosition {
		riskFactor := v.limits.SymbolRiskFactor[intent.Symbol]
		if riskFactor == 0 {
			riskFactor = 1.0
		}
		if account.Equity > 0 {
			distance := intent.EntryPrice - intent.StopLossPrice
			if distance < 0 {
				distance = -distance
			}
			riskPct := (distance * intent.Volume * riskFactor) / account.Equity * 100
			if riskPct > v.limits.MaxRiskPerTradePct {
				return v.deny(cmd, ReasonRiskTooHigh)
			}
		}
	}

	if account.BalanceAtDayStart > 0 {
		dailyLossPct := (account.BalanceAtDayStart - account.Equity) / account.BalanceAtDayStart * 100
		if dailyLossPct > v.limits.MaxDailyLossPct {
			v.Latch(context.Background(), ReasonDailyLossExceeded)
			return v.deny(cmd, ReasonDailyLossExceeded)
		}
	}

	if account.PeakEquitySinceDayStart > 0 {
		drawdownPct := (account.PeakEquitySinceDayStart - account.Equity) / account.PeakEquitySinceDayStart * 100
		if drawdownPct > v.limits.MaxDrawdownPct {
			v.Latch(context.Background(), ReasonDrawdownExceeded)
			return v.deny(cmd, ReasonDrawdownExceeded)
		}
	}

	return true, ""
}

func (v *Validator) deny(cmd *pipeline.Command, reason string) (bool, string) {
	v.log.Info().Str("commandId", cmd.ID).Str("reason", reason).Msg("trade denied")
	_, _ = v.sink.Append(context.Background(), audit.KindSafetyDenied, audit.SeverityInfo, audit.SafetyEventPayload{
		CommandID: cmd.ID, Reason: reason,
	})
	return false, reason
}
