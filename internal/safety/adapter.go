package safety

import (
	"github.com/aristath/sentinel-agent/internal/pipeline"
)

// AccountProvider and PositionProvider decouple the validator from how
// account/position state is actually tracked (the bridge's cached
// snapshot, in the finished agent) — the same narrow-capability-
// interface style used throughout this module for cross-component
// wiring.
type AccountProvider interface {
	Account() AccountSnapshot
}

type PositionProvider interface {
	Positions() []Position
}

// PipelineAdapter satisfies pipeline.Validator, translating a generic
// Command into the TradeIntent/AccountSnapshot/[]Position shape Validate
// needs. Only OPEN_POSITION commands carry trade intent in their
// payload; other trading actions (CLOSE_POSITION, MODIFY_POSITION,
// CLOSE_ALL) are risk-checked against the account/position state alone.
type PipelineAdapter struct {
	validator *Validator
	accounts  AccountProvider
	positions PositionProvider
}

func NewPipelineAdapter(v *Validator, accounts AccountProvider, positions PositionProvider) *PipelineAdapter {
	return &PipelineAdapter{validator: v, accounts: accounts, positions: positions}
}

func (a *PipelineAdapter) Validate(cmd *pipeline.Command) (bool, string) {
	intent := intentFromPayload(cmd.Payload)
	return a.validator.Validate(cmd, intent, a.accounts.Account(), a.positions.Positions())
}

func intentFromPayload(payload map[string]interface{}) TradeIntent {
	var intent TradeIntent
	if v, ok := payload["symbol"].(string); ok {
		intent.Symbol = v
	}
	if v, ok := payload["volume"].(float64); ok {
		intent.Volume = v
	}
	if v, ok := payload["entryPrice"].(float64); ok {
		intent.EntryPrice = v
	}
	if v, ok := payload["stopLossPrice"].(float64); ok {
		intent.StopLossPrice = v
	}
	return intent
}
