package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/sentinel-agent/internal/pipeline"
	"github.com/aristath/sentinel-agent/internal/safety"
	"github.com/aristath/sentinel-agent/internal/strategy"
)

// registerInternalHandlers wires the command kinds that spec.md §3 routes
// to a component's own state instead of the terminal bridge — starting
// and stopping a strategy monitor loop, engaging and clearing the safety
// latch — via the pipeline's InternalHandler extension point
// (internal/pipeline's dispatcher checks this registry before ever
// calling Bridge.Execute, see dispatcher.go). bridge is used only by the
// EMERGENCY_STOP handler, to flatten open exposure once the latch is set.
func registerInternalHandlers(pipe *pipeline.Pipeline, monitor *strategy.Monitor, validator *safety.Validator, bridge pipeline.Bridge) {
	pipe.RegisterHandler(pipeline.KindEmergencyStop, func(ctx context.Context, cmd *pipeline.Command) (map[string]interface{}, error) {
		validator.Latch(ctx, "operatorEmergencyStop")
		if _, err := bridge.Execute(ctx, string(pipeline.KindCloseAll), nil); err != nil {
			return nil, fmt.Errorf("safety: emergency stop close-all: %w", err)
		}
		return map[string]interface{}{"message": "emergency stop latched", "action": "closeAll"}, nil
	})

	pipe.RegisterHandler(pipeline.KindStartStrategy, func(ctx context.Context, cmd *pipeline.Command) (map[string]interface{}, error) {
		s, err := decodeStrategy(cmd.Payload)
		if err != nil {
			return nil, err
		}
		monitor.Activate(s)
		return map[string]interface{}{"message": "strategy activated", "strategyId": s.ID}, nil
	})

	pipe.RegisterHandler(pipeline.KindStopStrategy, func(ctx context.Context, cmd *pipeline.Command) (map[string]interface{}, error) {
		id, _ := cmd.Payload["strategyId"].(string)
		if id == "" {
			return nil, fmt.Errorf("strategy: STOP_STRATEGY payload missing strategyId")
		}
		monitor.Deactivate(id)
		return map[string]interface{}{"message": "strategy deactivated", "strategyId": id}, nil
	})

	pipe.RegisterHandler(pipeline.KindResetSafety, func(ctx context.Context, cmd *pipeline.Command) (map[string]interface{}, error) {
		validator.Reset(ctx)
		return map[string]interface{}{"message": "safety latch cleared"}, nil
	})

	pipe.RegisterHandler(pipeline.KindPing, func(ctx context.Context, cmd *pipeline.Command) (map[string]interface{}, error) {
		return map[string]interface{}{"message": "pong"}, nil
	})
}

// decodeStrategy round-trips a command's generic payload through JSON into
// a *strategy.Strategy — the payload arrives as map[string]interface{}
// off either the control-plane REST decoder or the operator HTTP decoder,
// neither of which know about the strategy package's types.
func decodeStrategy(payload map[string]interface{}) (*strategy.Strategy, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("strategy: re-encode START_STRATEGY payload: %w", err)
	}
	var s strategy.Strategy
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("strategy: decode START_STRATEGY payload: %w", err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("strategy: START_STRATEGY payload missing id")
	}
	return &s, nil
}
