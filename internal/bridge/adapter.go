package bridge

import (
	"context"
	"errors"

	"github.com/aristath/sentinel-agent/internal/pipeline"
)

// PipelineAdapter satisfies pipeline.Bridge, translating Pool errors into
// the transport/terminal classification the dispatcher's retry policy
// needs (spec.md §4.1 step 5).
type PipelineAdapter struct {
	pool   *Pool
	secret []byte
}

func NewPipelineAdapter(pool *Pool, secret []byte) *PipelineAdapter {
	return &PipelineAdapter{pool: pool, secret: secret}
}

func (a *PipelineAdapter) Execute(ctx context.Context, kind string, payload map[string]interface{}) (map[string]interface{}, error) {
	reply, err := a.pool.Request(ctx, kind, payload, a.secret)
	if err != nil {
		kind := pipeline.ErrKindTransport
		if errors.Is(err, ErrBusy) {
			kind = pipeline.ErrKindTransport
		}
		return nil, &pipeline.BridgeError{Kind: kind, Err: err}
	}
	if errVal, ok := reply.Payload["error"].(string); ok && errVal != "" {
		return nil, &pipeline.BridgeError{Kind: pipeline.ErrKindTerminal, Err: errors.New(errVal)}
	}
	return reply.Payload, nil
}
