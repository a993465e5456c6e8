package controlplane

import (
	"context"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/aristath/sentinel-agent/internal/pipeline"
	"github.com/rs/zerolog"
)

const (
	heartbeatInterval    = 30 * time.Second
	restFallbackInterval = 15 * time.Second
	reconnectBase        = 2 * time.Second
	reconnectCap         = 60 * time.Second
	degradedThreshold    = 10
)

// Dispatcher is the narrow view of the command pipeline (C8) the link
// needs: submit a translated command.
type Dispatcher interface {
	Submit(ctx context.Context, cmd *pipeline.Command) (string, error)
}

// Deduper exposes the pipeline's dedup check so REST-fallback polling
// doesn't resubmit a command the push channel already delivered (spec.md
// §4.5 "deduplicated by command id against the pipeline's dedup
// window").
type Deduper interface {
	Query(id string) (pipeline.State, bool)
}

// StatusSource supplies the heartbeat's account/system fields.
type StatusSource interface {
	AccountSnapshot() map[string]interface{}
	SystemMetrics() map[string]interface{}
}

// Link is the control-plane link (C9).
type Link struct {
	client     *Client
	wsURL      string
	apiKey     string
	apiSecret  []byte
	version    string
	platform   string
	dispatcher Dispatcher
	dedup      Deduper
	status     StatusSource
	sink       *audit.Store
	log        zerolog.Logger

	pushHealthy bool
}

func NewLink(client *Client, wsURL, apiKey string, apiSecret []byte, version, platform string, dispatcher Dispatcher, dedup Deduper, status StatusSource, sink *audit.Store, log zerolog.Logger) *Link {
	return &Link{
		client:     client,
		wsURL:      wsURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		version:    version,
		platform:   platform,
		dispatcher: dispatcher,
		dedup:      dedup,
		status:     status,
		sink:       sink,
		log:        log.With().Str("component", "controlplane").Logger(),
	}
}

// Run drives the push subscription (with reconnect), REST fallback
// polling while push is down, the heartbeat loop, and outbox draining.
// It never returns except when ctx is cancelled — per spec.md §4.5
// "Reconnection": "The agent never exits because the control plane is
// unreachable."
func (l *Link) Run(ctx context.Context) {
	go l.pushLoop(ctx)
	go l.heartbeatLoop(ctx)
	go l.outboxLoop(ctx)
	<-ctx.Done()
}

func (l *Link) pushLoop(ctx context.Context) {
	backoff := reconnectBase
	consecutiveFailures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		l.pushHealthy = true
		err := subscribe(ctx, l.wsURL, l.apiKey, l.apiSecret, l.handlePush)
		l.pushHealthy = false

		if ctx.Err() != nil {
			return
		}

		consecutiveFailures++
		l.log.Warn().Err(err).Int("consecutiveFailures", consecutiveFailures).Dur("backoff", backoff).Msg("push subscription lost; reconnecting")

		if consecutiveFailures == degradedThreshold {
			_, _ = l.sink.Append(ctx, audit.KindControlPlaneLink, audit.SeverityWarn, audit.GenericPayload{
				"kind": string(audit.KindControlPlaneLink), "state": "degraded",
			})
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (l *Link) handlePush(msg PushMessage) {
	if msg.Type != "command" {
		return
	}
	cmd := translateCommand(msg.Command)
	if _, err := l.dispatcher.Submit(context.Background(), cmd); err != nil {
		l.log.Info().Err(err).Str("commandId", cmd.ID).Msg("pushed command rejected at intake")
	}
}

// outboxLoop ticks at restFallbackInterval. On each tick it runs
// REST-fallback polling if the push channel is not currently healthy
// (spec.md §4.5 "Push subscription loss triggers REST fallback"), then
// drains the outbox.
func (l *Link) outboxLoop(ctx context.Context) {
	ticker := time.NewTicker(restFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.pushHealthy {
				l.pollPending(ctx)
			}
			l.drainOutbox(ctx)
		}
	}
}

func (l *Link) pollPending(ctx context.Context) {
	commands, err := l.client.PendingCommands(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("REST-fallback poll failed")
		return
	}
	for _, raw := range commands {
		if l.dedup != nil {
			if _, seen := l.dedup.Query(raw.ID); seen {
				continue
			}
		}
		cmd := translateCommand(raw)
		if _, err := l.dispatcher.Submit(ctx, cmd); err != nil {
			l.log.Info().Err(err).Str("commandId", cmd.ID).Msg("polled command rejected at intake")
		}
	}
}

// drainOutbox replays unacknowledged outcomes, idempotent by command id
// on the server side (spec.md §4.5 "Outcome shipping").
func (l *Link) drainOutbox(ctx context.Context) {
	entries, err := l.sink.Pending(ctx, 100)
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to read pending outbox entries")
		return
	}
	for _, e := range entries {
		ackID, err := l.client.ReportOutcome(ctx, string(e.Kind), e.CommandID, e.Body)
		if err != nil {
			l.log.Warn().Err(err).Str("commandId", e.CommandID).Msg("outbox send failed, will retry")
			continue
		}
		if ackID == "" {
			l.log.Warn().Str("commandId", e.CommandID).Msg("outbox report returned no ack id, will retry")
			continue
		}
		if err := l.sink.Ack(ctx, e.ID); err != nil {
			l.log.Warn().Err(err).Str("id", e.ID).Msg("failed to ack outbox entry locally")
		}
	}
}

func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sendHeartbeat(ctx)
		}
	}
}

func (l *Link) sendHeartbeat(ctx context.Context) {
	payload := HeartbeatPayload{Status: "running", Version: l.version, Platform: l.platform}
	if l.status != nil {
		payload.AccountSnapshot = l.status.AccountSnapshot()
		payload.SystemMetrics = l.status.SystemMetrics()
	}
	reply, err := l.client.Heartbeat(ctx, payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("heartbeat failed; local execution unaffected")
		return
	}
	for _, raw := range reply.Commands {
		cmd := translateCommand(raw)
		if _, err := l.dispatcher.Submit(ctx, cmd); err != nil {
			l.log.Info().Err(err).Str("commandId", cmd.ID).Msg("heartbeat-delivered command rejected at intake")
		}
	}
}

func translateCommand(raw RawCommand) *pipeline.Command {
	cmd := &pipeline.Command{
		ID:        raw.ID,
		Kind:      pipeline.Kind(raw.Kind),
		Priority:  priorityFromString(raw.Priority),
		Payload:   raw.Payload,
		IssuedAt:  raw.IssuedAt,
		Signature: raw.Signature,
		Source:    pipeline.SourceControlPlane,
	}
	if raw.ExpiresAt != nil {
		cmd.ExpiresAt = *raw.ExpiresAt
	}
	return cmd
}

func priorityFromString(s string) pipeline.Priority {
	switch s {
	case "critical":
		return pipeline.PriorityCritical
	case "high":
		return pipeline.PriorityHigh
	case "low":
		return pipeline.PriorityLow
	default:
		return pipeline.PriorityNormal
	}
}
