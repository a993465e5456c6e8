package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
)

// failureWindow tracks permanent trading-action failures for the "≥5 in
// 60s latches the safety system" rule (spec.md §4.2 / §9 edge cases).
type failureWindow struct {
	mu    sync.Mutex
	times []time.Time
}

func (f *failureWindow) record(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, now)
	cutoff := now.Add(-60 * time.Second)
	kept := f.times[:0]
	for _, t := range f.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.times = kept
	return len(f.times)
}

// Run is the single dispatcher loop (spec.md §4.1 "Dispatch"). It is the
// only goroutine that pops from the queue and calls the bridge, which is
// what gives command ordering its guarantees (spec.md §5 "Single
// dispatcher"). Call Run in its own goroutine; it returns when Stop is
// called.
//
// Structurally this mirrors the teacher's internal/work processor loop:
// a trigger channel wakes the loop, it drains everything currently
// queued, then blocks again until the next trigger or a poll tick.
func (p *Pipeline) Run() {
	defer close(p.stopped)
	safetyLatch := p.safety

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.drainOnShutdown()
			return
		case <-p.trigger:
			p.drainOnce(safetyLatch)
		case <-ticker.C:
			// periodic poll catches retry-delayed records re-pushed by
			// handleFailure's backoff goroutine, and expiry sweeps, without
			// needing a trigger
			p.sweepExpired()
			p.drainOnce(safetyLatch)
		}
	}
}

func (p *Pipeline) drainOnShutdown() {
	for {
		rec := p.queue.pop()
		if rec == nil {
			return
		}
		p.setState(rec, StateCancelled, "shutdown")
		ctx := context.Background()
		_, _ = p.sink.Append(ctx, audit.KindCommandCancelled, audit.SeverityInfo, audit.CommandOutcomePayload{
			CommandID: rec.Command.ID, State: string(StateCancelled), Reason: "shutdown",
		})
	}
}

func (p *Pipeline) sweepExpired() {
	now := p.opts.Clock()
	p.mu.Lock()
	var expired []*Record
	for _, rec := range p.records {
		if !rec.State.IsTerminal() && !rec.Command.ExpiresAt.IsZero() && now.After(rec.Command.ExpiresAt) {
			expired = append(expired, rec)
		}
	}
	p.mu.Unlock()

	for _, rec := range expired {
		p.queue.removeIfQueued(rec.Command.ID)
		p.setState(rec, StateExpired, "expired")
		ctx := context.Background()
		_, _ = p.sink.Append(ctx, audit.KindCommandExpired, audit.SeverityInfo, audit.CommandOutcomePayload{
			CommandID: rec.Command.ID, State: string(StateExpired),
		})
	}
}

func (p *Pipeline) drainOnce(safetyLatch *failureWindow) {
	for {
		rec := p.queue.pop()
		if rec == nil {
			return
		}
		p.dispatch(rec, safetyLatch)
	}
}

// dispatch runs one command through validating -> dispatching -> execute,
// per spec.md §4.1 steps 1-6.
func (p *Pipeline) dispatch(rec *Record, safetyLatch *failureWindow) {
	ctx := context.Background()
	cmd := rec.Command

	if rec.LastError == "cancelRequested" {
		p.setState(rec, StateCancelled, "cancelRequested")
		_, _ = p.sink.Append(ctx, audit.KindCommandCancelled, audit.SeverityInfo, audit.CommandOutcomePayload{
			CommandID: cmd.ID, State: string(StateCancelled),
		})
		return
	}

	p.setState(rec, StateValidating, "")

	if cmd.Kind.IsTradingAction() && p.validator != nil {
		allow, reason := p.validator.Validate(cmd)
		if !allow {
			p.setState(rec, StateFailed, reason)
			_, _ = p.sink.Append(ctx, audit.KindSafetyDenied, audit.SeverityWarn, audit.SafetyEventPayload{
				CommandID: cmd.ID, Reason: reason,
			})
			_, _ = p.sink.Append(ctx, audit.KindCommandFailed, audit.SeverityInfo, audit.CommandOutcomePayload{
				CommandID: cmd.ID, State: string(StateFailed), Reason: reason,
			})
			return
		}
	}

	p.setState(rec, StateDispatching, "")
	_, _ = p.sink.Append(ctx, audit.KindCommandDispatched, audit.SeverityInfo, audit.CommandOutcomePayload{
		CommandID: cmd.ID, State: string(StateDispatching),
	})

	timeout := p.timeoutFor(cmd.Kind)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	p.setState(rec, StateAwaitingAck, "")
	p.setState(rec, StateExecuting, "")

	p.mu.Lock()
	handler, hasHandler := p.handlers[cmd.Kind]
	p.mu.Unlock()

	var result map[string]interface{}
	var err error
	if hasHandler {
		result, err = handler(callCtx, cmd)
	} else {
		result, err = p.bridge.Execute(callCtx, string(cmd.Kind), cmd.Payload)
	}
	cancel()

	if err == nil {
		p.setState(rec, StateExecuted, "")
		_, _ = p.sink.Append(ctx, audit.KindCommandExecuted, audit.SeverityInfo, audit.CommandOutcomePayload{
			CommandID: cmd.ID, State: string(StateExecuted), Detail: detailOf(result),
		})
		if cmd.Kind.IsTradingAction() {
			p.mu.Lock()
			listener := p.outcome
			p.mu.Unlock()
			if listener != nil {
				listener.HandleOutcome(cmd, result)
			}
		}
		return
	}

	p.handleFailure(rec, err, safetyLatch)
}

func (p *Pipeline) timeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindEmergencyStop, KindCloseAll:
		return p.opts.CriticalTimeout
	case KindQueryAccount, KindPing:
		return p.opts.QueryTimeout
	default:
		return p.opts.DefaultTimeout
	}
}

func (p *Pipeline) handleFailure(rec *Record, err error, safetyLatch *failureWindow) {
	ctx := context.Background()
	cmd := rec.Command

	transient := isTransient(err)
	retryable := cmd.Kind.IsRetryable() && transient && rec.Retries < MaxRetries

	if retryable {
		rec.Retries++
		backoff := time.Duration(500*(1<<uint(rec.Retries-1))) * time.Millisecond
		if backoff > 8*time.Second {
			backoff = 8 * time.Second
		}
		p.setState(rec, StateQueued, err.Error())
		go func() {
			time.Sleep(backoff)
			p.queue.push(rec)
			p.Trigger()
		}()
		return
	}

	p.setState(rec, StateFailed, err.Error())
	_, _ = p.sink.Append(ctx, audit.KindCommandFailed, audit.SeverityError, audit.CommandOutcomePayload{
		CommandID: cmd.ID, State: string(StateFailed), Reason: err.Error(),
	})

	if cmd.Kind.IsTradingAction() {
		count := safetyLatch.record(p.opts.Clock())
		if count >= 5 {
			p.mu.Lock()
			latcher := p.latcher
			p.mu.Unlock()
			if latcher != nil {
				latcher.Latch(ctx, "fiveTradingFailuresIn60s")
			}
			_, _ = p.sink.Append(ctx, audit.KindSafetyLatched, audit.SeverityWarn, audit.SafetyEventPayload{
				Reason: "fiveTradingFailuresIn60s", Latched: true,
			})
		}
	}
}

func isTransient(err error) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind == ErrKindTransport
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func detailOf(result map[string]interface{}) string {
	if result == nil {
		return ""
	}
	if v, ok := result["message"].(string); ok {
		return v
	}
	return ""
}
