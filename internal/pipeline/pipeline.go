package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/sentinel-agent/internal/audit"
	"github.com/aristath/sentinel-agent/internal/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bridge is the narrow capability interface the pipeline dispatches
// trading actions through — the terminal bridge (C3), kept abstract here
// the way the teacher's domain.BrokerClient abstracts the broker, per
// spec.md §9 "Push client dependency" guidance applied symmetrically to
// the terminal side.
type Bridge interface {
	Execute(ctx context.Context, kind string, payload map[string]interface{}) (map[string]interface{}, error)
}

// ErrKind classifies a Bridge error for dispatcher retry decisions.
type ErrKind int

const (
	ErrKindNone ErrKind = iota
	ErrKindTransport
	ErrKindTerminal
)

// BridgeError is returned by Bridge.Execute to let the dispatcher tell a
// transport failure (retryable) from a terminal-side rejection (not),
// per spec.md §7 taxonomy.
type BridgeError struct {
	Kind ErrKind
	Err  error
}

func (e *BridgeError) Error() string { return e.Err.Error() }
func (e *BridgeError) Unwrap() error  { return e.Err }

// Validator is the safety validator (C4) capability interface.
type Validator interface {
	Validate(cmd *Command) (allow bool, reason string)
}

// InternalHandler services commands that never reach the terminal bridge
// — START_STRATEGY, STOP_STRATEGY, RESET_SAFETY, PING — by routing them
// to the component that owns that state (the strategy monitor, the
// safety validator) instead. Registered per Kind; a kind with no
// registered handler falls through to the bridge.
type InternalHandler func(ctx context.Context, cmd *Command) (map[string]interface{}, error)

// OutcomeListener is notified when a trading-action command reaches the
// executed state, so a component that tracks per-strategy open-position
// state (the strategy monitor, C7) can update itself without the pipeline
// importing it directly (spec.md §4.4 "Open-position tracking").
type OutcomeListener interface {
	HandleOutcome(cmd *Command, result map[string]interface{})
}

// Latcher engages the safety latch (C4) from inside the pipeline itself,
// so the "≥5 trading-action failures in 60s" rule (spec.md §4.1 step 6)
// actually stops further trading rather than only recording that it
// should have. Satisfied directly by *safety.Validator.
type Latcher interface {
	Latch(ctx context.Context, reason string)
}

// Clock abstracts wall-clock reads for testability.
type Clock func() time.Time

// Options configures a Pipeline.
type Options struct {
	QueueCapacity  int
	DedupSize      int
	DedupTTL       time.Duration
	ClockSkew      time.Duration // spec.md §4.1 default 30s
	DefaultTimeout time.Duration
	CriticalTimeout time.Duration
	QueryTimeout    time.Duration
	Clock          Clock
}

// DefaultOptions matches the spec.md §4.1/§5 defaults.
func DefaultOptions() Options {
	return Options{
		QueueCapacity:   DefaultQueueCapacity,
		DedupSize:       10_000,
		DedupTTL:        time.Hour,
		ClockSkew:       30 * time.Second,
		DefaultTimeout:  10 * time.Second,
		CriticalTimeout: 2 * time.Second,
		QueryTimeout:    5 * time.Second,
		Clock:           time.Now,
	}
}

// Rejection is returned by Submit when a command is rejected at intake.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return fmt.Sprintf("pipeline: rejected: %s", r.Reason) }

// Pipeline is the command pipeline (C8): the authoritative sequencer.
type Pipeline struct {
	opts      Options
	log       zerolog.Logger
	bridge    Bridge
	validator Validator
	sink      *audit.Store
	keys      map[Source][]byte

	dedup    *dedupWindow
	queue    *priorityQueue
	safety   *failureWindow
	handlers map[Kind]InternalHandler
	outcome  OutcomeListener
	latcher  Latcher

	mu      sync.Mutex
	records map[string]*Record // all known commands, by id, regardless of queue state

	trigger chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// New builds a Pipeline. keys supplies the signing key used to verify
// commands from each non-strategy Source (spec.md §3: "signature valid
// for non-strategy sources").
func New(opts Options, bridge Bridge, validator Validator, sink *audit.Store, keys map[Source][]byte, log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		opts:      opts,
		log:       log.With().Str("component", "pipeline").Logger(),
		bridge:    bridge,
		validator: validator,
		sink:      sink,
		keys:      keys,
		dedup:     newDedupWindow(opts.DedupSize, opts.DedupTTL),
		safety:    &failureWindow{},
		handlers:  make(map[Kind]InternalHandler),
		records:   make(map[string]*Record),
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	p.queue = newPriorityQueue(opts.QueueCapacity, p.onDrop)
	return p
}

func (p *Pipeline) onDrop(dropped *Record) {
	p.log.Warn().Str("commandId", dropped.Command.ID).Msg("queue overflow: dropped lowest-priority pending command")
	p.setState(dropped, StateFailed, "queueOverflow")
	ctx := context.Background()
	_, _ = p.sink.Append(ctx, audit.KindCommandFailed, audit.SeverityWarn, audit.CommandOutcomePayload{
		CommandID: dropped.Command.ID, State: string(StateFailed), Reason: "queueOverflow",
	})
}

// Submit implements spec.md §4.1's submit(command) -> CommandId | Rejection.
func (p *Pipeline) Submit(ctx context.Context, cmd *Command) (string, error) {
	if cmd.ID == "" && cmd.Source != SourceControlPlane {
		cmd.ID = uuid.NewString()
	}
	if err := cmd.Validate(); err != nil {
		return "", &Rejection{Reason: err.Error()}
	}

	now := p.opts.Clock()

	// (b) expiry / clock-skew check
	if !cmd.ExpiresAt.IsZero() && now.After(cmd.ExpiresAt.Add(p.opts.ClockSkew)) {
		p.rejectIntake(ctx, cmd, "clockSkew")
		return "", &Rejection{Reason: "clockSkew"}
	}

	// (a) signature check — strategy-sourced commands are exempt (spec.md §3)
	if cmd.Source != SourceStrategy {
		key, ok := p.keys[cmd.Source]
		if !ok || !crypto.Verify(key, cmd.CanonicalForm(), cmd.Signature) {
			p.rejectIntake(ctx, cmd, "invalidSignature")
			return "", &Rejection{Reason: "invalidSignature"}
		}
	}

	// (c) dedup — in-memory window first (cheap), then persisted ledger
	if p.dedup.seenRecently(cmd.ID) {
		p.rejectIntake(ctx, cmd, "duplicate")
		return "", &Rejection{Reason: "duplicate"}
	}
	processed, err := p.sink.WasProcessed(ctx, cmd.ID)
	if err != nil {
		p.log.Error().Err(err).Msg("dedup persisted-check failed; continuing with in-memory result only")
	} else if processed {
		p.rejectIntake(ctx, cmd, "duplicate")
		return "", &Rejection{Reason: "duplicate"}
	}

	p.dedup.record(cmd.ID)
	if err := p.sink.MarkProcessed(ctx, cmd.ID); err != nil {
		p.log.Error().Err(err).Msg("failed to persist processed-command marker")
	}

	rec := &Record{Command: cmd, State: StateReceived, EnqueuedAt: now, UpdatedAt: now}
	p.mu.Lock()
	p.records[cmd.ID] = rec
	p.mu.Unlock()

	_, _ = p.sink.Append(ctx, audit.KindCommandReceived, audit.SeverityInfo, audit.CommandOutcomePayload{
		CommandID: cmd.ID, State: string(StateReceived),
	})

	p.setState(rec, StateQueued, "")
	p.queue.push(rec)
	p.Trigger()

	return cmd.ID, nil
}

func (p *Pipeline) rejectIntake(ctx context.Context, cmd *Command, reason string) {
	p.log.Info().Str("commandId", cmd.ID).Str("reason", reason).Msg("command rejected at intake")
	_, _ = p.sink.Append(ctx, audit.KindCommandRejected, audit.SeverityInfo, audit.CommandOutcomePayload{
		CommandID: cmd.ID, State: "rejected", Reason: reason,
	})
}

// Cancel implements spec.md §5 "Cancellation": succeeds outright only in
// {received, queued, validating}; once dispatched it is best-effort.
func (p *Pipeline) Cancel(id string) (bool, error) {
	p.mu.Lock()
	rec, ok := p.records[id]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	switch rec.State {
	case StateReceived, StateQueued, StateValidating:
		p.queue.removeIfQueued(id)
		p.setState(rec, StateCancelled, "operatorCancel")
		ctx := context.Background()
		_, _ = p.sink.Append(ctx, audit.KindCommandCancelled, audit.SeverityInfo, audit.CommandOutcomePayload{
			CommandID: id, State: string(StateCancelled),
		})
		return true, nil
	default:
		// best-effort: recorded, but the dispatcher decides the terminal
		// state once the in-flight bridge call resolves
		rec.LastError = "cancelRequested"
		return false, nil
	}
}

// Query implements spec.md §4.1's query(id) -> CommandState.
func (p *Pipeline) Query(id string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return "", false
	}
	return rec.State, true
}

func (p *Pipeline) setState(rec *Record, state State, lastError string) {
	p.mu.Lock()
	rec.State = state
	rec.UpdatedAt = p.opts.Clock()
	if lastError != "" {
		rec.LastError = lastError
	}
	p.mu.Unlock()
}

// RegisterHandler installs an InternalHandler for kind, intercepting it
// before the dispatcher would otherwise call the bridge.
func (p *Pipeline) RegisterHandler(kind Kind, handler InternalHandler) {
	p.mu.Lock()
	p.handlers[kind] = handler
	p.mu.Unlock()
}

// SetOutcomeListener installs the single OutcomeListener notified when a
// trading-action command finishes executing.
func (p *Pipeline) SetOutcomeListener(listener OutcomeListener) {
	p.mu.Lock()
	p.outcome = listener
	p.mu.Unlock()
}

// SetLatcher installs the Latcher the dispatcher engages when the
// failure-rate rule trips. Without one, that rule only records an audit
// event (see dispatcher.go's handleFailure).
func (p *Pipeline) SetLatcher(latcher Latcher) {
	p.mu.Lock()
	p.latcher = latcher
	p.mu.Unlock()
}

// Trigger wakes the dispatcher loop without blocking.
func (p *Pipeline) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Stop requests the dispatcher loop to exit and waits for it, cancelling
// all remaining queued commands (spec.md §5 "Shutdown").
func (p *Pipeline) Stop() {
	close(p.stop)
	<-p.stopped
}
