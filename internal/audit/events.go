package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Severity mirrors the severity field spec.md §3 attaches to every AuditEvent.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeveritySecurity Severity = "security"
)

// Kind enumerates the audit event kinds this agent emits. Kept as an open
// string type rather than a closed enum, matching the teacher's
// events.EventType pattern, since new kinds are added by components
// independently of this package.
type Kind string

const (
	KindCommandReceived   Kind = "command_received"
	KindCommandRejected   Kind = "command_rejected"
	KindCommandDispatched Kind = "command_dispatched"
	KindCommandExecuted   Kind = "command_executed"
	KindCommandFailed     Kind = "command_failed"
	KindCommandCancelled  Kind = "command_cancelled"
	KindCommandExpired    Kind = "command_expired"
	KindSafetyDenied      Kind = "safety_denied"
	KindSafetyLatched     Kind = "safety_latched"
	KindSafetyReset       Kind = "safety_reset"
	KindStrategySkip      Kind = "strategy_skip"
	KindStrategySignal    Kind = "strategy_signal"
	KindBridgeReconnect   Kind = "bridge_reconnect"
	KindControlPlaneLink  Kind = "control_plane_link"
	KindProgrammingError  Kind = "programming_error"
)

// Payload is implemented by every concrete event payload type, mirroring
// the teacher's events.EventData interface.
type Payload interface {
	Kind() Kind
}

// Event is a durable, append-only record. Seq is assigned by the store and
// strictly increases across restarts (spec.md §8 "Audit monotonicity").
type Event struct {
	Seq       int64
	Timestamp time.Time
	Kind      Kind
	Severity  Severity
	Payload   json.RawMessage
}

// Append persists a new event and returns the assigned seq. Writes go
// through a single-connection pool (see Open), and each Append is its own
// write, fsynced before it returns (synchronous=FULL, see
// buildConnectionString). Writes are not batched into group commits.
func (s *Store) Append(ctx context.Context, kind Kind, severity Severity, payload Payload) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("audit: marshal payload: %w", err)
	}

	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO audit_events (timestamp, kind, severity, payload) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), string(kind), string(severity), string(body),
	)
	if err != nil {
		return 0, fmt.Errorf("audit: insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("audit: read seq: %w", err)
	}
	return seq, nil
}

// LastSeq returns the highest persisted seq, or 0 if the ledger is empty.
// Called on restart per spec.md §4.7.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("audit: last seq: %w", err)
	}
	return seq, nil
}

// Window returns events with seq in (afterSeq, afterSeq+limit], used by the
// operator surface's audit-export command.
func (s *Store) Window(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, timestamp, kind, severity, payload FROM audit_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query window: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		var payload string
		if err := rows.Scan(&e.Seq, &ts, &e.Kind, &e.Severity, &payload); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- concrete payload types ---

// GenericPayload is the fallback used when a caller has no typed payload,
// mirroring the teacher's GenericEventData.
type GenericPayload map[string]interface{}

// Kind satisfies Payload using the "kind" field embedded by the caller, or
// empty if absent.
func (p GenericPayload) Kind() Kind {
	if k, ok := p["kind"].(string); ok {
		return Kind(k)
	}
	return ""
}

// CommandOutcomePayload records a command's terminal or intermediate state
// transition.
type CommandOutcomePayload struct {
	CommandID string `json:"commandId"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func (CommandOutcomePayload) Kind() Kind { return KindCommandExecuted }

// SafetyEventPayload records a safety-validator decision or latch event.
type SafetyEventPayload struct {
	CommandID string `json:"commandId,omitempty"`
	Reason    string `json:"reason"`
	Latched   bool   `json:"latched"`
}

func (SafetyEventPayload) Kind() Kind { return KindSafetyDenied }

// StrategySkipPayload records a strategy-monitor tick that produced no
// signal, including the reason — spec.md §4.4 step 6 requires every skip
// to be observable.
type StrategySkipPayload struct {
	StrategyID string `json:"strategyId"`
	Reason     string `json:"reason"`
}

func (StrategySkipPayload) Kind() Kind { return KindStrategySkip }
