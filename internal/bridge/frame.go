// Package bridge implements the terminal bridge (C3): a request/reply
// client over a zero-copy message transport to the local trading
// terminal, with connection pooling, heartbeats, timeouts and
// backpressure.
//
// Grounded on the teacher's (now-deleted, see DESIGN.md) bridge-go
// module's msgpack/net-rpc request-reply client, generalized from a
// single TCP connection to a small pool of endpoints multiplexed by
// correlation id (spec.md §4.3), and on
// internal/clients/tradernet/websocket_client.go's
// reconnect/backoff/health-tracking shape.
package bridge

import (
	"fmt"
	"time"

	"github.com/aristath/sentinel-agent/internal/crypto"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Frame is the self-contained, HMAC-signed message unit spec.md §6
// describes: every request and reply crossing the bridge is one of
// these, msgpack-encoded on the wire.
type Frame struct {
	CorrelationID string                 `msgpack:"correlationId"`
	Timestamp     time.Time              `msgpack:"timestamp"`
	Kind          string                 `msgpack:"kind"`
	Payload       map[string]interface{} `msgpack:"payload"`
	Signature     string                 `msgpack:"signature"`
}

func newCorrelationID() string { return uuid.NewString() }

// Encode serializes a frame for wire transmission.
func Encode(f Frame) ([]byte, error) { return msgpack.Marshal(f) }

// Decode parses a wire frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	err := msgpack.Unmarshal(data, &f)
	return f, err
}

// sign computes the HMAC over a frame's canonical form (every field but
// the signature itself), matching the canonical-form approach used for
// commands (internal/pipeline.Command.CanonicalForm) — no canonical-JSON
// library appears anywhere in the pack, so this stays a plain sprintf.
func sign(secret []byte, f Frame) string {
	canonical := fmt.Sprintf("%s|%s|%s|%v", f.CorrelationID, f.Timestamp.UTC().Format(time.RFC3339Nano), f.Kind, f.Payload)
	return crypto.Sign(secret, []byte(canonical))
}

// verify checks a frame's signature against secret.
func verify(secret []byte, f Frame) bool {
	canonical := fmt.Sprintf("%s|%s|%s|%v", f.CorrelationID, f.Timestamp.UTC().Format(time.RFC3339Nano), f.Kind, f.Payload)
	return crypto.Verify(secret, []byte(canonical), f.Signature)
}
