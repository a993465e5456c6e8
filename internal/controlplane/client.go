// Package controlplane implements the control-plane link (C9): push-
// channel subscription plus REST fallback, heartbeat, credentialed
// authentication, and bounded reconnection.
//
// Grounded on internal/clients/tradernet/sdk/client.go's authenticated-
// request shape (stringify -> timestamp -> sign -> headers -> POST) and
// internal/clients/tradernet/websocket_client.go's reconnect/backoff/
// health-tracking shape, generalized from a broker API to this agent's
// own control-plane protocol (spec.md §4.5, §6).
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/sentinel-agent/internal/crypto"
)

// Client is the REST half of the control-plane link: signed requests,
// outcome posting, heartbeats.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  []byte
	agentID    string
	http       *http.Client
}

func NewClient(baseURL, agentID, apiKey string, apiSecret []byte) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		agentID:   agentID,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// do signs and executes a request per spec.md §4.5 "Authentication":
// apiKey plus a signature over (path, body, timestamp) with apiSecret.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	canonical := fmt.Sprintf("%s|%s|%s", path, string(body), timestamp)
	sig := crypto.Sign(c.apiSecret, []byte(canonical))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", sig)

	return c.http.Do(req)
}

// HeartbeatPayload is posted every 30s (spec.md §4.5 "Heartbeat").
type HeartbeatPayload struct {
	Status          string                 `json:"status"`
	Version         string                 `json:"version"`
	Platform        string                 `json:"platform"`
	AccountSnapshot map[string]interface{} `json:"accountSnapshot,omitempty"`
	SystemMetrics   map[string]interface{} `json:"systemMetrics,omitempty"`
}

// HeartbeatReply carries any commands pending for this agent.
type HeartbeatReply struct {
	Commands []RawCommand `json:"commands"`
}

// RawCommand is the wire shape of a command before translation into
// *pipeline.Command — kept here rather than importing internal/pipeline
// so this package has no compile-time dependency on the pipeline's
// internals, only the narrow Dispatcher it's constructed with.
type RawCommand struct {
	ID        string                 `json:"id"`
	Kind      string                 `json:"kind"`
	Priority  string                 `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	IssuedAt  time.Time              `json:"issuedAt"`
	ExpiresAt *time.Time             `json:"expiresAt,omitempty"`
	Signature string                 `json:"signature"`
}

// Heartbeat posts status and returns any pending commands.
func (c *Client) Heartbeat(ctx context.Context, payload HeartbeatPayload) (HeartbeatReply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return HeartbeatReply{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/agent/%s/heartbeat", c.agentID), body)
	if err != nil {
		return HeartbeatReply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return HeartbeatReply{}, fmt.Errorf("controlplane: heartbeat status %d", resp.StatusCode)
	}
	var reply HeartbeatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return HeartbeatReply{}, err
	}
	return reply, nil
}

// PendingCommands polls the REST fallback endpoint used while the push
// subscription is down (spec.md §4.5 "Push subscription").
func (c *Client) PendingCommands(ctx context.Context) ([]RawCommand, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/agent/%s/commands/pending", c.agentID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("controlplane: pending-commands status %d", resp.StatusCode)
	}
	var out struct {
		Commands []RawCommand `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// ReportOutcome ships a single durable-outbox entry, per spec.md §4.5
// "Outcome shipping". Command state transitions (kind "outcome") go
// through PATCH /agent/{id}/command per the §9 Open Question decision;
// trade closures (kind "trade") are POSTed once to /agent/{id}/trades;
// anything else is POSTed to /agent/{id}/{kind}. ackID, if the server
// returns one in the response body, confirms the entry can be removed
// from the outbox.
func (c *Client) ReportOutcome(ctx context.Context, kind, commandID string, body []byte) (ackID string, err error) {
	var method, path string
	switch kind {
	case "outcome":
		method, path = http.MethodPatch, fmt.Sprintf("/agent/%s/command", c.agentID)
	case "trade":
		method, path = http.MethodPost, fmt.Sprintf("/agent/%s/trades", c.agentID)
	default:
		method, path = http.MethodPost, fmt.Sprintf("/agent/%s/%s", c.agentID, kind)
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("controlplane: report %s status %d", kind, resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	var out struct {
		AckID string `json:"ackId"`
	}
	_ = json.Unmarshal(data, &out)
	return out.AckID, nil
}
