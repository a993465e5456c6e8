package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aristath/sentinel-agent/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatSignsRequestAndReturnsCommands(t *testing.T) {
	secret := []byte("cp-secret")
	var gotSig, gotKey, gotTimestamp string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/agent-1/heartbeat", r.URL.Path)
		gotSig = r.Header.Get("X-Signature")
		gotKey = r.Header.Get("X-Api-Key")
		gotTimestamp = r.Header.Get("X-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)

		_ = json.NewEncoder(w).Encode(HeartbeatReply{Commands: []RawCommand{{ID: "c1", Kind: "PING"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "agent-1", "key-1", secret)
	reply, err := c.Heartbeat(context.Background(), HeartbeatPayload{Status: "running", Version: "1.0"})
	require.NoError(t, err)
	require.Len(t, reply.Commands, 1)
	assert.Equal(t, "c1", reply.Commands[0].ID)

	assert.Equal(t, "key-1", gotKey)
	assert.NotEmpty(t, gotSig)
	assert.NotEmpty(t, gotTimestamp)
	canonical := "/agent/agent-1/heartbeat|" + string(gotBody) + "|" + gotTimestamp
	assert.True(t, crypto.Verify(secret, []byte(canonical), gotSig))
}

func TestHeartbeatReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "agent-1", "key-1", []byte("s"))
	_, err := c.Heartbeat(context.Background(), HeartbeatPayload{})
	assert.Error(t, err)
}

func TestPendingCommandsDecodesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/agent/agent-1/commands/pending", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"commands": []RawCommand{{ID: "c2", Kind: "STOP_STRATEGY"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "agent-1", "key-1", []byte("s"))
	cmds, err := c.PendingCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "STOP_STRATEGY", cmds[0].Kind)
}

func TestReportOutcomeRoutesByKind(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]string{"ackId": "ack-1"})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "agent-1", "key-1", []byte("s"))

	ackID, err := c.ReportOutcome(context.Background(), "outcome", "cmd-1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "/agent/agent-1/command", gotPath)
	assert.Equal(t, "ack-1", ackID)

	_, err = c.ReportOutcome(context.Background(), "trade", "cmd-1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/agent/agent-1/trades", gotPath)

	_, err = c.ReportOutcome(context.Background(), "auditEvent", "cmd-1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "/agent/agent-1/auditEvent", gotPath)
}

func TestReportOutcomeReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "agent-1", "key-1", []byte("s"))
	_, err := c.ReportOutcome(context.Background(), "trade", "cmd-1", []byte(`{}`))
	assert.Error(t, err)
}
