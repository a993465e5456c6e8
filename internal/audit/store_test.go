package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore opens an isolated in-memory ledger per test, named uniquely so
// parallel tests never share a cache=shared connection.
func memStore(t *testing.T) *Store {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	seq1, err := s.Append(ctx, KindCommandReceived, SeverityInfo, CommandOutcomePayload{CommandID: "c1"})
	require.NoError(t, err)
	seq2, err := s.Append(ctx, KindCommandExecuted, SeverityInfo, CommandOutcomePayload{CommandID: "c1"})
	require.NoError(t, err)

	assert.Less(t, seq1, seq2)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seq2, last)
}

func TestLastSeqZeroWhenEmpty(t *testing.T) {
	s := memStore(t)
	last, err := s.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}

func TestWindowReturnsEventsAfterSeq(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	var seqs []int64
	for i := 0; i < 3; i++ {
		seq, err := s.Append(ctx, KindCommandReceived, SeverityInfo, CommandOutcomePayload{CommandID: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}

	events, err := s.Window(ctx, seqs[0], 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, seqs[1], events[0].Seq)
	assert.Equal(t, seqs[2], events[1].Seq)
}

func TestMarkProcessedAndWasProcessed(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	processed, err := s.WasProcessed(ctx, "cmd-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, s.MarkProcessed(ctx, "cmd-1"))

	processed, err = s.WasProcessed(ctx, "cmd-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestOutboxEnqueuePendingAck(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "ob-1", "cmd-1", OutboxKindTrade, map[string]interface{}{"ticket": "T1"}))

	pending, err := s.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ob-1", pending[0].ID)
	assert.Equal(t, OutboxKindTrade, pending[0].Kind)

	require.NoError(t, s.Ack(ctx, "ob-1"))

	pending, err = s.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCredentialBundleSetGetRoundTrip(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	key := make([]byte, 32)

	bundle := NewCredentialBundle(s, key)
	require.NoError(t, bundle.Set(ctx, "apiKey", "super-secret-value"))

	got, err := bundle.Get("apiKey")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "super-secret-value", *got)
}

func TestCredentialBundleGetMissingKey(t *testing.T) {
	s := memStore(t)
	key := make([]byte, 32)
	bundle := NewCredentialBundle(s, key)

	got, err := bundle.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
