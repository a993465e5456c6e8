package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("pool-test-secret")

// pipeDialer returns a Dialer backed by net.Pipe, and spawns respond on the
// far end of the pipe for every frame it reads, looping until the pipe is
// closed.
func pipeDialer(t *testing.T, respond func(Frame) Frame) Dialer {
	t.Helper()
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 64*1024)
			for {
				n, err := server.Read(buf)
				if err != nil {
					return
				}
				frame, err := Decode(buf[:n])
				if err != nil {
					continue
				}
				if frame.Kind == "heartbeat" {
					ack := Frame{CorrelationID: frame.CorrelationID, Timestamp: time.Now(), Kind: "heartbeatAck"}
					ack.Signature = sign(testSecret, ack)
					data, _ := Encode(ack)
					_, _ = server.Write(data)
					continue
				}
				reply := respond(frame)
				reply.Signature = sign(testSecret, reply)
				data, err := Encode(reply)
				if err != nil {
					continue
				}
				_, _ = server.Write(data)
			}
		}()
		return client, nil
	}
}

// hangingDialer connects but never replies to anything — used to exercise
// the caller-deadline timeout path.
func hangingDialer(t *testing.T) Dialer {
	t.Helper()
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 64*1024)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func TestPoolHealthyOnceConnected(t *testing.T) {
	dialer := pipeDialer(t, func(f Frame) Frame {
		return Frame{CorrelationID: f.CorrelationID, Timestamp: time.Now(), Kind: f.Kind, Payload: map[string]interface{}{"ok": true}}
	})
	pool := NewPool(1, 8, dialer, testSecret, zerolog.Nop())
	defer pool.Close()

	require.Eventually(t, pool.Healthy, time.Second, 5*time.Millisecond)
}

func TestPoolRequestRoundTrip(t *testing.T) {
	dialer := pipeDialer(t, func(f Frame) Frame {
		return Frame{CorrelationID: f.CorrelationID, Timestamp: time.Now(), Kind: f.Kind, Payload: map[string]interface{}{"message": "ok"}}
	})
	pool := NewPool(1, 8, dialer, testSecret, zerolog.Nop())
	defer pool.Close()

	require.Eventually(t, pool.Healthy, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := pool.Request(ctx, "PING", nil, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Payload["message"])
}

func TestPoolRequestTimesOutWithoutReply(t *testing.T) {
	pool := NewPool(1, 8, hangingDialer(t), testSecret, zerolog.Nop())
	defer pool.Close()

	require.Eventually(t, pool.Healthy, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := pool.Request(ctx, "PING", nil, testSecret)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPoolRequestUnavailableBeforeConnect(t *testing.T) {
	blocked := make(chan struct{})
	dialer := func(ctx context.Context) (net.Conn, error) {
		<-blocked // never connects for the lifetime of this test
		return nil, nil
	}
	pool := NewPool(1, 8, dialer, testSecret, zerolog.Nop())
	defer func() { close(blocked); pool.Close() }()

	_, err := pool.Request(context.Background(), "PING", nil, testSecret)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPipelineAdapterClassifiesTerminalError(t *testing.T) {
	dialer := pipeDialer(t, func(f Frame) Frame {
		return Frame{CorrelationID: f.CorrelationID, Timestamp: time.Now(), Kind: f.Kind, Payload: map[string]interface{}{"error": "symbol not tradable"}}
	})
	pool := NewPool(1, 8, dialer, testSecret, zerolog.Nop())
	defer pool.Close()
	require.Eventually(t, pool.Healthy, time.Second, 5*time.Millisecond)

	adapter := NewPipelineAdapter(pool, testSecret)
	_, err := adapter.Execute(context.Background(), "OPEN_POSITION", nil)
	require.Error(t, err)
}

func TestPipelineAdapterReturnsPayloadOnSuccess(t *testing.T) {
	dialer := pipeDialer(t, func(f Frame) Frame {
		return Frame{CorrelationID: f.CorrelationID, Timestamp: time.Now(), Kind: f.Kind, Payload: map[string]interface{}{"ticket": "T1"}}
	})
	pool := NewPool(1, 8, dialer, testSecret, zerolog.Nop())
	defer pool.Close()
	require.Eventually(t, pool.Healthy, time.Second, 5*time.Millisecond)

	adapter := NewPipelineAdapter(pool, testSecret)
	result, err := adapter.Execute(context.Background(), "OPEN_POSITION", nil)
	require.NoError(t, err)
	assert.Equal(t, "T1", result["ticket"])
}
