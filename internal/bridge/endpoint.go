package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	heartbeatInterval  = 5 * time.Second
	missedHeartbeatCap = 3
	backoffBase        = time.Second
	backoffCap         = 30 * time.Second
)

// Dialer opens a fresh connection to the terminal. Production wiring
// (internal/agent's dialerFor) supplies a TCP dialer; tests supply
// net.Pipe.
type Dialer func(ctx context.Context) (net.Conn, error)

// endpoint is one connection in the pool. It owns its own reader
// goroutine, demultiplexing inbound frames to waiting requesters by
// correlation id, and its own reconnect loop.
type endpoint struct {
	id     int
	dialer Dialer
	secret []byte
	log    zerolog.Logger

	mu               sync.Mutex
	conn             net.Conn
	healthy          bool
	missedHeartbeats int
	pending          map[string]chan Frame
	closed           bool
}

func newEndpoint(id int, dialer Dialer, secret []byte, log zerolog.Logger) *endpoint {
	e := &endpoint{
		id:      id,
		dialer:  dialer,
		secret:  secret,
		log:     log.With().Int("endpoint", id).Logger(),
		pending: make(map[string]chan Frame),
	}
	go e.connectLoop()
	go e.heartbeatLoop()
	return e
}

func (e *endpoint) isHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// connectLoop (re)connects with exponential backoff, per spec.md §4.3
// "Connection lifecycle". It starts dialing as soon as newEndpoint runs;
// connecting is not deferred until the first request.
func (e *endpoint) connectLoop() {
	backoff := backoffBase
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := e.dialer(ctx)
		cancel()
		if err != nil {
			e.log.Warn().Err(err).Dur("backoff", backoff).Msg("bridge endpoint dial failed")
			time.Sleep(backoff)
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}

		e.mu.Lock()
		e.conn = conn
		e.healthy = true
		e.missedHeartbeats = 0
		e.mu.Unlock()
		backoff = backoffBase
		e.log.Info().Msg("bridge endpoint connected")

		e.readLoop(conn) // blocks until the connection dies

		e.mu.Lock()
		e.healthy = false
		e.failPending()
		e.mu.Unlock()
	}
}

// failPending aborts every in-flight request on this endpoint — called
// with mu held, on disconnect.
func (e *endpoint) failPending() {
	for id, ch := range e.pending {
		close(ch)
		delete(e.pending, id)
	}
}

func (e *endpoint) readLoop(conn net.Conn) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			conn.Close()
			return
		}
		frame, err := Decode(buf[:n])
		if err != nil {
			e.log.Warn().Err(err).Msg("discarding malformed bridge frame")
			continue
		}
		if frame.Kind == "heartbeatAck" {
			e.mu.Lock()
			e.missedHeartbeats = 0
			e.mu.Unlock()
			continue
		}
		e.mu.Lock()
		ch, ok := e.pending[frame.CorrelationID]
		if ok {
			delete(e.pending, frame.CorrelationID)
		}
		e.mu.Unlock()
		if ok {
			ch <- frame
			close(ch)
		}
		// unmatched correlation id: a late reply whose caller already
		// abandoned it on timeout — discarded, per spec.md §4.3.
	}
}

func (e *endpoint) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		conn := e.conn
		healthy := e.healthy
		e.mu.Unlock()
		if !healthy || conn == nil {
			continue
		}

		frame := Frame{CorrelationID: newCorrelationID(), Timestamp: time.Now(), Kind: "heartbeat"}
		frame.Signature = sign(e.secret, frame)
		data, err := Encode(frame)
		if err == nil {
			_, _ = conn.Write(data)
		}

		e.mu.Lock()
		e.missedHeartbeats++
		if e.missedHeartbeats > missedHeartbeatCap {
			e.healthy = false
			e.log.Warn().Msg("endpoint unhealthy: missed heartbeats")
			if e.conn != nil {
				e.conn.Close()
			}
		}
		e.mu.Unlock()
	}
}

// send writes frame and registers a reply channel; the caller owns
// waiting on it (with its own deadline) and must tolerate a closed
// channel (connection dropped mid-flight).
func (e *endpoint) send(frame Frame) (chan Frame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.healthy || e.conn == nil {
		return nil, fmt.Errorf("bridge: endpoint %d not connected", e.id)
	}
	ch := make(chan Frame, 1)
	e.pending[frame.CorrelationID] = ch
	data, err := Encode(frame)
	if err != nil {
		delete(e.pending, frame.CorrelationID)
		return nil, err
	}
	if _, err := e.conn.Write(data); err != nil {
		delete(e.pending, frame.CorrelationID)
		return nil, err
	}
	return ch, nil
}

// abandon removes a correlation id's reply channel without closing the
// connection — used on caller timeout, per spec.md §4.3.
func (e *endpoint) abandon(correlationID string) {
	e.mu.Lock()
	delete(e.pending, correlationID)
	e.mu.Unlock()
}

func (e *endpoint) close() {
	e.mu.Lock()
	e.closed = true
	if e.conn != nil {
		e.conn.Close()
	}
	e.failPending()
	e.mu.Unlock()
}
