package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPoolSize matches spec.md §4.3 "a small pool (default 3)".
const DefaultPoolSize = 3

// DefaultMaxInFlight bounds concurrent outstanding requests pool-wide
// before Request fails fast with ErrBusy (spec.md §4.3 "Backpressure").
const DefaultMaxInFlight = 64

// Pool is the terminal bridge (C3): a small set of endpoints to the
// trading terminal, multiplexed by correlation id.
type Pool struct {
	endpoints  []*endpoint
	next       uint64
	inFlight   int32
	maxInFlight int32
	log        zerolog.Logger
}

// NewPool builds a pool of size endpoints, each of which starts dialing
// via dialer immediately, before any Request. secret signs/verifies every
// frame (spec.md §3 "Credential set": sharedSecret).
func NewPool(size int, maxInFlight int, dialer Dialer, secret []byte, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	p := &Pool{maxInFlight: int32(maxInFlight), log: log.With().Str("component", "bridge").Logger()}
	for i := 0; i < size; i++ {
		p.endpoints = append(p.endpoints, newEndpoint(i, dialer, secret, p.log))
	}
	return p
}

// Healthy reports whether at least one endpoint is connected, per
// spec.md §4.3 "the pool exposes healthy() iff ≥1 endpoint is healthy".
func (p *Pool) Healthy() bool {
	for _, e := range p.endpoints {
		if e.isHealthy() {
			return true
		}
	}
	return false
}

func (p *Pool) pickHealthy() *endpoint {
	n := len(p.endpoints)
	start := int(atomic.AddUint64(&p.next, 1)) % n
	for i := 0; i < n; i++ {
		e := p.endpoints[(start+i)%n]
		if e.isHealthy() {
			return e
		}
	}
	return nil
}

// Request implements spec.md §4.3's request(frame) -> reply | error: a
// round-robin healthy endpoint is chosen, the frame is signed, sent, and
// awaited until ctx's deadline. On timeout the correlation is abandoned
// and ErrTimeout is returned; late replies are silently discarded by the
// endpoint's reader.
func (p *Pool) Request(ctx context.Context, kind string, payload map[string]interface{}, secret []byte) (Frame, error) {
	if !p.Healthy() {
		return Frame{}, ErrUnavailable
	}
	if atomic.LoadInt32(&p.inFlight) >= p.maxInFlight {
		return Frame{}, ErrBusy
	}

	e := p.pickHealthy()
	if e == nil {
		return Frame{}, ErrUnavailable
	}

	atomic.AddInt32(&p.inFlight, 1)
	defer atomic.AddInt32(&p.inFlight, -1)

	req := Frame{CorrelationID: newCorrelationID(), Timestamp: time.Now(), Kind: kind, Payload: payload}
	req.Signature = sign(secret, req)

	ch, err := e.send(req)
	if err != nil {
		return Frame{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, ErrTimeout // connection dropped mid-flight
		}
		if !verify(secret, reply) {
			return Frame{}, ErrTimeout
		}
		return reply, nil
	case <-ctx.Done():
		e.abandon(req.CorrelationID)
		return Frame{}, ErrTimeout
	}
}

// Close shuts down every endpoint.
func (p *Pool) Close() {
	var wg sync.WaitGroup
	for _, e := range p.endpoints {
		wg.Add(1)
		go func(e *endpoint) { defer wg.Done(); e.close() }(e)
	}
	wg.Wait()
}
