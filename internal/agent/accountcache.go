package agent

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/sentinel-agent/internal/bridge"
	"github.com/aristath/sentinel-agent/internal/safety"
	"github.com/rs/zerolog"
)

// accountRefreshInterval is well under the safety validator's 30s
// staleness window (safety/validator.go's ReasonStaleAccount check), so a
// healthy bridge keeps the cached snapshot fresh enough to pass it.
const accountRefreshInterval = 10 * time.Second

// accountCache polls the terminal bridge for account/position state on a
// fixed interval and serves the latest snapshot to the safety validator,
// satisfying safety.AccountProvider/PositionProvider without the
// validator ever depending on the bridge directly.
type accountCache struct {
	pool   *bridge.Pool
	secret []byte
	log    zerolog.Logger

	mu        sync.RWMutex
	snapshot  safety.AccountSnapshot
	positions []safety.Position
}

func newAccountCache(pool *bridge.Pool, secret []byte, log zerolog.Logger) *accountCache {
	return &accountCache{pool: pool, secret: secret, log: log.With().Str("component", "accountCache").Logger()}
}

func (c *accountCache) Account() safety.AccountSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *accountCache) Positions() []safety.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positions
}

// run polls until ctx is cancelled. Called in its own goroutine by the
// controller.
func (c *accountCache) run(ctx context.Context) {
	c.refresh(ctx)

	ticker := time.NewTicker(accountRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *accountCache) refresh(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reply, err := c.pool.Request(callCtx, "QUERY_ACCOUNT", nil, c.secret)
	if err != nil {
		c.log.Debug().Err(err).Msg("account snapshot refresh failed; serving last known snapshot")
		return
	}

	snapshot := safety.AccountSnapshot{CapturedAt: time.Now()}
	if v, ok := reply.Payload["equity"].(float64); ok {
		snapshot.Equity = v
	}
	if v, ok := reply.Payload["balanceAtDayStart"].(float64); ok {
		snapshot.BalanceAtDayStart = v
	}
	if v, ok := reply.Payload["peakEquitySinceDayStart"].(float64); ok {
		snapshot.PeakEquitySinceDayStart = v
	}

	var positions []safety.Position
	if raw, ok := reply.Payload["positions"].([]interface{}); ok {
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			var p safety.Position
			if symbol, ok := m["symbol"].(string); ok {
				p.Symbol = symbol
			}
			if volume, ok := m["volume"].(float64); ok {
				p.Volume = volume
			}
			positions = append(positions, p)
		}
	}

	c.mu.Lock()
	c.snapshot = snapshot
	c.positions = positions
	c.mu.Unlock()
}
