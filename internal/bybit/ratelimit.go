package bybit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Endpoint groups for rate limiting. Bybit budgets limits per endpoint
// family, so each group gets its own bucket.
const (
	GroupPublic              = "public"
	GroupPrivateCritical     = "private_critical"
	GroupPrivateOrderQuery   = "private_order_query"
	GroupPrivateAccountQuery = "private_account_query"
)

// tokenBucket is a continuously refilling token bucket.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(rate, capacity float64) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     rate,
		last:     time.Now(),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// take consumes a token if available, otherwise returns the wait needed.
func (b *tokenBucket) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	return wait, false
}

// Limiter gates REST calls per endpoint group and per symbol, with an
// adaptive cooldown applied when the exchange reports quota exhaustion.
type Limiter struct {
	mu        sync.Mutex
	groups    map[string]*tokenBucket
	symbols   map[string]*tokenBucket
	symRate   float64
	symBurst  float64
	maxWait   time.Duration
	pausedTil time.Time
}

// LimiterConfig carries per-group rates; zero values disable a group's gate.
type LimiterConfig struct {
	PublicRPS, PublicBurst                           float64
	PrivateCriticalRPS, PrivateCriticalBurst         float64
	PrivateOrderQueryRPS, PrivateOrderQueryBurst     float64
	PrivateAccountQueryRPS, PrivateAccountQueryBurst float64
	PerSymbolRPS, PerSymbolBurst                     float64
	MaxWait                                          time.Duration
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{
		groups:   make(map[string]*tokenBucket),
		symbols:  make(map[string]*tokenBucket),
		symRate:  cfg.PerSymbolRPS,
		symBurst: cfg.PerSymbolBurst,
		maxWait:  cfg.MaxWait,
	}
	add := func(name string, rate, burst float64) {
		if rate > 0 {
			l.groups[name] = newTokenBucket(rate, burst)
		}
	}
	add(GroupPublic, cfg.PublicRPS, cfg.PublicBurst)
	add(GroupPrivateCritical, cfg.PrivateCriticalRPS, cfg.PrivateCriticalBurst)
	add(GroupPrivateOrderQuery, cfg.PrivateOrderQueryRPS, cfg.PrivateOrderQueryBurst)
	add(GroupPrivateAccountQuery, cfg.PrivateAccountQueryRPS, cfg.PrivateAccountQueryBurst)
	return l
}

// Wait blocks until both the group bucket and the symbol bucket (when symbol
// is non-empty) grant a token, or until maxWait or ctx expires.
func (l *Limiter) Wait(ctx context.Context, group, symbol string) error {
	deadline := time.Now().Add(l.maxWait)
	for {
		if wait := l.pauseRemaining(); wait > 0 {
			if err := sleepCtx(ctx, wait, deadline); err != nil {
				return err
			}
			continue
		}
		wait, ok := l.take(group, symbol)
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, wait, deadline); err != nil {
			return err
		}
	}
}

func (l *Limiter) take(group, symbol string) (time.Duration, bool) {
	if b, ok := l.groups[group]; ok {
		if wait, granted := b.take(); !granted {
			return wait, false
		}
	}
	if symbol != "" && l.symRate > 0 {
		l.mu.Lock()
		b, ok := l.symbols[symbol]
		if !ok {
			b = newTokenBucket(l.symRate, l.symBurst)
			l.symbols[symbol] = b
		}
		l.mu.Unlock()
		if wait, granted := b.take(); !granted {
			return wait, false
		}
	}
	return 0, true
}

// Pause suspends all calls until t, used when the exchange reports the quota
// is exhausted and names a reset time.
func (l *Limiter) Pause(until time.Time) {
	l.mu.Lock()
	if until.After(l.pausedTil) {
		l.pausedTil = until
	}
	l.mu.Unlock()
}

func (l *Limiter) pauseRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := time.Until(l.pausedTil); r > 0 {
		return r
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration, deadline time.Time) error {
	if time.Now().Add(d).After(deadline) {
		return fmt.Errorf("rate limit wait exceeds %s", time.Until(deadline).Round(time.Millisecond))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
