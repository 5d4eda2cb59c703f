package infrastructure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TenantRateLimiter keeps one token bucket per tenant.
type TenantRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*tenantLimiter
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantRateLimiter allows perSecond events per tenant with the given burst.
func NewTenantRateLimiter(perSecond float64, burst int) *TenantRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TenantRateLimiter{
		limiters: make(map[string]*tenantLimiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *TenantRateLimiter) get(tenantID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[tenantID]
	if !ok {
		l = &tenantLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[tenantID] = l
	}
	l.lastSeen = rl.now()
	return l.limiter
}

// Allow consumes a token for tenantID if one is available.
func (rl *TenantRateLimiter) Allow(tenantID string) bool {
	return rl.get(tenantID).Allow()
}

// Wait blocks until tenantID may proceed or ctx ends.
func (rl *TenantRateLimiter) Wait(ctx context.Context, tenantID string) error {
	return rl.get(tenantID).Wait(ctx)
}

// Len returns the number of tracked tenants.
func (rl *TenantRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *TenantRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for id, l := range rl.limiters {
		if now.Sub(l.lastSeen) > rl.idle {
			delete(rl.limiters, id)
		}
	}
}

// Run removes idle tenants every interval until ctx is cancelled.
func (rl *TenantRateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}
