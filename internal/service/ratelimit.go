package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	throttleSweepEvery = 5 * time.Minute
	throttleIdleAfter  = 10 * time.Minute
)

// AccountThrottle limits sign-in attempts per account, whatever address
// they come from. It is safe for concurrent use.
type AccountThrottle struct {
	mu       sync.Mutex
	accounts map[string]*accountLimiter
	limit    rate.Limit
	burst    int
}

type accountLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewAccountThrottle allows perMinute attempts per account, refilled
// evenly over the minute. Idle accounts are forgotten by a sweeper that
// stops when ctx is done.
func NewAccountThrottle(ctx context.Context, perMinute int) *AccountThrottle {
	if perMinute <= 0 {
		perMinute = 5
	}
	t := &AccountThrottle{
		accounts: make(map[string]*accountLimiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
	go t.sweep(ctx)
	return t
}

// Allow reports whether another attempt for the account may proceed and
// consumes it. Accounts are compared case-insensitively.
func (t *AccountThrottle) Allow(account string) bool {
	key := strings.ToLower(strings.TrimSpace(account))

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.accounts[key]
	if !ok {
		a = &accountLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.accounts[key] = a
	}
	a.seen = time.Now()
	return a.limiter.Allow()
}

// Tracked returns the number of accounts currently remembered.
func (t *AccountThrottle) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accounts)
}

func (t *AccountThrottle) sweep(ctx context.Context) {
	ticker := time.NewTicker(throttleSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.forgetIdle(now.Add(-throttleIdleAfter))
		}
	}
}

func (t *AccountThrottle) forgetIdle(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, a := range t.accounts {
		if a.seen.Before(cutoff) {
			delete(t.accounts, key)
		}
	}
}
