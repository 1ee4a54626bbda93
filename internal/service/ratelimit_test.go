package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/msomdec/user-admin/internal/service"
)

func newThrottle(t *testing.T, perMinute int) *service.AccountThrottle {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return service.NewAccountThrottle(ctx, perMinute)
}

func TestAccountThrottle_AllowsUpToBurst(t *testing.T) {
	th := newThrottle(t, 3)

	for i := 0; i < 3; i++ {
		if !th.Allow("alice@example.com") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if th.Allow("alice@example.com") {
		t.Fatal("4th attempt should be denied")
	}
}

func TestAccountThrottle_AccountsAreIndependent(t *testing.T) {
	th := newThrottle(t, 1)

	if !th.Allow("alice@example.com") {
		t.Fatal("alice first attempt should be allowed")
	}
	if th.Allow("alice@example.com") {
		t.Fatal("alice second attempt should be denied")
	}
	if !th.Allow("bob@example.com") {
		t.Fatal("bob has his own budget")
	}
	if th.Tracked() != 2 {
		t.Fatalf("expected 2 tracked accounts, got %d", th.Tracked())
	}
}

func TestAccountThrottle_IgnoresCaseAndSpace(t *testing.T) {
	th := newThrottle(t, 1)

	if !th.Allow("Alice@Example.com") {
		t.Fatal("first attempt should be allowed")
	}
	if th.Allow("  alice@example.com ") {
		t.Fatal("same account with different case should share the budget")
	}
}

func TestAccountThrottle_DefaultLimit(t *testing.T) {
	th := newThrottle(t, 0)

	for i := 0; i < 5; i++ {
		if !th.Allow("k") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if th.Allow("k") {
		t.Fatal("6th attempt should be denied")
	}
}

func TestAccountThrottle_Concurrent(t *testing.T) {
	th := newThrottle(t, 10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Allow("shared@example.com") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed < 10 || allowed > 11 {
		t.Fatalf("expected about 10 allowed attempts, got %d", allowed)
	}
}
