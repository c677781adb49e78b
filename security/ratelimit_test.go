package security

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.rate != 10 || rl.burst != 20 {
		t.Errorf("rate/burst = %d/%d, want 10/20", rl.rate, rl.burst)
	}
	if rl.logger == nil {
		t.Error("nil logger should have been replaced with a default")
	}
}

func TestRateLimiter_AllowExhaustsBurst(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("198.51.100.1") {
			t.Fatalf("request %d within burst should pass", i+1)
		}
	}
	if rl.Allow("198.51.100.1") {
		t.Error("request past burst should be limited")
	}
}

func TestRateLimiter_IdentifiersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(10, 2, slog.Default())
	defer rl.Stop()

	rl.Allow("198.51.100.1")
	rl.Allow("198.51.100.1")
	if rl.Allow("198.51.100.1") {
		t.Error("first identifier should be exhausted")
	}
	if !rl.Allow("198.51.100.2") {
		t.Error("second identifier should have its own budget")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(2, 2, slog.Default())
	defer rl.Stop()

	rl.Allow("198.51.100.1")
	rl.Allow("198.51.100.1")
	if rl.Allow("198.51.100.1") {
		t.Fatal("burst should be exhausted")
	}

	// 2 req/s refills one token in 500ms.
	time.Sleep(550 * time.Millisecond)

	if !rl.Allow("198.51.100.1") {
		t.Error("a token should have refilled")
	}
}

func TestRateLimiter_CleanupDropsIdleOnly(t *testing.T) {
	rl := NewRateLimiter(10, 20, slog.Default())
	defer rl.Stop()

	rl.Allow("198.51.100.1")
	rl.Allow("198.51.100.2")

	rl.mu.Lock()
	rl.limiters["198.51.100.1"].Value.(*rateLimiterEntry).lastAccess = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(30 * time.Minute)

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if len(rl.limiters) != 1 {
		t.Errorf("tracked identifiers = %d, want 1", len(rl.limiters))
	}
	if _, ok := rl.limiters["198.51.100.2"]; !ok {
		t.Error("recently active identifier should survive cleanup")
	}
}

func TestRateLimiter_ConcurrentAllow(t *testing.T) {
	rl := NewRateLimiter(100, 100, slog.Default())
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("198.51.100.%d", n)
			for j := 0; j < 10; j++ {
				rl.Allow(id)
			}
		}(i)
	}
	wg.Wait()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if len(rl.limiters) != 10 {
		t.Errorf("tracked identifiers = %d, want 10", len(rl.limiters))
	}
}
