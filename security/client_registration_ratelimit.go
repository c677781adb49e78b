package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour caps dynamic client registrations per IP.
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the sliding window the cap applies to.
	DefaultRegistrationWindow = time.Hour

	// DefaultRegistrationCleanupInterval is how often idle IPs are dropped.
	DefaultRegistrationCleanupInterval = 15 * time.Minute

	// DefaultMaxRegistrationEntries bounds the number of tracked IPs.
	DefaultMaxRegistrationEntries = 10000
)

// registrationEntry holds the registration timestamps seen from one IP
// within the current window.
type registrationEntry struct {
	ip            string
	registrations []time.Time
	lastAccess    time.Time
}

// ClientRegistrationRateLimiter throttles RFC 7591 registrations per IP over
// a sliding window. Registration creates persistent state, so it gets a much
// tighter budget than ordinary request rate limiting. Tracked IPs live in an
// LRU list bounded by maxEntries.
type ClientRegistrationRateLimiter struct {
	mu      sync.RWMutex
	entries map[string]*list.Element
	lruList *list.List

	maxPerWindow int
	window       time.Duration
	maxEntries   int

	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewClientRegistrationRateLimiter creates a limiter with the default
// per-hour budget.
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig creates a limiter with an
// explicit budget, window, and tracked-IP capacity. Non-positive values fall
// back to the defaults.
func NewClientRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	return newClientRegistrationRateLimiterWithCleanupInterval(maxPerWindow, window, maxEntries, DefaultRegistrationCleanupInterval, logger)
}

func newClientRegistrationRateLimiterWithCleanupInterval(maxPerWindow int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxRegistrationEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultRegistrationCleanupInterval
	}

	rl := &ClientRegistrationRateLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()

	logger.Info("Client registration rate limiter initialized",
		"max_per_window", maxPerWindow,
		"window", window,
		"max_entries", maxEntries)
	return rl
}

// Allow reports whether the IP may register another client right now.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[ip]; ok {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*registrationEntry)
		entry.lastAccess = now

		// Drop timestamps that have slid out of the window.
		n := 0
		for _, ts := range entry.registrations {
			if ts.After(windowStart) {
				entry.registrations[n] = ts
				n++
			}
		}
		entry.registrations = entry.registrations[:n]

		if len(entry.registrations) >= rl.maxPerWindow {
			rl.totalBlocked++
			rl.logger.Warn("Client registration rate limit exceeded",
				"ip", ip,
				"registrations_in_window", len(entry.registrations),
				"max_per_window", rl.maxPerWindow,
				"window", rl.window)
			return false
		}

		entry.registrations = append(entry.registrations, now)
		rl.totalAllowed++
		return true
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &registrationEntry{
		ip:            ip,
		registrations: []time.Time{now},
		lastAccess:    now,
	}
	rl.entries[ip] = rl.lruList.PushFront(entry)
	rl.totalAllowed++
	return true
}

// evictOldest drops the least recently seen IP. Caller holds rl.mu.
func (rl *ClientRegistrationRateLimiter) evictOldest() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*registrationEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Registration limiter evicted oldest IP",
		"ip", entry.ip,
		"tracked", len(rl.entries))
}

func (rl *ClientRegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup drops IPs that have been idle for more than two windows. An IP
// older than one full window cannot have any countable registrations left,
// so doubling the window leaves a safety margin.
func (rl *ClientRegistrationRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxIdle := rl.window * 2
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*registrationEntry)
		if now.Sub(entry.lastAccess) > maxIdle {
			delete(rl.entries, entry.ip)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Registration limiter dropped idle IPs",
			"removed", removed,
			"remaining", len(rl.entries))
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *ClientRegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// RegistrationStats is a point-in-time view of the limiter for monitoring.
type RegistrationStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalBlocked   int64
	TotalAllowed   int64
	TotalEvictions int64
	TotalCleanups  int64
}

// GetStats returns current limiter counters.
func (rl *ClientRegistrationRateLimiter) GetStats() RegistrationStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return RegistrationStats{
		CurrentEntries: len(rl.entries),
		MaxEntries:     rl.maxEntries,
		TotalBlocked:   rl.totalBlocked,
		TotalAllowed:   rl.totalAllowed,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
}
