// Package security holds the broker's cross-cutting protections: AES-GCM
// encryption of secrets at rest, HKDF-derived token lookup digests, per-IP
// rate limiting, a dedicated registration throttle, request-ID propagation,
// client IP extraction behind proxies, response hardening headers, expiry
// checks with clock-skew grace, and an audit logger that hashes sensitive
// values before they reach the log stream.
//
// The two rate limiters bound their memory with LRU eviction and background
// idle cleanup; both must be stopped when their owner shuts down:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// 429
//	}
package security
