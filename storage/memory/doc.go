// Package memory provides an in-memory implementation of the broker storage
// interfaces.
//
// This package implements ClientStore, CodeStore, TokenStore, IdentityStore,
// ConfigStore, and AccountStore using Go's built-in maps with mutex
// protection. It is suitable for development, testing, and single-instance
// deployments where persistence across restarts is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic code consumption and revoke-then-insert token issuance
//   - Encryption at rest via security.Encryptor with a deterministic
//     keyed-hash lookup index for O(1) token verification
//   - Automatic cleanup of expired codes, dead tokens, and stale clients
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	server, _ := oauth.NewServer(provider, store, cfg)
package memory
