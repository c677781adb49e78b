// Package valkey provides a Valkey-backed implementation of the broker's
// authorization code and token stores.
//
// Codes and locally issued tokens are the broker's high-churn, TTL-bound
// state, which maps naturally onto Valkey keys with expirations. Rows are
// stored as JSON values and the security-critical transitions (single-use
// code consumption, revoke-then-insert token issuance) run as Lua scripts so
// they stay atomic under concurrent requests across multiple broker
// replicas.
//
// Client registrations, upstream identities, and configuration stay in the
// in-memory store: the merge-on-login path rewrites several rows and
// migrates tokens in one atomic section, which has no clean equivalent over
// independent Valkey keys.
//
// Usage:
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//	store.SetEncryptor(encryptor, digester)
package valkey
