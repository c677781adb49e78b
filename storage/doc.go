// Package storage provides interfaces and entity types for the broker's
// persisted state.
//
// The package defines the core storage interfaces used throughout the
// dcr-oauth library:
//   - ClientStore: dynamically registered clients and identity linking
//   - CodeStore: single-use authorization codes
//   - TokenStore: locally issued Bearer and refresh tokens
//   - IdentityStore: upstream identities and their encrypted tokens
//   - ConfigStore: the singleton upstream application configuration
//   - AccountStore: local accounts and delegations
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage, the canonical single-instance backend
//   - storage/valkey: Valkey-backed codes and tokens for multi-replica deployments
package storage
