package valkey

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenJSON is the stored representation of a locally issued token.
type tokenJSON struct {
	EncryptedValue   string `json:"encrypted_value"`
	Digest           string `json:"digest"`
	ClientID         string `json:"client_id"`
	Kind             string `json:"kind"`
	UpstreamIdentity string `json:"upstream_identity"`
	Scope            string `json:"scope,omitempty"`
	ExpiresAt        int64  `json:"expires_at"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"created_at"`
}

func toTokenJSON(tok *storage.Token) *tokenJSON {
	return &tokenJSON{
		EncryptedValue:   tok.EncryptedValue,
		Digest:           tok.Digest,
		ClientID:         tok.ClientID,
		Kind:             tok.Kind,
		UpstreamIdentity: tok.UpstreamIdentity,
		Scope:            tok.Scope,
		ExpiresAt:        tok.ExpiresAt.Unix(),
		Status:           tok.Status,
		CreatedAt:        tok.CreatedAt.Unix(),
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	return &storage.Token{
		EncryptedValue:   j.EncryptedValue,
		Digest:           j.Digest,
		ClientID:         j.ClientID,
		Kind:             j.Kind,
		UpstreamIdentity: j.UpstreamIdentity,
		Scope:            j.Scope,
		ExpiresAt:        time.Unix(j.ExpiresAt, 0),
		Status:           j.Status,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// luaIssueToken inserts a token row after revoking the predecessor of the
// same kind for the same (client, identity) tuple, tracked through a pointer
// key. Running both steps in one script preserves the at-most-one-active
// invariant under concurrent issuance.
//
// KEYS[1] = new token row key
// KEYS[2] = active token pointer key for (kind, client, identity)
// ARGV[1] = serialized token row
// ARGV[2] = TTL in seconds
//
// Returns 1 if a predecessor was revoked, 0 otherwise.
const luaIssueToken = `
local revoked = 0
local prev = redis.call('GET', KEYS[2])
if prev and prev ~= KEYS[1] then
    local old = redis.call('GET', prev)
    if old then
        local row = cjson.decode(old)
        if row.status == 'active' then
            row.status = 'revoked'
            redis.call('SET', prev, cjson.encode(row), 'KEEPTTL')
            revoked = 1
        end
    end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('SET', KEYS[2], KEYS[1], 'EX', ARGV[2])
return revoked
`

// IssueToken encrypts and stores value under tok's metadata.
// The prior active token of the same kind for the same (client, identity)
// pair is revoked in the same script, so at most one Bearer and one refresh
// token per pair are active at any time, even under concurrent issuance.
func (s *Store) IssueToken(ctx context.Context, value string, tok *storage.Token) error {
	if value == "" {
		return fmt.Errorf("token value cannot be empty")
	}
	if tok == nil || tok.ClientID == "" || tok.UpstreamIdentity == "" {
		return fmt.Errorf("invalid token metadata")
	}
	if tok.Kind != storage.TokenKindBearer && tok.Kind != storage.TokenKindRefresh {
		return fmt.Errorf("unknown token kind %q", tok.Kind)
	}

	encrypted, err := s.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt token value: %w", err)
	}
	digest := s.digest(value)

	cp := *tok
	cp.EncryptedValue = encrypted
	cp.Digest = digest
	cp.Status = storage.TokenStatusActive
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	data, err := json.Marshal(toTokenJSON(&cp))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	ttl := calculateTTL(cp.ExpiresAt, deadTokenRetention)
	if ttl <= 0 {
		return fmt.Errorf("token already expired")
	}

	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIssueToken).
			Numkeys(2).
			Key(s.tokenKey(digest), s.activeTokenKey(cp.Kind, cp.ClientID, cp.UpstreamIdentity)).
			Arg(string(data), fmt.Sprintf("%d", int64(ttl.Seconds()))).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	s.logger.Debug("Issued token",
		"kind", cp.Kind,
		"client_id", cp.ClientID,
		"digest_prefix", safeTruncate(digest, idLogLength),
		"revoked_predecessors", revoked)
	return nil
}

// VerifyToken looks up an active, non-expired token of the given kind that
// matches the presented plaintext value. The digest narrows the lookup to at
// most one row; decrypt plus constant-time compare confirms the match.
func (s *Store) VerifyToken(ctx context.Context, kind, presented string) (*storage.Token, error) {
	if presented == "" {
		return nil, storage.ErrTokenNotFound
	}

	digest := s.digest(presented)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(digest)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	tok := fromTokenJSON(&j)

	if tok.Kind != kind || tok.Status != storage.TokenStatusActive {
		return nil, storage.ErrTokenNotFound
	}
	if security.IsTokenExpired(tok.ExpiresAt) {
		return nil, storage.ErrTokenExpired
	}

	stored, err := s.decrypt(tok.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt stored token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return nil, storage.ErrTokenNotFound
	}

	return tok, nil
}

// RevokeAllActive transitions every active token of the given kinds to
// revoked. Used when the upstream application configuration changes and all
// standing local credentials must be invalidated.
//
// The walk uses SCAN in batches; each row transition is atomic but the bulk
// operation as a whole is not, matching the advisory nature of mass
// revocation.
func (s *Store) RevokeAllActive(ctx context.Context, kinds ...string) (int, error) {
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	pattern := s.tokenKey("*")
	pointerPrefix := s.activeTokenKeyPrefix()

	seen := make(map[string]bool)
	revoked := 0

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return revoked, fmt.Errorf("failed to scan tokens: %w", err)
		}

		for _, key := range result.Elements {
			// Pointer keys share the token prefix; their values are key
			// names, not rows.
			if strings.HasPrefix(key, pointerPrefix) || seen[key] {
				continue
			}
			seen[key] = true

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return revoked, fmt.Errorf("failed to get token %s: %w", key, err)
			}

			var j tokenJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal token, skipping",
					"key", key,
					"error", err)
				continue
			}
			if j.Status != storage.TokenStatusActive || !kindSet[j.Kind] {
				continue
			}

			j.Status = storage.TokenStatusRevoked
			updated, err := json.Marshal(&j)
			if err != nil {
				return revoked, fmt.Errorf("failed to marshal token: %w", err)
			}
			if err := s.client.Do(ctx,
				s.client.B().Set().Key(key).Value(string(updated)).Keepttl().Build(),
			).Error(); err != nil {
				return revoked, fmt.Errorf("failed to revoke token %s: %w", key, err)
			}
			revoked++
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	if revoked > 0 {
		s.logger.Warn("Bulk revoked active tokens", "count", revoked, "kinds", kinds)
	}
	return revoked, nil
}

// ReassignClient rewrites the client id on every token row belonging to
// oldClientID and moves the matching active-token pointer keys, so a merge
// decided in a separate client store is reflected here. Each row update is
// atomic; the walk as a whole is not, like RevokeAllActive.
func (s *Store) ReassignClient(ctx context.Context, oldClientID, newClientID string) (int, error) {
	if oldClientID == "" || newClientID == "" || oldClientID == newClientID {
		return 0, nil
	}

	pattern := s.tokenKey("*")
	pointerPrefix := s.activeTokenKeyPrefix()

	seen := make(map[string]bool)
	moved := 0

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return moved, fmt.Errorf("failed to scan tokens: %w", err)
		}

		for _, key := range result.Elements {
			if strings.HasPrefix(key, pointerPrefix) || seen[key] {
				continue
			}
			seen[key] = true

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue
				}
				return moved, fmt.Errorf("failed to get token %s: %w", key, err)
			}

			var j tokenJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal token, skipping",
					"key", key,
					"error", err)
				continue
			}
			if j.ClientID != oldClientID {
				continue
			}

			j.ClientID = newClientID
			updated, err := json.Marshal(&j)
			if err != nil {
				return moved, fmt.Errorf("failed to marshal token: %w", err)
			}
			if err := s.client.Do(ctx,
				s.client.B().Set().Key(key).Value(string(updated)).Keepttl().Build(),
			).Error(); err != nil {
				return moved, fmt.Errorf("failed to reassign token %s: %w", key, err)
			}

			// Move the active pointer so issuance for the surviving client
			// keeps revoking its predecessor. RENAME preserves the TTL.
			if j.Status == storage.TokenStatusActive {
				oldPointer := s.activeTokenKey(j.Kind, oldClientID, j.UpstreamIdentity)
				newPointer := s.activeTokenKey(j.Kind, newClientID, j.UpstreamIdentity)
				if err := s.client.Do(ctx,
					s.client.B().Rename().Key(oldPointer).Newkey(newPointer).Build(),
				).Error(); err != nil && !isNilError(err) {
					s.logger.Warn("Failed to move active token pointer",
						"old_client_id", oldClientID,
						"new_client_id", newClientID,
						"error", err)
				}
			}
			moved++
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	if moved > 0 {
		s.logger.Info("Reassigned tokens to new client",
			"old_client_id", oldClientID,
			"new_client_id", newClientID,
			"tokens", moved)
	}
	return moved, nil
}

// CountActive returns the number of active, non-expired tokens of the given
// kind for a (client, identity) pair. The pointer key makes this a constant
// number of lookups.
func (s *Store) CountActive(ctx context.Context, kind, clientID, identity string) (int, error) {
	rowKey, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.activeTokenKey(kind, clientID, identity)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get active token pointer: %w", err)
	}

	data, err := s.client.Do(ctx, s.client.B().Get().Key(rowKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return 0, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	if j.Status != storage.TokenStatusActive || security.IsTokenExpired(time.Unix(j.ExpiresAt, 0)) {
		return 0, nil
	}
	return 1, nil
}
