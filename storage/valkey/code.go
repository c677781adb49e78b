package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/graphgate/dcr-oauth/storage"
)

// ============================================================
// CodeStore Implementation
// ============================================================

// authorizationCodeJSON is the stored representation of an authorization code.
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	UpstreamIdentity    string `json:"upstream_identity,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Status              string `json:"status"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		State:               code.State,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		UpstreamIdentity:    code.UpstreamIdentity,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Status:              code.Status,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		State:               j.State,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		UpstreamIdentity:    j.UpstreamIdentity,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Status:              j.Status,
	}
}

// ============================================================
// Lua Scripts
// ============================================================
//
// The single-use and single-code-in-flight guarantees must hold across
// broker replicas sharing one Valkey, so every mutating check runs as a Lua
// script and observes a consistent snapshot of the involved keys.

// luaSaveCode inserts a code after deleting the client's previous code in
// flight, tracked through a per-client pointer key.
//
// KEYS[1] = new code key
// KEYS[2] = per-client active code pointer key
// ARGV[1] = serialized code row
// ARGV[2] = TTL in seconds
//
// Returns 1 if a previous code was superseded, 0 otherwise.
const luaSaveCode = `
local superseded = 0
local prev = redis.call('GET', KEYS[2])
if prev and prev ~= KEYS[1] then
    superseded = redis.call('DEL', prev)
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
redis.call('SET', KEYS[2], KEYS[1], 'EX', ARGV[2])
return superseded
`

// luaBindCodeIdentity records the resolved upstream identity on a pending
// code, refusing codes that are no longer active.
//
// KEYS[1] = code key
// ARGV[1] = upstream identity id
//
// Returns "OK", "NOT_FOUND", or "ALREADY_USED".
const luaBindCodeIdentity = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local code = cjson.decode(data)
if code.status ~= 'active' then
    return 'ALREADY_USED'
end
code.upstream_identity = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return 'OK'
`

// luaCheckCodeForRedemption validates a code against the redeeming client
// and redirect URI without consuming it. The checks run in a fixed order so
// a code presented by the wrong client is reported as a client mismatch even
// after it was consumed. A late redemption marks the row expired.
//
// KEYS[1] = code key
// ARGV[1] = redeeming client id
// ARGV[2] = redirect URI, empty string skips the check
// ARGV[3] = current Unix timestamp in seconds
//
// Returns the row JSON on success, or one of "NOT_FOUND", "CLIENT_MISMATCH",
// "ALREADY_USED", "EXPIRED", "REDIRECT_MISMATCH".
const luaCheckCodeForRedemption = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local code = cjson.decode(data)
if code.client_id ~= ARGV[1] then
    return 'CLIENT_MISMATCH'
end
if code.status ~= 'active' then
    return 'ALREADY_USED'
end
local now = tonumber(ARGV[3])
if code.expires_at and now > code.expires_at then
    code.status = 'expired'
    redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
    return 'EXPIRED'
end
if ARGV[2] ~= '' and code.redirect_uri ~= ARGV[2] then
    return 'REDIRECT_MISMATCH'
end
return data
`

// luaConsumeCode transitions a code from active to expired. Only one of N
// concurrent calls observes the active status and wins.
//
// KEYS[1] = code key
//
// Returns the row JSON as it was before consumption, or "NOT_FOUND" /
// "ALREADY_USED".
const luaConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
local code = cjson.decode(data)
if code.status ~= 'active' then
    return 'ALREADY_USED'
end
code.status = 'expired'
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')
return data
`

// SaveCode inserts a code, removing any other active code held by the same
// client first so a client has at most one code in flight.
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" || code.ClientID == "" {
		return fmt.Errorf("invalid authorization code")
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt, codeRetention)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	superseded, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSaveCode).
			Numkeys(2).
			Key(s.codeKey(code.Code), s.activeCodeKey(code.ClientID)).
			Arg(string(data), fmt.Sprintf("%d", int64(ttl.Seconds()))).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", safeTruncate(code.Code, idLogLength),
		"superseded", superseded)
	return nil
}

// GetCode retrieves a code without mutating it.
func (s *Store) GetCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j), nil
}

// BindCodeIdentity records the upstream identity resolved by the provider
// callback on a pending code.
func (s *Store) BindCodeIdentity(ctx context.Context, code, identity string) error {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaBindCodeIdentity).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(identity).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to bind code identity: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return storage.ErrCodeNotFound
	case "ALREADY_USED":
		return storage.ErrCodeAlreadyUsed
	}

	s.logger.Debug("Bound upstream identity to authorization code",
		"code_prefix", safeTruncate(code, idLogLength))
	return nil
}

// CheckCodeForRedemption validates a code against the redeeming client and
// redirect URI without consuming it. A late redemption marks the code
// expired as a side effect; every other failure leaves the row untouched.
func (s *Store) CheckCodeForRedemption(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCheckCodeForRedemption).
			Numkeys(1).
			Key(s.codeKey(code)).
			Arg(clientID, redirectURI, fmt.Sprintf("%d", time.Now().Unix())).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to check authorization code: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case "CLIENT_MISMATCH":
		return nil, storage.ErrCodeClientMismatch
	case "ALREADY_USED":
		return nil, storage.ErrCodeAlreadyUsed
	case "EXPIRED":
		return nil, storage.ErrCodeExpired
	case "REDIRECT_MISMATCH":
		return nil, storage.ErrCodeRedirectURI
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return fromAuthorizationCodeJSON(&j), nil
}

// AtomicConsumeCode transitions a code from active to expired.
// Only one of N concurrent calls succeeds; the rest observe
// ErrCodeAlreadyUsed.
func (s *Store) AtomicConsumeCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrCodeNotFound
	case "ALREADY_USED":
		return nil, storage.ErrCodeAlreadyUsed
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	authCode := fromAuthorizationCodeJSON(&j)
	authCode.Status = storage.CodeStatusExpired

	s.logger.Debug("Consumed authorization code",
		"code_prefix", safeTruncate(code, idLogLength))
	return authCode, nil
}

// DeleteCode removes a code.
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(code)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}
