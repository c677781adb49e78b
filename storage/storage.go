// Package storage defines interfaces for persisting the broker's clients,
// authorization codes, local tokens, upstream identities, and configuration.
// It supports various backend implementations; the canonical one is in-memory.
package storage

import (
	"context"
	"time"
)

// Client status values.
const (
	ClientStatusActive = "active"
	ClientStatusMerged = "merged"
)

// Authorization code status values.
const (
	CodeStatusActive  = "active"
	CodeStatusExpired = "expired"
)

// Token kinds and status values.
const (
	TokenKindBearer  = "bearer"
	TokenKindRefresh = "refresh"

	TokenStatusActive  = "active"
	TokenStatusRevoked = "revoked"
	TokenStatusExpired = "expired"
)

// Client represents a dynamically registered OAuth client.
// A client starts unlinked (UpstreamIdentity empty) and becomes linked once
// the upstream callback resolves a real user.
type Client struct {
	ClientID        string
	EncryptedSecret string // encrypted at rest, decryptable for registration reuse
	Name            string
	RedirectURIs    []string
	GrantTypes      []string
	Scope           string

	// UpstreamAppID is the upstream application this registration was made under.
	UpstreamAppID string

	// UpstreamIdentity is the upstream user this client is bound to.
	// Empty until linkIdentity runs after the first successful login.
	UpstreamIdentity string

	// Email of the linked upstream user, if any.
	Email string

	// SessionCorrelator ties repeated registrations from the same logical
	// session together, if the caller supplied one.
	SessionCorrelator string

	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrimaryRedirectURI returns the first registered redirect URI, which is the
// one used for deduplication of repeated registrations.
func (c *Client) PrimaryRedirectURI() string {
	if len(c.RedirectURIs) == 0 {
		return ""
	}
	return c.RedirectURIs[0]
}

// Linked reports whether the client has been bound to an upstream identity.
func (c *Client) Linked() bool {
	return c.UpstreamIdentity != ""
}

// AuthorizationCode represents a short-lived, single-use code binding a local
// registration to an eventual upstream identity.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// UpstreamIdentity is set once the upstream callback resolves a user.
	UpstreamIdentity string

	CreatedAt time.Time
	ExpiresAt time.Time
	Status    string
}

// Token represents a locally issued Bearer or refresh token.
// The value is stored encrypted; Digest is a deterministic keyed hash of the
// plaintext value used as the lookup index.
type Token struct {
	EncryptedValue   string
	Digest           string
	ClientID         string
	Kind             string
	UpstreamIdentity string
	Scope            string
	ExpiresAt        time.Time
	Status           string
	CreatedAt        time.Time
}

// UpstreamIdentity holds the upstream user's tokens and profile.
// Overwritten on every successful upstream exchange or refresh.
type UpstreamIdentity struct {
	IdentityID            string
	AppID                 string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	ExpiresAt             time.Time
	Scope                 string
	Email                 string
	DisplayName           string
	UpdatedAt             time.Time
}

// UpstreamAppConfig is the singleton upstream application configuration.
type UpstreamAppConfig struct {
	AppID           string
	EncryptedSecret string
	TenantID        string
	RedirectURI     string
	UpdatedAt       time.Time
}

// Account represents a local user account for access delegation.
type Account struct {
	UserID    string
	Email     string
	Admin     bool
	Active    bool
	CreatedAt time.Time
}

// Delegation grants one account (Grantee) access to another (Grantor).
type Delegation struct {
	Grantor   string
	Grantee   string
	Active    bool
	ExpiresAt time.Time // zero means no expiry
	CreatedAt time.Time
}

// LinkResult is the outcome of an atomic identity link operation.
type LinkResult struct {
	// EffectiveClientID is the client id the caller should use from now on.
	// Normally the id passed to AtomicLinkIdentity; on a merge collision it
	// is the surviving older client's id instead.
	EffectiveClientID string

	// Merged is true when an older client row for the same identity was
	// rewritten and its tokens migrated.
	Merged bool

	// AbandonedClientID is the id that was retired by a merge, if any.
	AbandonedClientID string
}

// ClientStore manages dynamically registered clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient inserts or replaces a client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves an active client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// FindClientBySessionCorrelator returns the active client bound to the
	// given session correlator under the given upstream app, regardless of
	// link state.
	FindClientBySessionCorrelator(ctx context.Context, appID, correlator string) (*Client, error)

	// FindClientByRedirectURI returns an active client registered under
	// (appID, redirectURI). When linked is true only clients already bound
	// to an upstream identity match; when false only unlinked ones do.
	FindClientByRedirectURI(ctx context.Context, appID, redirectURI string, linked bool) (*Client, error)

	// AtomicLinkIdentity binds clientID to the given upstream identity.
	// The decision (already linked / merge an older client / attach in
	// place) and the resulting row mutations, including token migration,
	// happen under a single atomic section so concurrent links for the same
	// identity cannot diverge.
	AtomicLinkIdentity(ctx context.Context, clientID, identity, email, redirectURI, name string) (*LinkResult, error)

	// DeleteClient removes a client registration.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClients lists all client registrations (for admin purposes).
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore manages authorization codes.
type CodeStore interface {
	// SaveCode inserts a code after invalidating any other active code held
	// by the same client, so a client has at most one code in flight.
	SaveCode(ctx context.Context, code *AuthorizationCode) error

	// GetCode retrieves a code without mutating it.
	GetCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// BindCodeIdentity records the upstream identity resolved by the
	// provider callback on a pending code.
	BindCodeIdentity(ctx context.Context, code, identity string) error

	// CheckCodeForRedemption validates a code against the redeeming client
	// and redirect URI without consuming it. A late redemption marks the
	// code expired as a side effect. Returns a copy of the code on success.
	CheckCodeForRedemption(ctx context.Context, code, clientID, redirectURI string) (*AuthorizationCode, error)

	// AtomicConsumeCode transitions a code from active to expired.
	// Exactly one of two concurrent calls succeeds; the loser observes
	// ErrCodeAlreadyUsed.
	AtomicConsumeCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteCode removes a code.
	DeleteCode(ctx context.Context, code string) error
}

// TokenStore issues and verifies locally minted Bearer and refresh tokens.
type TokenStore interface {
	// IssueToken encrypts and stores value under tok's metadata. All prior
	// active tokens of the same kind for (ClientID, UpstreamIdentity) are
	// revoked in the same atomic section, preserving the at-most-one-active
	// invariant under concurrent issuance.
	IssueToken(ctx context.Context, value string, tok *Token) error

	// VerifyToken looks up an active, non-expired token of the given kind
	// matching the presented plaintext value. Lookup is by deterministic
	// digest, confirmed by decrypt and constant-time compare.
	VerifyToken(ctx context.Context, kind, presented string) (*Token, error)

	// RevokeAllActive transitions every active token of the given kinds to
	// revoked. Returns the number of tokens revoked.
	RevokeAllActive(ctx context.Context, kinds ...string) (int, error)

	// CountActive returns the number of active tokens of the given kind for
	// a (client, identity) pair. Primarily for invariant checks and admin
	// introspection.
	CountActive(ctx context.Context, kind, clientID, identity string) (int, error)

	// ReassignClient rewrites the client id on every token belonging to
	// oldClientID, preserving status and expiry. Called after a client merge
	// retires oldClientID in favor of newClientID, so a token store separate
	// from the client store keeps its rows consistent. Returns the number of
	// tokens reassigned.
	ReassignClient(ctx context.Context, oldClientID, newClientID string) (int, error)
}

// IdentityStore persists upstream identities and their encrypted tokens.
type IdentityStore interface {
	// SaveIdentity inserts or overwrites an upstream identity row.
	// Access and refresh token values are encrypted at rest.
	SaveIdentity(ctx context.Context, identity *UpstreamIdentity, accessToken, refreshToken string) error

	// GetIdentity retrieves an identity with its token values decrypted.
	GetIdentity(ctx context.Context, identityID string) (*UpstreamIdentity, string, string, error)
}

// ConfigStore persists the singleton upstream application configuration.
type ConfigStore interface {
	GetAppConfig(ctx context.Context) (*UpstreamAppConfig, error)
	SaveAppConfig(ctx context.Context, cfg *UpstreamAppConfig) error
}

// AccountStore manages local accounts and delegations for access resolution.
type AccountStore interface {
	SaveAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// ListActiveAccounts returns every active account.
	ListActiveAccounts(ctx context.Context) ([]*Account, error)

	SaveDelegation(ctx context.Context, d *Delegation) error

	// DelegationsFor returns the active, non-expired delegations granted to
	// the given account.
	DelegationsFor(ctx context.Context, grantee string) ([]*Delegation, error)
}
