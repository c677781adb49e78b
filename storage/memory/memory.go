// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/graphgate/dcr-oauth/instrumentation"
	"github.com/graphgate/dcr-oauth/internal/util"
	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

const (
	// idLogLength is the number of characters to include when logging codes
	// and token digests. Enough for correlation without exposing the value.
	idLogLength = 8

	// defaultStaleClientRetention is how long merged clients and never-used
	// unlinked registrations are kept before the cleanup pass purges them.
	defaultStaleClientRetention = 7 * 24 * time.Hour

	// defaultDeadTokenRetention is how long revoked and expired token rows
	// are kept for introspection before cleanup removes them.
	defaultDeadTokenRetention = 24 * time.Hour
)

// Store is an in-memory implementation of all storage interfaces.
// It implements ClientStore, CodeStore, TokenStore, IdentityStore,
// ConfigStore, and AccountStore.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client

	codes map[string]*storage.AuthorizationCode

	// Tokens are keyed by their deterministic digest so verification is a
	// map lookup instead of a scan over every encrypted row.
	tokens map[string]*storage.Token

	identities map[string]*storage.UpstreamIdentity

	appConfig *storage.UpstreamAppConfig

	accounts    map[string]*storage.Account
	delegations []*storage.Delegation

	// Security
	encryptor *security.Encryptor
	digester  *security.Digester

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during collection)
	clientsCountAtomic    atomic.Int64
	codesCountAtomic      atomic.Int64
	tokensCountAtomic     atomic.Int64
	identitiesCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval      time.Duration
	staleClientRetention time.Duration
	deadTokenRetention   time.Duration
	stopCleanup          chan struct{}
	logger               *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.ClientStore   = (*Store)(nil)
	_ storage.CodeStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.IdentityStore = (*Store)(nil)
	_ storage.ConfigStore   = (*Store)(nil)
	_ storage.AccountStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:              make(map[string]*storage.Client),
		codes:                make(map[string]*storage.AuthorizationCode),
		tokens:               make(map[string]*storage.Token),
		identities:           make(map[string]*storage.UpstreamIdentity),
		accounts:             make(map[string]*storage.Account),
		cleanupInterval:      cleanupInterval,
		staleClientRetention: defaultStaleClientRetention,
		deadTokenRetention:   defaultDeadTokenRetention,
		stopCleanup:          make(chan struct{}),
		logger:               slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for secrets and token values at rest.
// The digest key for token lookup is derived from the same master key.
func (s *Store) SetEncryptor(enc *security.Encryptor, dig *security.Digester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	s.digester = dig
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for storage")
	}
}

// SetStaleClientRetention overrides how long merged and never-used clients
// are kept before cleanup removes them.
func (s *Store) SetStaleClientRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.staleClientRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.identitiesCountAtomic.Store(int64(len(s.identities)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.identitiesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopCleanup)
}

func (s *Store) encrypt(plaintext string) (string, error) {
	if s.encryptor == nil {
		return plaintext, nil
	}
	return s.encryptor.Encrypt(plaintext)
}

func (s *Store) decrypt(stored string) (string, error) {
	if s.encryptor == nil {
		return stored, nil
	}
	return s.encryptor.Decrypt(stored)
}

func (s *Store) digest(value string) string {
	if s.digester == nil {
		d, _ := security.NewDigester(nil)
		return d.Digest(value)
	}
	return s.digester.Digest(value)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts or replaces a client registration.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]

	cp := *client
	s.clients[client.ClientID] = &cp

	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves an active client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok || client.Status != storage.ClientStatusActive {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	cp := *client
	return &cp, nil
}

// FindClientBySessionCorrelator returns the active client bound to the given
// session correlator under the given upstream app.
func (s *Store) FindClientBySessionCorrelator(ctx context.Context, appID, correlator string) (*storage.Client, error) {
	if correlator == "" {
		return nil, storage.ErrClientNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		if c.Status == storage.ClientStatusActive && c.UpstreamAppID == appID && c.SessionCorrelator == correlator {
			cp := *c
			return &cp, nil
		}
	}
	return nil, storage.ErrClientNotFound
}

// FindClientByRedirectURI returns an active client registered under
// (appID, redirectURI), restricted to linked or unlinked clients.
// Among several candidates the most recently updated one wins.
func (s *Store) FindClientByRedirectURI(ctx context.Context, appID, redirectURI string, linked bool) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *storage.Client
	for _, c := range s.clients {
		if c.Status != storage.ClientStatusActive || c.UpstreamAppID != appID {
			continue
		}
		if c.Linked() != linked {
			continue
		}
		if c.PrimaryRedirectURI() != redirectURI {
			continue
		}
		if best == nil || c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, storage.ErrClientNotFound
	}
	cp := *best
	return &cp, nil
}

// AtomicLinkIdentity binds clientID to the given upstream identity.
//
// The three cases, decided and applied under one lock:
//  1. The client is already linked to the same identity and redirect URI:
//     only the name is refreshed.
//  2. A different, more recently used client already holds this
//     (identity, app, redirect URI) binding: the newer registration absorbs
//     it. The older row transitions to merged and its tokens migrate to the
//     caller's client id, so the caller's in-flight secret stays valid.
//     If the caller's own row has already been merged away by a concurrent
//     link, the older row's identity fields are updated in place instead and
//     its id is returned, so the older binding is never lost.
//  3. No client holds the binding yet: the identity attaches in place.
func (s *Store) AtomicLinkIdentity(ctx context.Context, clientID, identity, email, redirectURI, name string) (*storage.LinkResult, error) {
	ctx, span := s.startStorageSpan(ctx, "link_identity")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "link_identity", err, startTime)
	}()

	if clientID == "" || identity == "" {
		err = fmt.Errorf("clientID and identity cannot be empty")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	now := time.Now()

	// Case 1: already linked to the same identity and redirect URI.
	if current.UpstreamIdentity == identity && containsURI(current.RedirectURIs, redirectURI) {
		if name != "" && current.Name != name {
			current.Name = name
			current.UpdatedAt = now
			s.logger.Info("Updated client name on relink", "client_id", clientID, "name", name)
		}
		return &storage.LinkResult{EffectiveClientID: clientID}, nil
	}

	// Case 2: another client already holds this identity binding.
	var existing *storage.Client
	for _, c := range s.clients {
		if c.ClientID == clientID {
			continue
		}
		if c.Status != storage.ClientStatusActive || c.UpstreamAppID != current.UpstreamAppID {
			continue
		}
		if c.UpstreamIdentity == identity && containsURI(c.RedirectURIs, redirectURI) {
			if existing == nil || c.UpdatedAt.After(existing.UpdatedAt) {
				existing = c
			}
		}
	}

	if existing != nil {
		if current.Status != storage.ClientStatusActive {
			// The caller's row lost a concurrent link race. Update the
			// surviving older row in place and hand its id back.
			existing.UpstreamIdentity = identity
			existing.Email = email
			existing.UpdatedAt = now
			s.logger.Warn("Client merge fell back to existing registration",
				"client_id", clientID,
				"existing_client_id", existing.ClientID)
			return &storage.LinkResult{EffectiveClientID: existing.ClientID}, nil
		}

		// The newer registration absorbs the older one.
		current.UpstreamIdentity = identity
		current.Email = email
		if name != "" {
			current.Name = name
		} else if current.Name == "" {
			current.Name = existing.Name
		}
		current.UpdatedAt = now

		existing.Status = storage.ClientStatusMerged
		existing.UpdatedAt = now

		migrated := 0
		for _, tok := range s.tokens {
			if tok.ClientID == existing.ClientID {
				tok.ClientID = clientID
				migrated++
			}
		}

		s.logger.Info("Merged client registrations",
			"old_client_id", existing.ClientID,
			"new_client_id", clientID,
			"tokens_migrated", migrated)

		return &storage.LinkResult{
			EffectiveClientID: clientID,
			Merged:            true,
			AbandonedClientID: existing.ClientID,
		}, nil
	}

	// Case 3: first link for this identity, attach in place.
	current.UpstreamIdentity = identity
	current.Email = email
	if name != "" {
		current.Name = name
	}
	current.UpdatedAt = now

	s.logger.Info("Linked client to upstream identity",
		"client_id", clientID,
		"email_set", email != "")
	return &storage.LinkResult{EffectiveClientID: clientID}, nil
}

// DeleteClient removes a client registration.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[clientID]; existed {
		delete(s.clients, clientID)
		s.clientsCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted client", "client_id", clientID)
	return nil
}

// ListClients lists all client registrations.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		clients = append(clients, &cp)
	}
	return clients, nil
}

func containsURI(uris []string, uri string) bool {
	for _, u := range uris {
		if u == uri {
			return true
		}
	}
	return false
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveCode inserts a code, removing any other active code held by the same
// client first so a client has at most one code in flight.
func (s *Store) SaveCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_code", err, startTime)
	}()

	if code == nil || code.Code == "" || code.ClientID == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	superseded := 0
	for value, existing := range s.codes {
		if existing.ClientID == code.ClientID && existing.Status == storage.CodeStatusActive {
			delete(s.codes, value)
			s.codesCountAtomic.Add(-1)
			superseded++
		}
	}

	cp := *code
	s.codes[code.Code] = &cp
	s.codesCountAtomic.Add(1)

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, idLogLength),
		"superseded", superseded)
	return nil
}

// GetCode retrieves a code without mutating it.
func (s *Store) GetCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	cp := *authCode
	return &cp, nil
}

// BindCodeIdentity records the upstream identity resolved by the provider
// callback on a pending code.
func (s *Store) BindCodeIdentity(ctx context.Context, code, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return storage.ErrCodeNotFound
	}
	if authCode.Status != storage.CodeStatusActive {
		return storage.ErrCodeAlreadyUsed
	}

	authCode.UpstreamIdentity = identity
	s.logger.Debug("Bound upstream identity to authorization code",
		"code_prefix", util.SafeTruncate(code, idLogLength))
	return nil
}

// CheckCodeForRedemption validates a code against the redeeming client and
// redirect URI without consuming it. A late redemption marks the code
// expired as a side effect; every other failure leaves the row untouched.
func (s *Store) CheckCodeForRedemption(ctx context.Context, code, clientID, redirectURI string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	if authCode.ClientID != clientID {
		return nil, storage.ErrCodeClientMismatch
	}

	if authCode.Status != storage.CodeStatusActive {
		return nil, storage.ErrCodeAlreadyUsed
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		authCode.Status = storage.CodeStatusExpired
		return nil, storage.ErrCodeExpired
	}

	if redirectURI != "" && authCode.RedirectURI != redirectURI {
		return nil, storage.ErrCodeRedirectURI
	}

	cp := *authCode
	return &cp, nil
}

// AtomicConsumeCode transitions a code from active to expired.
// Only one of N concurrent calls succeeds; the rest observe
// ErrCodeAlreadyUsed.
func (s *Store) AtomicConsumeCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		err = storage.ErrCodeNotFound
		return nil, err
	}

	if authCode.Status != storage.CodeStatusActive {
		err = storage.ErrCodeAlreadyUsed
		return nil, err
	}

	authCode.Status = storage.CodeStatusExpired
	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, idLogLength))

	cp := *authCode
	return &cp, nil
}

// DeleteCode removes a code.
func (s *Store) DeleteCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code]; existed {
		delete(s.codes, code)
		s.codesCountAtomic.Add(-1)
	}
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// IssueToken encrypts and stores value under tok's metadata.
// Prior active tokens of the same kind for the same (client, identity) pair
// are revoked in the same critical section, so at most one Bearer and one
// refresh token per pair are active at any time, even under concurrent
// issuance.
func (s *Store) IssueToken(ctx context.Context, value string, tok *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "issue_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "issue_token", err, startTime)
	}()

	if value == "" {
		err = fmt.Errorf("token value cannot be empty")
		return err
	}
	if tok == nil || tok.ClientID == "" || tok.UpstreamIdentity == "" {
		err = fmt.Errorf("invalid token metadata")
		return err
	}
	if tok.Kind != storage.TokenKindBearer && tok.Kind != storage.TokenKindRefresh {
		err = fmt.Errorf("unknown token kind %q", tok.Kind)
		return err
	}

	encrypted, encErr := s.encrypt(value)
	if encErr != nil {
		err = fmt.Errorf("failed to encrypt token value: %w", encErr)
		return err
	}
	digest := s.digest(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, existing := range s.tokens {
		if existing.Status == storage.TokenStatusActive &&
			existing.Kind == tok.Kind &&
			existing.ClientID == tok.ClientID &&
			existing.UpstreamIdentity == tok.UpstreamIdentity {
			existing.Status = storage.TokenStatusRevoked
			revoked++
		}
	}

	cp := *tok
	cp.EncryptedValue = encrypted
	cp.Digest = digest
	cp.Status = storage.TokenStatusActive
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	s.tokens[digest] = &cp
	s.tokensCountAtomic.Add(1)

	s.logger.Debug("Issued token",
		"kind", tok.Kind,
		"client_id", tok.ClientID,
		"digest_prefix", util.SafeTruncate(digest, idLogLength),
		"revoked_predecessors", revoked)
	return nil
}

// VerifyToken looks up an active, non-expired token of the given kind that
// matches the presented plaintext value. The digest narrows the search to at
// most one row; decrypt plus constant-time compare confirms the match.
func (s *Store) VerifyToken(ctx context.Context, kind, presented string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "verify_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "verify_token", err, startTime)
	}()

	if presented == "" {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	digest := s.digest(presented)

	s.mu.RLock()
	tok, ok := s.tokens[digest]
	if ok {
		cp := *tok
		tok = &cp
	}
	s.mu.RUnlock()

	if !ok || tok.Kind != kind || tok.Status != storage.TokenStatusActive {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if security.IsTokenExpired(tok.ExpiresAt) {
		err = storage.ErrTokenExpired
		return nil, err
	}

	stored, decErr := s.decrypt(tok.EncryptedValue)
	if decErr != nil {
		err = fmt.Errorf("failed to decrypt stored token: %w", decErr)
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	return tok, nil
}

// RevokeAllActive transitions every active token of the given kinds to
// revoked. Used when the upstream application configuration changes and all
// standing local credentials must be invalidated.
func (s *Store) RevokeAllActive(ctx context.Context, kinds ...string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_active")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_all_active", err, startTime)
	}()

	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, tok := range s.tokens {
		if tok.Status == storage.TokenStatusActive && kindSet[tok.Kind] {
			tok.Status = storage.TokenStatusRevoked
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Warn("Bulk revoked active tokens", "count", revoked, "kinds", kinds)
	}
	return revoked, nil
}

// ReassignClient rewrites the client id on every token belonging to
// oldClientID. A no-op when the merge already migrated the rows in
// AtomicLinkIdentity, which happens when this store also backs clients.
func (s *Store) ReassignClient(ctx context.Context, oldClientID, newClientID string) (int, error) {
	if oldClientID == "" || newClientID == "" || oldClientID == newClientID {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, tok := range s.tokens {
		if tok.ClientID == oldClientID {
			tok.ClientID = newClientID
			moved++
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

// CountActive returns the number of active tokens of the given kind for a
// (client, identity) pair.
func (s *Store) CountActive(ctx context.Context, kind, clientID, identity string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, tok := range s.tokens {
		if tok.Status == storage.TokenStatusActive &&
			tok.Kind == kind &&
			tok.ClientID == clientID &&
			tok.UpstreamIdentity == identity {
			count++
		}
	}
	return count, nil
}

// ============================================================
// IdentityStore Implementation
// ============================================================

// SaveIdentity inserts or overwrites an upstream identity row, encrypting
// the token values at rest.
func (s *Store) SaveIdentity(ctx context.Context, identity *storage.UpstreamIdentity, accessToken, refreshToken string) error {
	ctx, span := s.startStorageSpan(ctx, "save_identity")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_identity", err, startTime)
	}()

	if identity == nil || identity.IdentityID == "" {
		err = fmt.Errorf("invalid upstream identity")
		return err
	}
	if accessToken == "" {
		err = fmt.Errorf("access token cannot be empty")
		return err
	}

	encAccess, encErr := s.encrypt(accessToken)
	if encErr != nil {
		err = fmt.Errorf("failed to encrypt upstream access token: %w", encErr)
		return err
	}

	encRefresh := ""
	if refreshToken != "" {
		encRefresh, encErr = s.encrypt(refreshToken)
		if encErr != nil {
			err = fmt.Errorf("failed to encrypt upstream refresh token: %w", encErr)
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.identities[identity.IdentityID]

	cp := *identity
	cp.EncryptedAccessToken = encAccess
	cp.EncryptedRefreshToken = encRefresh
	cp.UpdatedAt = time.Now()

	s.identities[identity.IdentityID] = &cp

	if !existed {
		s.identitiesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved upstream identity", "identity_id", identity.IdentityID)
	return nil
}

// GetIdentity retrieves an identity with its token values decrypted.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (*storage.UpstreamIdentity, string, string, error) {
	ctx, span := s.startStorageSpan(ctx, "get_identity")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_identity", err, startTime)
	}()

	s.mu.RLock()
	identity, ok := s.identities[identityID]
	if ok {
		cp := *identity
		identity = &cp
	}
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrIdentityNotFound, identityID)
		return nil, "", "", err
	}

	access, decErr := s.decrypt(identity.EncryptedAccessToken)
	if decErr != nil {
		err = fmt.Errorf("failed to decrypt upstream access token: %w", decErr)
		return nil, "", "", err
	}

	refresh := ""
	if identity.EncryptedRefreshToken != "" {
		refresh, decErr = s.decrypt(identity.EncryptedRefreshToken)
		if decErr != nil {
			err = fmt.Errorf("failed to decrypt upstream refresh token: %w", decErr)
			return nil, "", "", err
		}
	}

	return identity, access, refresh, nil
}

// ============================================================
// ConfigStore Implementation
// ============================================================

// GetAppConfig returns the singleton upstream application configuration.
func (s *Store) GetAppConfig(ctx context.Context) (*storage.UpstreamAppConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.appConfig == nil {
		return nil, storage.ErrConfigNotFound
	}

	cp := *s.appConfig
	return &cp, nil
}

// SaveAppConfig persists the singleton upstream application configuration.
func (s *Store) SaveAppConfig(ctx context.Context, cfg *storage.UpstreamAppConfig) error {
	if cfg == nil || cfg.AppID == "" {
		return fmt.Errorf("invalid upstream app config")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	cp.UpdatedAt = time.Now()
	s.appConfig = &cp

	s.logger.Info("Saved upstream app config", "tenant_id", cfg.TenantID)
	return nil
}

// ============================================================
// AccountStore Implementation
// ============================================================

// SaveAccount inserts or replaces an account.
func (s *Store) SaveAccount(ctx context.Context, account *storage.Account) error {
	if account == nil || account.UserID == "" {
		return fmt.Errorf("invalid account")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *account
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.accounts[account.UserID] = &cp
	return nil
}

// GetAccount retrieves an account by user ID.
func (s *Store) GetAccount(ctx context.Context, userID string) (*storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAccountNotFound, userID)
	}

	cp := *account
	return &cp, nil
}

// ListActiveAccounts returns every active account.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]*storage.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]*storage.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.Active {
			cp := *a
			accounts = append(accounts, &cp)
		}
	}
	return accounts, nil
}

// SaveDelegation records a delegation grant.
func (s *Store) SaveDelegation(ctx context.Context, d *storage.Delegation) error {
	if d == nil || d.Grantor == "" || d.Grantee == "" {
		return fmt.Errorf("invalid delegation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.delegations = append(s.delegations, &cp)
	return nil
}

// DelegationsFor returns the active, non-expired delegations granted to the
// given account.
func (s *Store) DelegationsFor(ctx context.Context, grantee string) ([]*storage.Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Delegation
	for _, d := range s.delegations {
		if d.Grantee != grantee || !d.Active {
			continue
		}
		if !d.ExpiresAt.IsZero() && security.IsTokenExpired(d.ExpiresAt) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	now := time.Now()

	// Expired and consumed authorization codes.
	for value, code := range s.codes {
		if code.Status == storage.CodeStatusExpired || security.IsTokenExpired(code.ExpiresAt) {
			delete(s.codes, value)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired tokens transition lazily, then dead rows age out.
	deadThreshold := now.Add(-s.deadTokenRetention)
	for digest, tok := range s.tokens {
		if tok.Status == storage.TokenStatusActive && security.IsTokenExpired(tok.ExpiresAt) {
			tok.Status = storage.TokenStatusExpired
		}
		if tok.Status != storage.TokenStatusActive {
			expiredSince := tok.ExpiresAt
			if tok.Status == storage.TokenStatusRevoked {
				expiredSince = tok.CreatedAt
			}
			if expiredSince.Before(deadThreshold) {
				delete(s.tokens, digest)
				s.tokensCountAtomic.Add(-1)
				cleaned++
			}
		}
	}

	// Merged clients and never-used unlinked registrations past retention.
	staleThreshold := now.Add(-s.staleClientRetention)
	for id, client := range s.clients {
		stale := false
		switch {
		case client.Status == storage.ClientStatusMerged && client.UpdatedAt.Before(staleThreshold):
			stale = true
		case client.Status == storage.ClientStatusActive && !client.Linked() &&
			client.UpdatedAt.Equal(client.CreatedAt) && client.CreatedAt.Before(staleThreshold):
			stale = true
		}
		if stale {
			delete(s.clients, id)
			s.clientsCountAtomic.Add(-1)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets the
// span status.
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
