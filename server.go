package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/graphgate/dcr-oauth/instrumentation"
	"github.com/graphgate/dcr-oauth/providers"
	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

// Stores bundles the storage interfaces the broker depends on. A single
// backend (e.g. storage/memory.Store) typically implements all of them.
type Stores struct {
	Clients    storage.ClientStore
	Codes      storage.CodeStore
	Tokens     storage.TokenStore
	Identities storage.IdentityStore
	Config     storage.ConfigStore
	Accounts   storage.AccountStore
}

// Server implements the broker core: an authorization server toward local
// dynamically-registered clients and an OAuth2 client toward the upstream
// identity provider.
type Server struct {
	provider  providers.Provider
	stores    Stores
	registry  *Registry
	access    *AccessController
	loader    *UpstreamConfigLoader
	encryptor *security.Encryptor
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
	logger    *slog.Logger
	config    *Config
}

// NewServer creates a broker server with all dependencies injected.
// No global state: every collaborator is constructed here or passed in.
func NewServer(provider providers.Provider, stores Stores, config *Config) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if stores.Clients == nil || stores.Codes == nil || stores.Tokens == nil ||
		stores.Identities == nil || stores.Config == nil || stores.Accounts == nil {
		return nil, fmt.Errorf("all stores are required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()

	encryptor, err := security.NewEncryptor(config.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	digester, err := security.NewDigester(config.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create token digester: %w", err)
	}

	logger := config.Logger

	var auditor *security.Auditor
	if config.Security.EnableAuditLogging {
		auditor = security.NewAuditor(logger, true)
	}

	// Hand the crypto primitives to every distinct backend that wants them.
	// In a hybrid deployment the identity and config stores encrypt at rest
	// too, not just the token store.
	type cryptoSetter interface {
		SetEncryptor(*security.Encryptor, *security.Digester)
	}
	seenCrypto := make(map[cryptoSetter]bool)
	for _, st := range []any{stores.Clients, stores.Codes, stores.Tokens, stores.Identities, stores.Config, stores.Accounts} {
		if setter, ok := st.(cryptoSetter); ok && !seenCrypto[setter] {
			seenCrypto[setter] = true
			setter.SetEncryptor(encryptor, digester)
		}
	}

	registry := NewRegistry(stores.Clients, encryptor, logger)
	registry.SetAuditor(auditor)

	access := NewAccessController(stores.Accounts, config.Security.AllowedDomains, logger)
	access.SetAuditor(auditor)

	loader := NewUpstreamConfigLoader(stores.Config, encryptor, logger)

	return &Server{
		provider:  provider,
		stores:    stores,
		registry:  registry,
		access:    access,
		loader:    loader,
		encryptor: encryptor,
		auditor:   auditor,
		logger:    logger,
		config:    config,
	}, nil
}

// SetInstrumentation wires OpenTelemetry metrics into the server and, when
// the backend supports it, the storage layer.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.metrics = inst.Metrics()

	type instSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	seen := make(map[instSetter]bool)
	for _, st := range []any{s.stores.Clients, s.stores.Codes, s.stores.Tokens, s.stores.Identities, s.stores.Config, s.stores.Accounts} {
		if setter, ok := st.(instSetter); ok && !seen[setter] {
			seen[setter] = true
			setter.SetInstrumentation(inst)
		}
	}
}

// Registry returns the client registry.
func (s *Server) Registry() *Registry { return s.registry }

// Access returns the access delegation controller.
func (s *Server) Access() *AccessController { return s.access }

// UpstreamConfigLoader returns the upstream config loader.
func (s *Server) UpstreamConfigLoader() *UpstreamConfigLoader { return s.loader }

// Initialize loads the upstream application config. A missing config is not
// fatal here: the broker starts, but registration fails until an operator
// supplies credentials.
func (s *Server) Initialize(ctx context.Context) error {
	_, err := s.loader.Load(ctx)
	if errors.Is(err, ErrUpstreamConfigMissing) {
		s.logger.Warn("No upstream application config found; registration is disabled until configured")
		return nil
	}
	return err
}

// ReloadUpstreamConfig re-resolves the upstream config. When the upstream
// credentials changed, every active Bearer and refresh token is revoked:
// they were issued against a different upstream trust anchor.
func (s *Server) ReloadUpstreamConfig(ctx context.Context) (bool, error) {
	_, changed, err := s.loader.Reload(ctx)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	count, err := s.stores.Tokens.RevokeAllActive(ctx, storage.TokenKindBearer, storage.TokenKindRefresh)
	if err != nil {
		return true, fmt.Errorf("failed to revoke tokens after config change: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogAllTokensRevoked(count, "upstream_config_change")
	}
	if s.metrics != nil {
		s.metrics.RecordConfigChangeRevocation(ctx, count)
		s.metrics.RecordTokenRevocation(ctx, count, "config_change")
	}
	s.logger.Info("Revoked all active tokens after upstream config change",
		"revoked", count)
	return true, nil
}

// RegisterClient processes a dynamic client registration (RFC 7591).
func (s *Server) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, sessionCorrelator, clientIP string) (*ClientRegistrationResponse, error) {
	snapshot := s.loader.Snapshot()
	if snapshot == nil {
		if _, err := s.loader.Load(ctx); err != nil {
			return nil, err
		}
		snapshot = s.loader.Snapshot()
	}

	resp, outcome, err := s.registry.Register(ctx, snapshot.AppID, req, sessionCorrelator, clientIP)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, outcome)
	}
	return resp, nil
}

// StartAuthorization validates an authorization request, issues a local
// authorization code, and returns the upstream authorize URL to redirect the
// user to. The local code rides along as the upstream state parameter so the
// callback can correlate the upstream login back to this request.
func (s *Server) StartAuthorization(ctx context.Context, clientID, redirectURI, scope, state, codeChallenge, codeChallengeMethod string) (string, error) {
	client, err := s.registry.GetClient(ctx, clientID)
	if err != nil {
		s.logAuthFailure("", clientID, "", "unknown_client")
		return "", ErrInvalidRequest("unknown client_id")
	}

	if !redirectRegistered(client, redirectURI) {
		s.logAuthFailure("", clientID, "", "unregistered_redirect_uri")
		return "", ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}

	if codeChallenge != "" {
		if err := s.validateChallengeMethod(codeChallengeMethod); err != nil {
			s.logAuthFailure("", clientID, "", "invalid_pkce_method")
			return "", err
		}
	} else if codeChallengeMethod != "" {
		return "", ErrInvalidRequest("code_challenge_method without code_challenge")
	}

	if err := s.validateScope(scope); err != nil {
		s.logAuthFailure("", clientID, "", "invalid_scope")
		return "", err
	}
	if scope == "" {
		scope = client.Scope
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.Security.AuthorizationCodeTTL),
		Status:              storage.CodeStatusActive,
	}
	if err := s.stores.Codes.SaveCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationFlowStarted,
			ClientID: clientID,
			Details: map[string]any{
				"redirect_uri":          redirectURI,
				"scope":                 scope,
				"code_challenge_method": codeChallengeMethod,
			},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, clientID)
	}

	return s.provider.AuthorizationURL(code.Code), nil
}

// CompleteUpstreamCallback handles the redirect back from the upstream
// provider: exchanges the upstream code, resolves the user profile with
// bounded retry, enforces the domain allow-list, links the identity to the
// client registration, and returns the URL to send the user agent back to
// the original client.
func (s *Server) CompleteUpstreamCallback(ctx context.Context, upstreamCode, state string) (string, error) {
	code, err := s.stores.Codes.GetCode(ctx, state)
	if err != nil {
		return "", ErrInvalidRequest("unknown or expired state")
	}
	if code.Status != storage.CodeStatusActive || time.Now().After(code.ExpiresAt) {
		return "", ErrInvalidRequest("authorization request expired")
	}

	upstreamToken, err := s.provider.ExchangeCode(ctx, upstreamCode)
	if err != nil {
		s.recordCallbackFailure(ctx, code.ClientID, "upstream_exchange_failed", err)
		return "", s.mapUpstreamError(err, "upstream code exchange failed")
	}

	profile, err := s.provider.FetchProfile(ctx, upstreamToken.AccessToken)
	if err != nil {
		s.recordCallbackFailure(ctx, code.ClientID, "profile_fetch_failed", err)
		return "", s.mapUpstreamError(err, "upstream profile fetch failed")
	}

	if !s.access.IsDomainAllowed(profile.Email) {
		domain := emailDomain(profile.Email)
		if s.auditor != nil {
			s.auditor.LogDomainDenied(code.ClientID, "", domain)
		}
		if s.metrics != nil {
			s.metrics.RecordDomainDenied(ctx)
		}
		return "", ErrAccessDenied("account domain is not allowed")
	}

	snapshot := s.loader.Snapshot()
	appID := ""
	if snapshot != nil {
		appID = snapshot.AppID
	}

	identity := &storage.UpstreamIdentity{
		IdentityID:  profile.ID,
		AppID:       appID,
		ExpiresAt:   upstreamToken.Expiry,
		Scope:       code.Scope,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		UpdatedAt:   time.Now(),
	}
	if err := s.stores.Identities.SaveIdentity(ctx, identity, upstreamToken.AccessToken, upstreamToken.RefreshToken); err != nil {
		return "", fmt.Errorf("failed to save upstream identity: %w", err)
	}

	link, err := s.registry.LinkIdentity(ctx, code.ClientID, profile.ID, profile.Email, code.RedirectURI, "")
	if err != nil {
		return "", err
	}
	if link.Merged {
		// The client store migrates its own token rows when it also backs
		// tokens; a separate token store learns about the retired id here.
		moved, err := s.stores.Tokens.ReassignClient(ctx, link.AbandonedClientID, link.EffectiveClientID)
		if err != nil {
			return "", fmt.Errorf("failed to migrate tokens after client merge: %w", err)
		}
		if moved > 0 {
			s.logger.Info("Migrated tokens to surviving client",
				"abandoned_client_id", link.AbandonedClientID,
				"effective_client_id", link.EffectiveClientID,
				"tokens", moved)
		}
		if s.metrics != nil {
			s.metrics.RecordClientMerged(ctx)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCallbackProcessed(ctx, code.ClientID, true)
	}

	if err := s.stores.Codes.BindCodeIdentity(ctx, code.Code, profile.ID); err != nil {
		return "", fmt.Errorf("failed to bind identity to authorization code: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:       security.EventAuthorizationCodeIssued,
			IdentityID: profile.ID,
			ClientID:   code.ClientID,
			Details: map[string]any{
				"scope": code.Scope,
			},
		})
	}

	redirect, err := url.Parse(code.RedirectURI)
	if err != nil {
		return "", ErrInvalidRedirectURI("stored redirect_uri is invalid")
	}
	q := redirect.Query()
	q.Set("code", code.Code)
	if code.State != "" {
		q.Set("state", code.State)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// ExchangeAuthorizationCode redeems an authorization code for a Bearer and
// refresh token pair. The code is single-use: concurrent redemption attempts
// see at most one success, and every validation failure leaves the code row
// untouched except for the expiry transition.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, clientSecret, redirectURI, codeVerifier, clientIP string) (*TokenResponse, error) {
	client, err := s.registry.VerifyCredentials(ctx, clientID, clientSecret)
	if err != nil {
		s.logAuthFailure("", clientID, clientIP, "invalid_client_credentials")
		return nil, err
	}

	ac, err := s.stores.Codes.CheckCodeForRedemption(ctx, code, clientID, redirectURI)
	if err != nil {
		return nil, s.mapCodeError(ctx, err, clientID, clientIP)
	}

	if ac.CodeChallenge != "" {
		if err := s.validatePKCE(ac.CodeChallenge, ac.CodeChallengeMethod, codeVerifier); err != nil {
			if s.auditor != nil {
				s.auditor.LogPKCEValidationFailed(clientID, clientIP, ac.CodeChallengeMethod)
			}
			if s.metrics != nil {
				s.metrics.RecordPKCEValidationFailed(ctx, ac.CodeChallengeMethod)
			}
			return nil, ErrInvalidGrant(err.Error())
		}
	}

	consumed, err := s.stores.Codes.AtomicConsumeCode(ctx, code)
	if err != nil {
		return nil, s.mapCodeError(ctx, err, clientID, clientIP)
	}

	if consumed.UpstreamIdentity == "" {
		return nil, ErrInvalidGrant("authorization was never completed upstream")
	}

	resp, err := s.issueTokenPair(ctx, clientID, consumed.UpstreamIdentity, consumed.Scope, clientAllowsRefresh(client))
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenIssued(consumed.UpstreamIdentity, clientID, clientIP, consumed.Scope)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, clientID, consumed.CodeChallengeMethod)
	}
	return resp, nil
}

// RefreshAccessToken rotates a token pair using a refresh token. The refresh
// token must belong to the presenting client; tokens issued to another client
// are never honored. The upstream tokens are refreshed in the same step so
// downstream calls keep a usable upstream access token.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret, clientIP string) (*TokenResponse, error) {
	client, err := s.registry.VerifyCredentials(ctx, clientID, clientSecret)
	if err != nil {
		s.logAuthFailure("", clientID, clientIP, "invalid_client_credentials")
		return nil, err
	}

	tok, err := s.stores.Tokens.VerifyToken(ctx, storage.TokenKindRefresh, refreshToken)
	if err != nil {
		s.logAuthFailure("", clientID, clientIP, "invalid_refresh_token")
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if tok.ClientID != clientID {
		s.logAuthFailure(tok.UpstreamIdentity, clientID, clientIP, "cross_client_refresh_token")
		return nil, ErrInvalidGrant("refresh token was not issued to this client")
	}

	if err := s.refreshUpstream(ctx, tok.UpstreamIdentity); err != nil {
		return nil, err
	}

	resp, err := s.issueTokenPair(ctx, clientID, tok.UpstreamIdentity, tok.Scope, clientAllowsRefresh(client))
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		s.auditor.LogTokenRefreshed(tok.UpstreamIdentity, clientID, clientIP)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, clientID, true)
	}
	return resp, nil
}

// refreshUpstream refreshes the upstream token pair for an identity when a
// refresh token is on file. An identity without one keeps its current tokens.
func (s *Server) refreshUpstream(ctx context.Context, identityID string) error {
	identity, _, upstreamRefresh, err := s.stores.Identities.GetIdentity(ctx, identityID)
	if err != nil {
		return ErrInvalidGrant("upstream identity no longer exists")
	}
	if upstreamRefresh == "" {
		return nil
	}

	newTokens, err := s.provider.Refresh(ctx, upstreamRefresh)
	if err != nil {
		return s.mapUpstreamError(err, "upstream token refresh failed")
	}

	identity.ExpiresAt = newTokens.Expiry
	identity.UpdatedAt = time.Now()
	if err := s.stores.Identities.SaveIdentity(ctx, identity, newTokens.AccessToken, newTokens.RefreshToken); err != nil {
		return fmt.Errorf("failed to save refreshed upstream tokens: %w", err)
	}
	return nil
}

// issueTokenPair persists a fresh Bearer token for the (client, identity)
// pair, plus a refresh token when the client registered the refresh_token
// grant. The store revokes prior active tokens of each kind in the same
// critical section, so at most one of each is active at any time.
func (s *Server) issueTokenPair(ctx context.Context, clientID, identityID, scope string, withRefresh bool) (*TokenResponse, error) {
	now := time.Now()

	accessToken := generateRandomToken()
	if err := s.stores.Tokens.IssueToken(ctx, accessToken, &storage.Token{
		ClientID:         clientID,
		Kind:             storage.TokenKindBearer,
		UpstreamIdentity: identityID,
		Scope:            scope,
		ExpiresAt:        now.Add(s.config.Security.AccessTokenTTL),
		Status:           storage.TokenStatusActive,
		CreatedAt:        now,
	}); err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	refreshToken := ""
	if withRefresh {
		refreshToken = generateRandomToken()
		if err := s.stores.Tokens.IssueToken(ctx, refreshToken, &storage.Token{
			ClientID:         clientID,
			Kind:             storage.TokenKindRefresh,
			UpstreamIdentity: identityID,
			Scope:            scope,
			ExpiresAt:        now.Add(s.config.Security.RefreshTokenTTL),
			Status:           storage.TokenStatusActive,
			CreatedAt:        now,
		}); err != nil {
			return nil, fmt.Errorf("failed to issue refresh token: %w", err)
		}
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.config.Security.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// clientAllowsRefresh reports whether the client registered the
// refresh_token grant.
func clientAllowsRefresh(client *storage.Client) bool {
	for _, grant := range client.GrantTypes {
		if grant == "refresh_token" {
			return true
		}
	}
	return false
}

// VerifyBearer verifies a presented Bearer token and returns its record.
func (s *Server) VerifyBearer(ctx context.Context, presented string) (*storage.Token, error) {
	tok, err := s.stores.Tokens.VerifyToken(ctx, storage.TokenKindBearer, presented)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, ErrInvalidToken("access token expired")
		}
		return nil, ErrInvalidToken("invalid access token")
	}
	return tok, nil
}

// UpstreamTokensFor returns the identity record and a usable upstream access
// token for downstream API calls, refreshing the upstream pair first when it
// has expired.
func (s *Server) UpstreamTokensFor(ctx context.Context, identityID string) (*storage.UpstreamIdentity, string, error) {
	identity, accessToken, refreshToken, err := s.stores.Identities.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, "", err
	}

	if security.IsTokenExpired(identity.ExpiresAt) && refreshToken != "" {
		if err := s.refreshUpstream(ctx, identityID); err != nil {
			return nil, "", err
		}
		identity, accessToken, _, err = s.stores.Identities.GetIdentity(ctx, identityID)
		if err != nil {
			return nil, "", err
		}
	}
	return identity, accessToken, nil
}

// mapCodeError converts storage code sentinels into OAuth error responses.
// A redemption attempt against a consumed code is treated as a possible
// code-theft indicator and audited.
func (s *Server) mapCodeError(ctx context.Context, err error, clientID, clientIP string) error {
	switch {
	case errors.Is(err, storage.ErrCodeAlreadyUsed):
		if s.auditor != nil {
			s.auditor.LogCodeReuseDetected(clientID, clientIP)
		}
		if s.metrics != nil {
			s.metrics.RecordCodeReuseDetected(ctx)
		}
		return ErrInvalidGrant("authorization code already used")
	case errors.Is(err, storage.ErrCodeExpired):
		return ErrInvalidGrant("authorization code expired")
	case errors.Is(err, storage.ErrCodeClientMismatch):
		return ErrInvalidGrant("authorization code was issued to another client")
	case errors.Is(err, storage.ErrCodeRedirectURI):
		return ErrInvalidGrant("redirect_uri does not match the authorization request")
	case errors.Is(err, storage.ErrCodeNotFound):
		return ErrInvalidGrant("unknown authorization code")
	default:
		return fmt.Errorf("authorization code lookup failed: %w", err)
	}
}

// mapUpstreamError surfaces upstream failures per their classification:
// transient transport failures become 502, everything else 500.
func (s *Server) mapUpstreamError(err error, desc string) error {
	var ue *providers.UpstreamError
	if errors.As(err, &ue) {
		if ue.Retryable() {
			return ErrUpstreamUnavailable(fmt.Sprintf("%s: %s", desc, ue.Kind))
		}
		return ErrServerError(fmt.Sprintf("%s: %s", desc, ue.Kind))
	}
	return ErrServerError(desc)
}

func (s *Server) recordCallbackFailure(ctx context.Context, clientID, reason string, err error) {
	s.logger.Error("Upstream callback failed",
		"client_id", clientID,
		"reason", reason,
		"error", err)
	if s.auditor != nil {
		s.auditor.LogEvent(security.Event{
			Type:     security.EventUpstreamExchangeFailed,
			ClientID: clientID,
			Details: map[string]any{
				"reason": reason,
			},
		})
	}
	if s.metrics != nil {
		s.metrics.RecordCallbackProcessed(ctx, clientID, false)
	}
}

func (s *Server) logAuthFailure(identityID, clientID, clientIP, reason string) {
	if s.auditor != nil {
		s.auditor.LogAuthFailure(identityID, clientID, clientIP, reason)
	}
	s.logger.Warn("Authentication failure",
		"client_id", clientID,
		"reason", reason)
}

// validateChallengeMethod checks a PKCE method at authorization time.
func (s *Server) validateChallengeMethod(method string) error {
	switch method {
	case "S256":
		return nil
	case "plain":
		if !s.config.Security.AllowPKCEPlain {
			return ErrInvalidRequest("'plain' code_challenge_method is not allowed")
		}
		return nil
	case "":
		return ErrInvalidRequest("code_challenge_method is required when code_challenge is provided")
	default:
		return ErrInvalidRequest(fmt.Sprintf("unsupported code_challenge_method: %s", method))
	}
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters of [A-Za-z0-9-._~]
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code_verifier must be 43-128 characters (RFC 7636)")
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' && ch != '~' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computed string
	switch method {
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case "plain":
		if !s.config.Security.AllowPKCEPlain {
			return fmt.Errorf("'plain' code_challenge_method is not allowed")
		}
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// validateScope checks requested scopes against the configured allow set.
func (s *Server) validateScope(scope string) error {
	if len(s.config.SupportedScopes) == 0 || scope == "" {
		return nil
	}
	for _, requested := range strings.Fields(scope) {
		found := false
		for _, supported := range s.config.SupportedScopes {
			if requested == supported {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidScope(fmt.Sprintf("unsupported scope: %s", requested))
		}
	}
	return nil
}

func redirectRegistered(client *storage.Client, redirectURI string) bool {
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func emailDomain(email string) string {
	if at := strings.LastIndex(email, "@"); at >= 0 && at < len(email)-1 {
		return strings.ToLower(email[at+1:])
	}
	return ""
}

// generateRandomToken generates a cryptographically secure random token.
// Same entropy and alphabet as a PKCE verifier.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
