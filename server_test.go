package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/graphgate/dcr-oauth/internal/testutil"
	"github.com/graphgate/dcr-oauth/providers"
	"github.com/graphgate/dcr-oauth/providers/mock"
	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage/memory"
)

const testRedirectURI = "https://client.example.com/cb"

// newBrokerTest wires a Server against the in-memory store and the mock
// provider, with upstream credentials supplied through the env map. Mutating
// the map and calling ReloadUpstreamConfig simulates operator reconfiguration.
func newBrokerTest(t *testing.T, cfg *Config, env map[string]string) (*Server, *memory.Store, *mock.MockProvider) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	provider := mock.NewMockProvider()

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "https://broker.example.com"
	}

	srv, err := NewServer(provider, Stores{
		Clients:    store,
		Codes:      store,
		Tokens:     store,
		Identities: store,
		Config:     store,
		Accounts:   store,
	}, cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	if env == nil {
		env = map[string]string{
			EnvUpstreamAppID:  "app-1",
			EnvUpstreamSecret: "app-secret",
		}
	}
	srv.UpstreamConfigLoader().SetGetenv(func(key string) string { return env[key] })

	if err := srv.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return srv, store, provider
}

func registerTestClient(t *testing.T, srv *Server, redirectURI string) *ClientRegistrationResponse {
	t.Helper()
	resp, err := srv.RegisterClient(context.Background(), &ClientRegistrationRequest{
		RedirectURIs: []string{redirectURI},
	}, "", "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	return resp
}

// startAuthFlow runs StartAuthorization and extracts the local authorization
// code, which travels to the upstream provider as the state parameter.
func startAuthFlow(t *testing.T, srv *Server, clientID, redirectURI, challenge, method string) string {
	t.Helper()
	authURL, err := srv.StartAuthorization(context.Background(), clientID, redirectURI, "", "client-state", challenge, method)
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("authorize URL %q does not parse: %v", authURL, err)
	}
	code := u.Query().Get("state")
	if code == "" {
		t.Fatalf("authorize URL %q carries no state", authURL)
	}
	return code
}

func TestServer_EndToEndAuthorizationCodeFlow(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	challenge, verifier := testutil.GeneratePKCEPair()

	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, challenge, "S256")

	redirect, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code)
	if err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("callback redirect %q does not parse: %v", redirect, err)
	}
	if !strings.HasPrefix(redirect, testRedirectURI) {
		t.Errorf("redirect = %q, want prefix %q", redirect, testRedirectURI)
	}
	if got := u.Query().Get("code"); got != code {
		t.Errorf("redirect code = %q, want %q", got, code)
	}
	if got := u.Query().Get("state"); got != "client-state" {
		t.Errorf("redirect state = %q, want client state", got)
	}

	resp, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, testRedirectURI, verifier, "203.0.113.7")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("token response should carry access and refresh tokens")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}

	tok, err := srv.VerifyBearer(ctx, resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyBearer() error = %v", err)
	}
	if tok.ClientID != client.ClientID {
		t.Errorf("token ClientID = %q, want %q", tok.ClientID, client.ClientID)
	}
	if tok.UpstreamIdentity != "mock-user-123" {
		t.Errorf("token identity = %q, want mock user", tok.UpstreamIdentity)
	}

	// A second redemption of the same code is a theft indicator.
	_, err = srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, testRedirectURI, verifier, "203.0.113.7")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("code reuse error = %v, want invalid_grant", err)
	}
}

func TestServer_ExchangeRejectsWrongVerifier(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, challenge, "S256")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}

	_, wrongVerifier := testutil.GeneratePKCEPair()
	_, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, testRedirectURI, wrongVerifier, "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("wrong verifier error = %v, want invalid_grant", err)
	}

	// The PKCE failure did not consume the code; the right verifier still works.
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, testRedirectURI, verifier, ""); err != nil {
		t.Errorf("exchange with correct verifier after a failed attempt error = %v", err)
	}
}

func TestServer_PKCEPlainDisabledByDefault(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)

	client := registerTestClient(t, srv, testRedirectURI)
	_, err := srv.StartAuthorization(context.Background(), client.ClientID, testRedirectURI, "", "", "plain-challenge", "plain")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("plain PKCE error = %v, want invalid_request", err)
	}
}

func TestServer_PKCEPlainWhenEnabled(t *testing.T) {
	srv, _, _ := newBrokerTest(t, &Config{
		Security: SecurityConfig{AllowPKCEPlain: true},
	}, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	verifier := testutil.GenerateRandomString(64)

	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, verifier, "plain")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, testRedirectURI, verifier, ""); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() with plain PKCE error = %v", err)
	}
}

func TestServer_ExchangeWithoutUpstreamLogin(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, "", "")

	// No upstream callback ran, so the code has no identity bound.
	_, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, testRedirectURI, "", "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("exchange error = %v, want invalid_grant", err)
	}
}

func TestServer_ExchangeRedirectMismatch(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, "", "")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}

	_, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, "https://evil.example.com/cb", "", "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("redirect mismatch error = %v, want invalid_grant", err)
	}
}

func TestServer_ExchangeRejectsOtherClientsCode(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	victim := registerTestClient(t, srv, testRedirectURI)
	attacker := registerTestClient(t, srv, "https://attacker.example.com/cb")

	code := startAuthFlow(t, srv, victim.ClientID, testRedirectURI, "", "")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}

	_, err := srv.ExchangeAuthorizationCode(ctx, code, attacker.ClientID, attacker.ClientSecret, testRedirectURI, "", "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("cross-client exchange error = %v, want invalid_grant", err)
	}
}

func TestServer_ExchangeRejectsBadCredentials(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)

	client := registerTestClient(t, srv, testRedirectURI)
	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, "", "")

	_, err := srv.ExchangeAuthorizationCode(context.Background(), code, client.ClientID, "wrong-secret", testRedirectURI, "", "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidClient {
		t.Fatalf("bad credentials error = %v, want invalid_client", err)
	}
}

func completeTokenFlow(t *testing.T, srv *Server, client *ClientRegistrationResponse) *TokenResponse {
	t.Helper()
	ctx := context.Background()

	code := startAuthFlow(t, srv, client.ClientID, client.RedirectURIs[0], "", "")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}
	resp, err := srv.ExchangeAuthorizationCode(ctx, code, client.ClientID, client.ClientSecret, client.RedirectURIs[0], "", "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	return resp
}

func TestServer_RefreshRotatesTokenPair(t *testing.T) {
	srv, _, provider := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	first := completeTokenFlow(t, srv, client)

	second, err := srv.RefreshAccessToken(ctx, first.RefreshToken, client.ClientID, client.ClientSecret, "")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if second.AccessToken == first.AccessToken {
		t.Error("refresh should mint a new access token")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("refresh should rotate the refresh token")
	}
	if provider.GetCallCount("Refresh") == 0 {
		t.Error("refresh should also rotate the upstream token pair")
	}

	// Rotation revoked the old pair.
	if _, err := srv.VerifyBearer(ctx, first.AccessToken); err == nil {
		t.Error("old access token should be revoked after refresh")
	}
	if _, err := srv.RefreshAccessToken(ctx, first.RefreshToken, client.ClientID, client.ClientSecret, ""); err == nil {
		t.Error("old refresh token should be revoked after refresh")
	}

	// The new pair works.
	if _, err := srv.VerifyBearer(ctx, second.AccessToken); err != nil {
		t.Errorf("new access token failed verification: %v", err)
	}
}

func TestServer_RefreshRejectsCrossClientToken(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	victim := registerTestClient(t, srv, testRedirectURI)
	attacker := registerTestClient(t, srv, "https://attacker.example.com/cb")
	tokens := completeTokenFlow(t, srv, victim)

	_, err := srv.RefreshAccessToken(ctx, tokens.RefreshToken, attacker.ClientID, attacker.ClientSecret, "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("cross-client refresh error = %v, want invalid_grant", err)
	}

	// The failed attempt must not burn the victim's refresh token.
	if _, err := srv.RefreshAccessToken(ctx, tokens.RefreshToken, victim.ClientID, victim.ClientSecret, ""); err != nil {
		t.Errorf("victim refresh after attacker attempt failed: %v", err)
	}
}

func TestServer_ConfigChangeRevokesAllTokens(t *testing.T) {
	env := map[string]string{
		EnvUpstreamAppID:  "app-1",
		EnvUpstreamSecret: "app-secret",
	}
	srv, _, _ := newBrokerTest(t, nil, env)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	tokens := completeTokenFlow(t, srv, client)

	// Same credentials: reload is a no-op.
	changed, err := srv.ReloadUpstreamConfig(ctx)
	if err != nil {
		t.Fatalf("ReloadUpstreamConfig() error = %v", err)
	}
	if changed {
		t.Fatal("reload without credential change should report false")
	}
	if _, err := srv.VerifyBearer(ctx, tokens.AccessToken); err != nil {
		t.Fatalf("token should survive a no-op reload: %v", err)
	}

	// Rotated secret: every standing token dies.
	env[EnvUpstreamSecret] = "rotated-secret"
	changed, err = srv.ReloadUpstreamConfig(ctx)
	if err != nil {
		t.Fatalf("ReloadUpstreamConfig() error = %v", err)
	}
	if !changed {
		t.Fatal("reload after secret rotation should report true")
	}
	if _, err := srv.VerifyBearer(ctx, tokens.AccessToken); err == nil {
		t.Error("access token should be revoked after upstream config change")
	}
	if _, err := srv.RefreshAccessToken(ctx, tokens.RefreshToken, client.ClientID, client.ClientSecret, ""); err == nil {
		t.Error("refresh token should be revoked after upstream config change")
	}
}

func TestServer_DomainAllowList(t *testing.T) {
	srv, _, provider := newBrokerTest(t, &Config{
		Security: SecurityConfig{AllowedDomains: []string{"corp.example.com"}},
	}, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)

	// The default mock profile is mock@example.com, outside the allow-list.
	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, "", "")
	_, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code)
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeAccessDenied {
		t.Fatalf("denied domain error = %v, want access_denied", err)
	}

	provider.FetchProfileFunc = func(ctx context.Context, accessToken string) (*providers.Profile, error) {
		return &providers.Profile{ID: "user-1", Email: "user@CORP.example.com", DisplayName: "User"}, nil
	}
	code = startAuthFlow(t, srv, client.ClientID, testRedirectURI, "", "")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("allowed domain callback error = %v", err)
	}
}

func TestServer_CallbackUnknownState(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)

	_, err := srv.CompleteUpstreamCallback(context.Background(), "upstream-code", "no-such-state")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("unknown state error = %v, want invalid_request", err)
	}
}

func TestServer_CallbackUpstreamFailureMapsToBadGateway(t *testing.T) {
	srv, _, provider := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return nil, &providers.UpstreamError{
			Kind:       providers.ErrorServerError,
			Operation:  "exchange_code",
			StatusCode: 503,
		}
	}

	client := registerTestClient(t, srv, testRedirectURI)
	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, "", "")

	_, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code)
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeTemporarilyUnavailable {
		t.Fatalf("retryable upstream failure error = %v, want temporarily_unavailable", err)
	}
	if oauthErr.Status != 502 {
		t.Errorf("Status = %d, want 502", oauthErr.Status)
	}
}

func TestServer_ScopeValidation(t *testing.T) {
	srv, _, _ := newBrokerTest(t, &Config{
		SupportedScopes: []string{"openid", "offline_access"},
	}, nil)

	client := registerTestClient(t, srv, testRedirectURI)

	_, err := srv.StartAuthorization(context.Background(), client.ClientID, testRedirectURI, "openid admin", "", "", "")
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != ErrorCodeInvalidScope {
		t.Fatalf("unsupported scope error = %v, want invalid_scope", err)
	}

	if _, err := srv.StartAuthorization(context.Background(), client.ClientID, testRedirectURI, "openid offline_access", "", "", ""); err != nil {
		t.Errorf("supported scope rejected: %v", err)
	}
}

func TestServer_StartAuthorizationValidation(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)

	if _, err := srv.StartAuthorization(ctx, "dcr_unknown", testRedirectURI, "", "", "", ""); err == nil {
		t.Error("unknown client should be rejected")
	}
	if _, err := srv.StartAuthorization(ctx, client.ClientID, "https://evil.example.com/cb", "", "", "", ""); err == nil {
		t.Error("unregistered redirect_uri should be rejected")
	}
	if _, err := srv.StartAuthorization(ctx, client.ClientID, testRedirectURI, "", "", "", "S256"); err == nil {
		t.Error("code_challenge_method without code_challenge should be rejected")
	}
	if _, err := srv.StartAuthorization(ctx, client.ClientID, testRedirectURI, "", "", "challenge", "S999"); err == nil {
		t.Error("unknown code_challenge_method should be rejected")
	}
}

func TestServer_UpstreamTokensFor(t *testing.T) {
	srv, _, provider := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "upstream-at",
			TokenType:    "Bearer",
			RefreshToken: "upstream-rt",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	client := registerTestClient(t, srv, testRedirectURI)
	completeTokenFlow(t, srv, client)

	identity, accessToken, err := srv.UpstreamTokensFor(ctx, "mock-user-123")
	if err != nil {
		t.Fatalf("UpstreamTokensFor() error = %v", err)
	}
	if accessToken != "upstream-at" {
		t.Errorf("access token = %q, want stored upstream token", accessToken)
	}
	if identity.Email != "mock@example.com" {
		t.Errorf("identity email = %q", identity.Email)
	}
	if provider.GetCallCount("Refresh") != 0 {
		t.Error("a fresh upstream token should not trigger a refresh")
	}
}

func TestServer_UpstreamTokensForRefreshesExpired(t *testing.T) {
	srv, _, provider := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	provider.ExchangeCodeFunc = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "stale-at",
			TokenType:    "Bearer",
			RefreshToken: "upstream-rt",
			Expiry:       time.Now().Add(-time.Minute),
		}, nil
	}
	provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		if refreshToken != "upstream-rt" {
			t.Errorf("Refresh() called with %q, want stored refresh token", refreshToken)
		}
		return &oauth2.Token{
			AccessToken:  "fresh-at",
			TokenType:    "Bearer",
			RefreshToken: "fresh-rt",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	client := registerTestClient(t, srv, testRedirectURI)
	completeTokenFlow(t, srv, client)

	_, accessToken, err := srv.UpstreamTokensFor(ctx, "mock-user-123")
	if err != nil {
		t.Fatalf("UpstreamTokensFor() error = %v", err)
	}
	if accessToken != "fresh-at" {
		t.Errorf("access token = %q, want refreshed upstream token", accessToken)
	}
	if provider.GetCallCount("Refresh") != 1 {
		t.Errorf("Refresh call count = %d, want 1", provider.GetCallCount("Refresh"))
	}
}

func TestServer_RegistrationSessionCorrelator(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	first, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{testRedirectURI},
	}, "sess-1", "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	second, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://elsewhere.example.com/cb"},
	}, "sess-1", "")
	if err != nil {
		t.Fatalf("second RegisterClient() error = %v", err)
	}
	if second.ClientID != first.ClientID {
		t.Errorf("ClientID = %q, want correlator reuse of %q", second.ClientID, first.ClientID)
	}
}

// newSplitBrokerTest wires a Server whose token store is a different backend
// from the store holding clients, codes, identities, and config, mirroring a
// deployment with shared token state behind a separate service.
func newSplitBrokerTest(t *testing.T, cfg *Config) (*Server, *memory.Store, *memory.Store) {
	t.Helper()

	tokens := memory.New()
	t.Cleanup(tokens.Stop)
	rest := memory.New()
	t.Cleanup(rest.Stop)

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "https://broker.example.com"
	}

	srv, err := NewServer(mock.NewMockProvider(), Stores{
		Clients:    rest,
		Codes:      rest,
		Tokens:     tokens,
		Identities: rest,
		Config:     rest,
		Accounts:   rest,
	}, cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	env := map[string]string{
		EnvUpstreamAppID:  "app-1",
		EnvUpstreamSecret: "app-secret",
	}
	srv.UpstreamConfigLoader().SetGetenv(func(key string) string { return env[key] })

	if err := srv.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return srv, tokens, rest
}

func TestServer_SplitStoresEncryptUpstreamTokens(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	srv, _, rest := newSplitBrokerTest(t, &Config{
		Security: SecurityConfig{EncryptionKey: key},
	})
	ctx := context.Background()

	client := registerTestClient(t, srv, testRedirectURI)
	challenge, _ := testutil.GeneratePKCEPair()
	code := startAuthFlow(t, srv, client.ClientID, testRedirectURI, challenge, "S256")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}

	identity, access, _, err := rest.GetIdentity(ctx, "mock-user-123")
	if err != nil {
		t.Fatalf("GetIdentity() error = %v", err)
	}
	if access != "mock-upstream-access" {
		t.Errorf("decrypted access token = %q, want the upstream token", access)
	}
	if identity.EncryptedAccessToken == "mock-upstream-access" {
		t.Error("upstream access token stored in plaintext despite an encryption key")
	}
}

func TestServer_MergeMigratesTokensInSeparateTokenStore(t *testing.T) {
	srv, _, _ := newSplitBrokerTest(t, nil)
	ctx := context.Background()

	older := registerTestClient(t, srv, testRedirectURI)
	first := completeTokenFlow(t, srv, older)

	// A session correlator plus a different primary redirect URI bypasses
	// dedup, so a genuinely new client appears for the same upstream app.
	newer, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://other.example.com/cb", testRedirectURI},
	}, "sess-2", "203.0.113.7")
	if err != nil {
		t.Fatalf("second RegisterClient() error = %v", err)
	}
	if newer.ClientID == older.ClientID {
		t.Fatal("expected a distinct second client")
	}

	// Logging in as the same user merges the registrations.
	code := startAuthFlow(t, srv, newer.ClientID, testRedirectURI, "", "")
	if _, err := srv.CompleteUpstreamCallback(ctx, "upstream-code", code); err != nil {
		t.Fatalf("CompleteUpstreamCallback() error = %v", err)
	}

	// The refresh token issued to the absorbed client migrated with the merge
	// and keeps working under the surviving client id.
	refreshed, err := srv.RefreshAccessToken(ctx, first.RefreshToken, newer.ClientID, newer.ClientSecret, "203.0.113.7")
	if err != nil {
		t.Fatalf("RefreshAccessToken() after merge error = %v", err)
	}
	if refreshed.AccessToken == "" {
		t.Fatal("refresh after merge should issue a new access token")
	}
}

func TestServer_NoRefreshTokenWithoutRefreshGrant(t *testing.T) {
	srv, _, _ := newBrokerTest(t, nil, nil)
	ctx := context.Background()

	client, err := srv.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{"authorization_code"},
	}, "", "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	resp := completeTokenFlow(t, srv, client)
	if resp.AccessToken == "" {
		t.Fatal("exchange should issue an access token")
	}
	if resp.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want none for a client without the refresh_token grant", resp.RefreshToken)
	}
}
