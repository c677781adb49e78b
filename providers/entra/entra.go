package entra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/graphgate/dcr-oauth/providers"
)

// profileEndpoint is the Microsoft Graph endpoint returning the signed-in
// user's profile.
const profileEndpoint = "https://graph.microsoft.com/v1.0/me"

// DefaultScopes are requested when the configuration does not name any.
// offline_access is required for upstream refresh tokens.
const defaultScopeSet = "openid profile email offline_access User.Read"

// Provider implements the providers.Provider interface for Azure AD / Entra ID.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
	profileURL string

	retryAttempts  int
	retryBaseDelay time.Duration
}

// Config holds Entra ID OAuth configuration
type Config struct {
	// ClientID is the Entra application (client) ID (required)
	ClientID string

	// ClientSecret is the Entra client secret (required)
	ClientSecret string

	// TenantID selects the directory tenant. Defaults to "common".
	TenantID string

	// RedirectURL is where Entra redirects after authentication
	RedirectURL string

	// Scopes to request. Defaults include offline_access and User.Read.
	Scopes []string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RetryAttempts bounds profile fetch retries. Default 3.
	RetryAttempts int

	// RetryBaseDelay is the exponential backoff base. Default 1s.
	RetryBaseDelay time.Duration
}

// NewProvider creates a new Entra ID provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	tenant := cfg.TenantID
	if tenant == "" {
		tenant = "common"
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = strings.Fields(defaultScopeSet)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = providers.DefaultRetryAttempts
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = providers.DefaultRetryBaseDelay
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		},
		httpClient:     httpClient,
		profileURL:     profileEndpoint,
		retryAttempts:  attempts,
		retryBaseDelay: baseDelay,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "entra"
}

// AuthorizationURL generates the Entra authorization URL
func (p *Provider) AuthorizationURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode exchanges an upstream authorization code for tokens
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return providers.ExchangeCode(ctx, p.config, p.httpClient, "exchange_code", code)
}

// Refresh obtains fresh upstream tokens using a refresh token
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tokenSource := p.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	})

	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, providers.WrapTransportError("refresh", err)
	}

	// TokenSource keeps the old refresh token when the provider does not
	// rotate; make that explicit for callers.
	if newToken.RefreshToken == "" {
		newToken.RefreshToken = refreshToken
	}

	return newToken, nil
}

// FetchProfile retrieves the Graph profile for an access token.
// Timeouts, 429 and 5xx responses are retried with exponential backoff up to
// the configured bound. A profile missing id or email fails immediately.
func (p *Provider) FetchProfile(ctx context.Context, accessToken string) (*providers.Profile, error) {
	var profile *providers.Profile

	err := providers.Retry(ctx, p.retryAttempts, p.retryBaseDelay, func() error {
		var attemptErr error
		profile, attemptErr = p.fetchProfileOnce(ctx, accessToken)
		return attemptErr
	}, nil)

	if err != nil {
		return nil, err
	}
	return profile, nil
}

func (p *Provider) fetchProfileOnce(ctx context.Context, accessToken string) (*providers.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.profileURL, nil)
	if err != nil {
		return nil, &providers.UpstreamError{
			Kind:      providers.ErrorNonRetryable,
			Operation: "fetch_profile",
			Err:       err,
		}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, providers.WrapTransportError("fetch_profile", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &providers.UpstreamError{
			Kind:       providers.KindForStatus(resp.StatusCode),
			Operation:  "fetch_profile",
			StatusCode: resp.StatusCode,
		}
	}

	var graphUser struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		DisplayName       string `json:"displayName"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&graphUser); err != nil {
		return nil, &providers.UpstreamError{
			Kind:      providers.ErrorNonRetryable,
			Operation: "fetch_profile",
			Err:       fmt.Errorf("failed to decode profile: %w", err),
		}
	}

	email := graphUser.Mail
	if email == "" {
		email = graphUser.UserPrincipalName
	}

	if graphUser.ID == "" || email == "" {
		return nil, &providers.UpstreamError{
			Kind:      providers.ErrorProfileIncomplete,
			Operation: "fetch_profile",
			Err:       fmt.Errorf("profile missing id or email"),
		}
	}

	return &providers.Profile{
		ID:          graphUser.ID,
		Email:       email,
		DisplayName: graphUser.DisplayName,
	}, nil
}

// SetProfileEndpoint overrides the Graph profile endpoint. Test hook.
func (p *Provider) SetProfileEndpoint(url string) {
	p.profileURL = url
}

// SetAuthURL and SetTokenURL override the Entra endpoints. Test hooks.
func (p *Provider) SetAuthURL(url string) {
	p.config.Endpoint.AuthURL = url
}

func (p *Provider) SetTokenURL(url string) {
	p.config.Endpoint.TokenURL = url
}
