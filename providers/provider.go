package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider defines the interface the broker uses to talk to the upstream
// identity provider. The broker acts as an OAuth2 client toward it while
// being an authorization server to its own local clients.
type Provider interface {
	// Name returns the provider name (e.g., "entra")
	Name() string

	// AuthorizationURL generates the URL to redirect users for upstream
	// authentication. The state parameter carries the broker's correlation
	// value back through the callback.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an upstream authorization code for tokens.
	// A single network call; failures are wrapped in *UpstreamError.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// FetchProfile retrieves the upstream user profile for an access token
	// with bounded retry on transient failures.
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)

	// Refresh obtains fresh upstream tokens using a refresh token.
	// A single network call; failures are wrapped in *UpstreamError.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Profile represents the upstream user profile resolved after login.
// ID and Email are mandatory; their absence is a fatal ErrorProfileIncomplete.
type Profile struct {
	// ID is the stable upstream identity identifier
	ID string

	// Email is the user's primary email address
	Email string

	// DisplayName is the user's display name, if the provider exposes one
	DisplayName string
}
