// Package entra provides an Azure AD / Entra ID provider implementation.
//
// This package implements the providers.Provider interface against the
// Microsoft identity platform. It supports:
//   - Authorization code flow against a configurable tenant
//   - Token refresh, preserving the prior refresh token when Entra does
//     not rotate it
//   - Profile retrieval via Microsoft Graph /v1.0/me with bounded retry
//     on timeouts, 429, and 5xx responses
//
// The default scope set includes "offline_access" so the broker receives
// upstream refresh tokens, and "User.Read" for Graph profile access.
//
// Example usage:
//
//	provider, err := entra.NewProvider(&entra.Config{
//	    ClientID:     os.Getenv("ENTRA_CLIENT_ID"),
//	    ClientSecret: os.Getenv("ENTRA_CLIENT_SECRET"),
//	    TenantID:     os.Getenv("ENTRA_TENANT_ID"),
//	    RedirectURL:  "http://localhost:8080/oauth/entra/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// A profile without an id or email fails immediately with
// providers.ErrorProfileIncomplete; retrying cannot recover it.
package entra
