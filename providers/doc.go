// Package providers defines the upstream identity provider interface and
// the error taxonomy used to classify upstream failures.
//
// This package contains the Provider interface that must be implemented by
// upstream identity providers, the Profile type returned after login, and
// shared helpers for code exchange, error wrapping, and bounded retry.
//
// Implementations are provided in subpackages:
//   - providers/entra: Azure AD / Entra ID provider
//   - providers/mock: Mock provider for testing
//
// Provider implementations handle:
//   - Authorization URL generation for the upstream redirect
//   - Authorization code exchange
//   - Profile retrieval with bounded retry on transient failures
//   - Token refresh
//
// Example usage:
//
//	provider, err := entra.NewProvider(&entra.Config{
//	    ClientID:     "your-app-id",
//	    ClientSecret: "your-client-secret",
//	    TenantID:     "your-tenant",
//	    RedirectURL:  "http://localhost:8080/oauth/entra/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Use provider with the broker server
//	server, _ := oauth.NewServer(provider, stores, config, logger)
package providers
