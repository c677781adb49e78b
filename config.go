package oauth

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds the broker configuration
type Config struct {
	// Issuer is the broker's issuer identifier (base URL), used in discovery
	// metadata and redirect URI validation
	Issuer string

	// Resource is the protected resource identifier advertised via RFC 9728
	// metadata and WWW-Authenticate challenges. Defaults to Issuer.
	Resource string

	// SupportedScopes lists the scopes clients may request. Empty allows all.
	SupportedScopes []string

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// CleanupInterval is how often the memory store purges expired codes,
	// dead tokens, and stale clients. Default: 1 minute.
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for upstream requests.
	// If not provided, the provider's default is used.
	HTTPClient *http.Client
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// RegistrationsPerHour caps dynamic client registrations per IP per hour.
	// Zero uses the default.
	RegistrationsPerHour int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// broker, used with TrustProxy to extract the client IP.
	TrustedProxyCount int
}

// SecurityConfig holds broker security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) encrypting secrets at rest:
	// client secrets, issued tokens, and upstream token pairs. The same key
	// seeds the HKDF-derived token lookup digest. Nil disables encryption
	// (not recommended outside tests). Generate with security.GenerateKey().
	EncryptionKey []byte

	// AuthorizationCodeTTL is how long authorization codes are valid.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is how long issued Bearer tokens are valid.
	// Default: 1 hour.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long issued refresh tokens are valid.
	// Default: 30 days.
	RefreshTokenTTL time.Duration

	// AllowedDomains is the email domain allow-list applied after upstream
	// login, matched case-insensitively. Empty allows every domain.
	AllowedDomains []string

	// AllowPKCEPlain allows the 'plain' code_challenge_method.
	// When false, only S256 is accepted. Default: false.
	AllowPKCEPlain bool

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool
}

// applyDefaults fills in secure default values
func (c *Config) applyDefaults() {
	if c.Resource == "" {
		c.Resource = c.Issuer
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.Security.AuthorizationCodeTTL == 0 {
		c.Security.AuthorizationCodeTTL = 10 * time.Minute
	}
	if c.Security.AccessTokenTTL == 0 {
		c.Security.AccessTokenTTL = time.Hour
	}
	if c.Security.RefreshTokenTTL == 0 {
		c.Security.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.RateLimit.TrustedProxyCount == 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
