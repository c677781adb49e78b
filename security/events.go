package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new access token is issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when every active token is revoked at once,
	// for example after an upstream application credential change
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when an authorization flow is initiated
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is reused (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Client registration events

	// EventClientRegistered is logged when a dynamic client registration is processed
	EventClientRegistered = "client_registered"

	// EventClientMerged is logged when two client registrations are merged after
	// resolving to the same upstream identity
	EventClientMerged = "client_merged"

	// EventClientDeleted is logged when a client registration is deleted
	EventClientDeleted = "client_deleted"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventDomainDenied is logged when an upstream login is rejected because the
	// account's email domain is not on the allow-list
	EventDomainDenied = "domain_denied"

	// EventSuspiciousActivity is logged for general suspicious behavior
	EventSuspiciousActivity = "suspicious_activity"

	// EventInvalidRedirect is logged when an invalid redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// Upstream provider events

	// EventUpstreamExchangeFailed is logged when code exchange with the upstream provider fails
	EventUpstreamExchangeFailed = "upstream_exchange_failed"

	// EventUpstreamProfileIncomplete is logged when the upstream profile lacks a
	// mandatory id or email
	EventUpstreamProfileIncomplete = "upstream_profile_incomplete"

	// Access delegation events

	// EventDelegationUsed is logged when a request resolves to a delegated account
	EventDelegationUsed = "delegation_used"
)
