package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type       string
	IdentityID string
	ClientID   string
	IPAddress  string
	Details    map[string]any
	Timestamp  time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"identity_hash", hashForLogging(event.IdentityID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(identityID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:       EventTokenIssued,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(identityID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:       EventTokenRefreshed,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
	})
}

// LogAllTokensRevoked logs a mass revocation, e.g. after an upstream
// credential change.
func (a *Auditor) LogAllTokensRevoked(count int, reason string) {
	a.LogEvent(Event{
		Type: EventAllTokensRevoked,
		Details: map[string]any{
			"count":  count,
			"reason": reason,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(identityID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:       EventAuthFailure,
		IdentityID: identityID,
		ClientID:   clientID,
		IPAddress:  ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, identityID string) {
	a.LogEvent(Event{
		Type:       EventRateLimitExceeded,
		IdentityID: identityID,
		IPAddress:  ipAddress,
	})
}

// LogClientRegistered logs a processed dynamic client registration. The
// outcome names how the client was resolved: created, reused_correlator,
// reused_linked, or reused_unlinked.
func (a *Auditor) LogClientRegistered(clientID, outcome, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"outcome": outcome,
		},
	})
}

// LogClientMerged logs a registration merge after identity linking.
func (a *Auditor) LogClientMerged(survivingClientID, abandonedClientID, identityID string) {
	a.LogEvent(Event{
		Type:       EventClientMerged,
		ClientID:   survivingClientID,
		IdentityID: identityID,
		Details: map[string]any{
			"abandoned_client_id": abandonedClientID,
		},
	})
}

// LogCodeReuseDetected logs a redemption attempt against a consumed code.
func (a *Auditor) LogCodeReuseDetected(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogPKCEValidationFailed logs a failed PKCE verifier check.
func (a *Auditor) LogPKCEValidationFailed(clientID, ipAddress, method string) {
	a.LogEvent(Event{
		Type:      EventPKCEValidationFailed,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"method": method,
		},
	})
}

// LogDomainDenied logs a login rejected by the email domain allow-list.
// Only the domain is recorded, never the full address.
func (a *Auditor) LogDomainDenied(clientID, ipAddress, domain string) {
	a.LogEvent(Event{
		Type:      EventDomainDenied,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"domain": domain,
		},
	})
}

// LogDelegationUsed logs a request served under an access delegation.
func (a *Auditor) LogDelegationUsed(granteeID, grantorID string) {
	a.LogEvent(Event{
		Type:       EventDelegationUsed,
		IdentityID: granteeID,
		Details: map[string]any{
			"grantor_hash": hashForLogging(grantorID),
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
