package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/graphgate/dcr-oauth/internal/util"
	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

// Registration resolution outcomes, recorded in metrics and audit events.
const (
	RegistrationOutcomeCreated          = "created"
	RegistrationOutcomeReusedCorrelator = "reused_correlator"
	RegistrationOutcomeReusedLinked     = "reused_linked"
	RegistrationOutcomeReusedUnlinked   = "reused_unlinked"
)

// Defaults applied to sparse registration requests.
const (
	defaultClientName = "MCP Connector"
	defaultScope      = "offline_access User.Read Mail.ReadWrite"
)

var defaultGrantTypes = []string{"authorization_code", "refresh_token"}

// Registry manages dynamic client registrations: creation, deduplication
// across repeated handshakes from the same logical application, and
// merge-on-login of client identities.
type Registry struct {
	clients   storage.ClientStore
	encryptor *security.Encryptor
	auditor   *security.Auditor
	logger    *slog.Logger
}

// NewRegistry creates a client registry.
func NewRegistry(clients storage.ClientStore, encryptor *security.Encryptor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients:   clients,
		encryptor: encryptor,
		logger:    logger.With("component", "registry"),
	}
}

// SetAuditor sets the security auditor.
func (r *Registry) SetAuditor(aud *security.Auditor) {
	r.auditor = aud
}

// Register resolves a dynamic client registration against the upstream
// application appID. Resolution order, first match wins:
//
//  1. sessionCorrelator bound to an existing client, regardless of link state
//  2. a linked client with the same primary redirect URI
//  3. an unlinked client with the same primary redirect URI
//  4. a freshly created client
//
// Reuse paths return the existing client's secret in plaintext, so a caller
// repeating its handshake keeps working credentials.
func (r *Registry) Register(ctx context.Context, appID string, req *ClientRegistrationRequest, sessionCorrelator, clientIP string) (*ClientRegistrationResponse, string, error) {
	if appID == "" {
		return nil, "", ErrUpstreamConfigMissing
	}
	if len(req.RedirectURIs) == 0 {
		return nil, "", ErrInvalidClientMetadata("redirect_uris is required")
	}
	if err := validateRedirectURIs(req.RedirectURIs); err != nil {
		return nil, "", err
	}

	primaryRedirect := req.RedirectURIs[0]

	if sessionCorrelator != "" {
		client, err := r.clients.FindClientBySessionCorrelator(ctx, appID, sessionCorrelator)
		if err == nil {
			return r.reuseResponse(client, RegistrationOutcomeReusedCorrelator, clientIP)
		}
		if !errors.Is(err, storage.ErrClientNotFound) {
			return nil, "", fmt.Errorf("failed to look up client by session correlator: %w", err)
		}
	}

	if client, err := r.clients.FindClientByRedirectURI(ctx, appID, primaryRedirect, true); err == nil {
		if sessionCorrelator != "" && client.SessionCorrelator != sessionCorrelator {
			client.SessionCorrelator = sessionCorrelator
			client.UpdatedAt = time.Now()
			if err := r.clients.SaveClient(ctx, client); err != nil {
				return nil, "", fmt.Errorf("failed to attach session correlator: %w", err)
			}
		}
		return r.reuseResponse(client, RegistrationOutcomeReusedLinked, clientIP)
	} else if !errors.Is(err, storage.ErrClientNotFound) {
		return nil, "", fmt.Errorf("failed to look up linked client: %w", err)
	}

	if client, err := r.clients.FindClientByRedirectURI(ctx, appID, primaryRedirect, false); err == nil {
		if sessionCorrelator != "" && client.SessionCorrelator != sessionCorrelator {
			client.SessionCorrelator = sessionCorrelator
			client.UpdatedAt = time.Now()
			if err := r.clients.SaveClient(ctx, client); err != nil {
				return nil, "", fmt.Errorf("failed to attach session correlator: %w", err)
			}
		}
		return r.reuseResponse(client, RegistrationOutcomeReusedUnlinked, clientIP)
	} else if !errors.Is(err, storage.ErrClientNotFound) {
		return nil, "", fmt.Errorf("failed to look up unlinked client: %w", err)
	}

	return r.createClient(ctx, appID, req, sessionCorrelator, clientIP)
}

// createClient generates a new client with an opaque id and secret.
func (r *Registry) createClient(ctx context.Context, appID string, req *ClientRegistrationRequest, sessionCorrelator, clientIP string) (*ClientRegistrationResponse, string, error) {
	clientID := "dcr_" + uuid.NewString()
	clientSecret := generateRandomToken()

	encryptedSecret, err := r.encryptor.Encrypt(clientSecret)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	name := req.ClientName
	if name == "" {
		name = defaultClientName
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	scope := req.Scope
	if scope == "" {
		scope = defaultScope
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:          clientID,
		EncryptedSecret:   encryptedSecret,
		Name:              name,
		RedirectURIs:      req.RedirectURIs,
		GrantTypes:        grantTypes,
		Scope:             scope,
		UpstreamAppID:     appID,
		SessionCorrelator: sessionCorrelator,
		Status:            storage.ClientStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.clients.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if r.auditor != nil {
		r.auditor.LogClientRegistered(clientID, RegistrationOutcomeCreated, clientIP)
	}
	r.logger.Info("Registered new client",
		"client_id", clientID,
		"client_name", name,
		"client_ip", clientIP)

	return registrationResponse(client, clientSecret), RegistrationOutcomeCreated, nil
}

// reuseResponse builds the registration response for a deduplicated client,
// returning the stored secret in plaintext.
func (r *Registry) reuseResponse(client *storage.Client, outcome, clientIP string) (*ClientRegistrationResponse, string, error) {
	secret, err := r.encryptor.Decrypt(client.EncryptedSecret)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt client secret: %w", err)
	}

	if r.auditor != nil {
		r.auditor.LogClientRegistered(client.ClientID, outcome, clientIP)
	}
	r.logger.Debug("Reused existing client registration",
		"client_id", client.ClientID,
		"outcome", outcome)

	return registrationResponse(client, secret), outcome, nil
}

func registrationResponse(client *storage.Client, secret string) *ClientRegistrationResponse {
	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: "client_secret_post",
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           []string{"code"},
		ClientName:              client.Name,
		Scope:                   client.Scope,
	}
}

// validateRedirectURIs rejects malformed and SSRF-prone redirect URIs.
// Custom URL schemes (native apps) are accepted as-is. Plain http is only
// allowed for loopback hosts per RFC 8252, and IP-literal hosts pointing at
// link-local or unspecified addresses are always rejected.
func validateRedirectURIs(uris []string) error {
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return ErrInvalidClientMetadata(fmt.Sprintf("invalid redirect_uri: %s", raw))
		}

		host := u.Hostname()
		if ip := net.ParseIP(host); ip != nil {
			switch util.ClassifyIP(ip) {
			case util.IPClassificationLinkLocal, util.IPClassificationUnspecified:
				return ErrInvalidClientMetadata(fmt.Sprintf("redirect_uri host is not allowed: %s", raw))
			}
		}

		if u.Scheme == "http" && !util.IsLoopbackHostname(host) {
			return ErrInvalidClientMetadata("http redirect_uris are only allowed for loopback hosts")
		}
	}
	return nil
}

// LinkIdentity binds a resolved upstream identity to clientID after a
// successful upstream login and returns the link outcome, including the
// effective client id to use from now on.
//
// When an older client already holds the same identity for the same redirect
// URI, the two registrations are merged: the older row is absorbed into the
// new client id. The caller inspects the result's Merged flag to migrate
// tokens held in a separate token store. If the caller's own row was absorbed
// by a concurrent link first, the older row is updated in place and its id
// returned instead.
func (r *Registry) LinkIdentity(ctx context.Context, clientID, identityID, email, redirectURI, name string) (*storage.LinkResult, error) {
	result, err := r.clients.AtomicLinkIdentity(ctx, clientID, identityID, email, redirectURI, name)
	if err != nil {
		return nil, fmt.Errorf("failed to link identity: %w", err)
	}

	if result.Merged {
		if r.auditor != nil {
			r.auditor.LogClientMerged(result.EffectiveClientID, result.AbandonedClientID, identityID)
		}
		r.logger.Info("Merged client registrations",
			"effective_client_id", result.EffectiveClientID,
			"abandoned_client_id", result.AbandonedClientID)
	}

	return result, nil
}

// VerifyCredentials checks client_id/client_secret using constant-time
// comparison against the decrypted stored secret.
func (r *Registry) VerifyCredentials(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClient("client authentication failed")
	}

	stored, err := r.encryptor.Decrypt(client.EncryptedSecret)
	if err != nil {
		return nil, ErrInvalidClient("client authentication failed")
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(clientSecret)) != 1 {
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// GetClient retrieves an active client by id.
func (r *Registry) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return r.clients.GetClient(ctx, clientID)
}

// DeleteClient removes a client registration.
func (r *Registry) DeleteClient(ctx context.Context, clientID string) error {
	if err := r.clients.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	if r.auditor != nil {
		r.auditor.LogEvent(security.Event{
			Type:     security.EventClientDeleted,
			ClientID: clientID,
		})
	}
	return nil
}
