package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/graphgate/dcr-oauth/instrumentation"
	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

// Well-known and endpoint paths served by the handler.
const (
	MetadataPathAuthorizationServer = "/.well-known/oauth-authorization-server"
	MetadataPathProtectedResource   = "/.well-known/oauth-protected-resource"

	EndpointRegister  = "/oauth/register"
	EndpointAuthorize = "/oauth/authorize"
	EndpointCallback  = "/oauth/callback"
	EndpointToken     = "/oauth/token"
	EndpointClients   = "/oauth/clients/"
)

// SessionCorrelatorHeader carries the caller's session identifier on
// registration requests. Repeated registrations with the same value resolve
// to the same client.
const SessionCorrelatorHeader = "Mcp-Session-Id"

// Handler is a thin HTTP adapter for the broker Server.
// It parses and validates requests, delegates to the Server for all
// business logic, and renders OAuth-shaped responses.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer

	ipLimiter           *security.RateLimiter
	registrationLimiter *security.ClientRegistrationRateLimiter
}

// NewHandler creates an HTTP handler for the given server. Rate limiters are
// built from the server's configuration.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger.With("component", "http"),
	}

	rl := server.config.RateLimit
	if rl.Rate > 0 {
		h.ipLimiter = security.NewRateLimiter(rl.Rate, rl.Burst, logger)
	}

	perHour := rl.RegistrationsPerHour
	if perHour <= 0 {
		perHour = security.DefaultMaxRegistrationsPerHour
	}
	h.registrationLimiter = security.NewClientRegistrationRateLimiterWithConfig(
		perHour,
		security.DefaultRegistrationWindow,
		security.DefaultMaxRegistrationEntries,
		logger,
	)

	return h
}

// SetInstrumentation enables tracing for the HTTP layer.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.tracer = inst.Tracer("http")
}

// Stop releases the handler's rate limiter resources.
func (h *Handler) Stop() {
	if h.ipLimiter != nil {
		h.ipLimiter.Stop()
	}
	h.registrationLimiter.Stop()
}

// RegisterRoutes registers all broker endpoints on the given mux.
// Every route carries the request ID middleware.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, security.RequestIDMiddleware(fn))
	}

	handle(MetadataPathAuthorizationServer, h.ServeAuthorizationServerMetadata)
	handle(MetadataPathProtectedResource, h.ServeProtectedResourceMetadata)
	handle(EndpointRegister, h.ServeClientRegistration)
	handle(EndpointAuthorize, h.ServeAuthorization)
	handle(EndpointCallback, h.ServeCallback)
	handle(EndpointToken, h.ServeToken)
	handle(EndpointClients, h.ServeClientConfiguration)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := strings.TrimSuffix(h.server.config.Issuer, "/")

	challengeMethods := []string{"S256"}
	if h.server.config.Security.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, "plain")
	}

	metadata := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + EndpointAuthorize,
		TokenEndpoint:                     issuer + EndpointToken,
		RegistrationEndpoint:              issuer + EndpointRegister,
		ScopesSupported:                   h.server.config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
		CodeChallengeMethodsSupported:     challengeMethods,
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metadata := ProtectedResourceMetadata{
		Resource:               h.server.config.Resource,
		AuthorizationServers:   []string{strings.TrimSuffix(h.server.config.Issuer, "/")},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.config.SupportedScopes,
	}

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeClientRegistration handles RFC 7591 dynamic client registration.
// Registration is unauthenticated, so it carries its own per-IP hourly limit
// on top of the general rate limiter.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.client_registration")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)

	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}
	if !h.registrationLimiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
		h.recordRateLimitExceeded(ctx, "registration", clientIP, r.URL.Path)
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusTooManyRequests, startTime)
		w.Header().Set("Retry-After", "3600")
		h.writeError(w, ErrorCodeInvalidRequest, "Client registration limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "invalid JSON")
		h.writeError(w, ErrorCodeInvalidClientMetadata, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sessionCorrelator := r.Header.Get(SessionCorrelatorHeader)

	resp, err := h.server.RegisterClient(ctx, &req, sessionCorrelator, clientIP)
	if err != nil {
		if errors.Is(err, ErrUpstreamConfigMissing) {
			h.logger.Error("Registration rejected: upstream application not configured")
			h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusServiceUnavailable, startTime)
			instrumentation.SetSpanError(span, "upstream config missing")
			h.writeError(w, ErrorCodeTemporarilyUnavailable, "Registration is not available", http.StatusServiceUnavailable)
			return
		}
		h.recordHTTPMetrics(ctx, "register", r.Method, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, err)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, resp.ClientID),
	)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "register", r.Method, http.StatusCreated, startTime)

	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeAuthorization handles the authorization endpoint. A valid request is
// answered with a redirect to the upstream provider's authorize URL.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.authorization")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	scope := q.Get("scope")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")

	if clientID == "" || redirectURI == "" {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "missing client_id or redirect_uri")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id and redirect_uri are required", http.StatusBadRequest)
		return
	}
	if responseType != "code" {
		h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeError(w, ErrorCodeInvalidRequest, "only response_type=code is supported", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
	)
	instrumentation.AddPKCEAttributes(span, codeChallengeMethod)

	authURL, err := h.server.StartAuthorization(ctx, clientID, redirectURI, scope, state, codeChallenge, codeChallengeMethod)
	if err != nil {
		h.logger.Warn("Authorization request rejected",
			"client_id", clientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "authorize", r.Method, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, err)
		return
	}

	h.recordHTTPMetrics(ctx, "authorize", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the redirect back from the upstream provider and, on
// success, forwards the user agent to the original client with a local
// authorization code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.callback")
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")

	if errorParam := q.Get("error"); errorParam != "" {
		errorDesc := q.Get("error_description")
		h.logger.Warn("Upstream provider returned error",
			"error", errorParam, "description", errorDesc)
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, errorParam)
		h.writeError(w, errorParam, errorDesc, http.StatusBadRequest)
		return
	}

	if state == "" || code == "" {
		h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "missing state or code")
		h.writeError(w, ErrorCodeInvalidRequest, "state and code are required", http.StatusBadRequest)
		return
	}

	redirectURL, err := h.server.CompleteUpstreamCallback(ctx, code, state)
	if err != nil {
		h.logger.Error("Upstream callback failed", "error", err)
		h.recordHTTPMetrics(ctx, "callback", r.Method, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, err)
		return
	}

	h.recordHTTPMetrics(ctx, "callback", r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles the token endpoint for the authorization_code and
// refresh_token grants. Client credentials are accepted via HTTP Basic auth
// or form parameters; Basic auth wins when both are present.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	grantType := r.FormValue("grant_type")
	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %q not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token_exchange")
	if span != nil {
		defer span.End()
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")
	clientID, clientSecret := h.clientCredentials(r)

	if code == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
	)

	resp, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret, redirectURI, codeVerifier, clientIP)
	if err != nil {
		h.logger.Warn("Token exchange failed",
			"client_id", clientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "token", r.Method, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "code exchange failed")
		h.writeOAuthError(w, err)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID, "ip", clientIP)
	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx, span := h.startSpan(r, "oauth.http.token_refresh")
	if span != nil {
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	clientID, clientSecret := h.clientCredentials(r)

	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
	)

	resp, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID, clientSecret, clientIP)
	if err != nil {
		h.logger.Warn("Token refresh failed",
			"client_id", clientID, "ip", clientIP, "error", err)
		h.recordHTTPMetrics(ctx, "token", r.Method, errorStatus(err), startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "token refresh failed")
		h.writeOAuthError(w, err)
		return
	}

	h.recordHTTPMetrics(ctx, "token", r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp)
}

// ServeClientConfiguration handles client management requests under
// /oauth/clients/{client_id}. Requests authenticate with a Bearer token
// issued to the same client.
func (h *Handler) ServeClientConfiguration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	clientID := strings.TrimPrefix(r.URL.Path, EndpointClients)
	if clientID == "" || strings.Contains(clientID, "/") {
		h.writeError(w, ErrorCodeInvalidRequest, "client_id path segment is required", http.StatusBadRequest)
		return
	}

	accessToken, ok := h.extractBearerToken(w, r)
	if !ok {
		return
	}
	tok, err := h.server.VerifyBearer(r.Context(), accessToken)
	if err != nil {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Token validation failed")
		return
	}
	if tok.ClientID != clientID {
		h.writeError(w, ErrorCodeAccessDenied, "Token was not issued to this client", http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodGet:
		client, err := h.server.Registry().GetClient(r.Context(), clientID)
		if err != nil {
			h.writeError(w, ErrorCodeInvalidRequest, "Unknown client", http.StatusNotFound)
			return
		}
		security.SetSecurityHeaders(w, h.server.config.Issuer)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ClientRegistrationResponse{
			ClientID:                client.ClientID,
			ClientIDIssuedAt:        client.CreatedAt.Unix(),
			RedirectURIs:            client.RedirectURIs,
			TokenEndpointAuthMethod: "client_secret_post",
			GrantTypes:              client.GrantTypes,
			ResponseTypes:           []string{"code"},
			ClientName:              client.Name,
			Scope:                   client.Scope,
		})
	case http.MethodDelete:
		if err := h.server.Registry().DeleteClient(r.Context(), clientID); err != nil {
			h.writeError(w, ErrorCodeServerError, "Failed to delete client", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// RequireBearer is middleware protecting downstream resource handlers.
// It verifies the presented Bearer token and injects the token record into
// the request context.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		tok, err := h.server.VerifyBearer(r.Context(), accessToken)
		if err != nil {
			h.logger.Warn("Token validation failed", "ip", clientIP, "error", err)
			desc := "Token validation failed"
			var oauthErr *OAuthError
			if errors.As(err, &oauthErr) {
				desc = oauthErr.Description
			}
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, desc)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithToken(r.Context(), tok)))
	})
}

type contextKey string

const tokenContextKey contextKey = "oauth_token"

// ContextWithToken returns a context carrying a verified token record.
func ContextWithToken(ctx context.Context, tok *storage.Token) context.Context {
	return context.WithValue(ctx, tokenContextKey, tok)
}

// TokenFromContext extracts the verified token record set by RequireBearer.
func TokenFromContext(ctx context.Context) (*storage.Token, bool) {
	tok, ok := ctx.Value(tokenContextKey).(*storage.Token)
	return tok, ok
}

// Helper methods

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.config.RateLimit.TrustProxy, h.server.config.RateLimit.TrustedProxyCount)
}

// clientCredentials resolves client_id and client_secret from HTTP Basic auth
// or, failing that, from the form body (client_secret_post).
func (h *Handler) clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok && id != "" {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// checkIPRateLimit reports whether the request was rejected for rate limiting.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.ipLimiter == nil || h.ipLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "ip", clientIP, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) recordRateLimitExceeded(ctx context.Context, limitType, clientIP, endpoint string) {
	if h.server.metrics != nil {
		h.server.metrics.RecordRateLimitExceeded(ctx, limitType)
	}
	if h.server.auditor != nil {
		h.server.auditor.LogEvent(security.Event{
			Type:      security.EventRateLimitExceeded,
			IPAddress: clientIP,
			Details:   map[string]any{"endpoint": endpoint, "limiter": limitType},
		})
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// On failure it writes a 401 challenge and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeOAuthError renders an error from the server layer. OAuth errors keep
// their code and status; anything else is masked as a generic server error.
func (h *Handler) writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 with an RFC 6750 Bearer challenge
// pointing at the protected resource metadata.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	h.writeError(w, code, description, http.StatusUnauthorized)
}

// formatWWWAuthenticate builds the Bearer challenge per RFC 6750 and RFC 9728,
// including the resource_metadata discovery pointer.
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	metadataURL := strings.TrimSuffix(h.server.config.Issuer, "/") + MetadataPathProtectedResource

	params := []string{fmt.Sprintf(`resource_metadata="%s"`, metadataURL)}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, escapeQuoted(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuoted(errorDesc)))
	}

	return "Bearer " + strings.Join(params, ", ")
}

// escapeQuoted escapes a value for use inside an HTTP quoted-string.
// Backslashes first, then quotes.
func escapeQuoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// errorStatus maps a server-layer error to the HTTP status it will be
// rendered with, for metrics.
func errorStatus(err error) int {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Status
	}
	return http.StatusInternalServerError
}

func (h *Handler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), name)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.metrics == nil {
		return
	}
	h.server.metrics.RecordHTTPRequest(ctx, method, endpoint, status, float64(time.Since(startTime).Milliseconds()))
}
