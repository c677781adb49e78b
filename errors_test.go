package oauth

import (
	"net/http"
	"testing"
)

func TestOAuthError_Error(t *testing.T) {
	err := NewOAuthError(ErrorCodeInvalidGrant, "code expired", http.StatusBadRequest)
	want := "invalid_grant: code expired"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestOAuthError_Constructors(t *testing.T) {
	tests := []struct {
		name       string
		make       func(string) *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid_request", ErrInvalidRequest, ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid_grant", ErrInvalidGrant, ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid_client", ErrInvalidClient, ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid_scope", ErrInvalidScope, ErrorCodeInvalidScope, http.StatusBadRequest},
		{"invalid_token", ErrInvalidToken, ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"unsupported_grant_type", ErrUnsupportedGrantType, ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server_error", ErrServerError, ErrorCodeServerError, http.StatusInternalServerError},
		{"access_denied", ErrAccessDenied, ErrorCodeAccessDenied, http.StatusForbidden},
		{"invalid_redirect_uri", ErrInvalidRedirectURI, ErrorCodeInvalidRedirectURI, http.StatusBadRequest},
		{"invalid_client_metadata", ErrInvalidClientMetadata, ErrorCodeInvalidClientMetadata, http.StatusBadRequest},
		{"temporarily_unavailable", ErrUpstreamUnavailable, ErrorCodeTemporarilyUnavailable, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.make("description")
			if err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", err.Code, tt.wantCode)
			}
			if err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", err.Status, tt.wantStatus)
			}
			if err.Description != "description" {
				t.Errorf("Description = %q, want %q", err.Description, "description")
			}
		})
	}
}
