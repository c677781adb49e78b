package entra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graphgate/dcr-oauth/providers"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(&Config{
		ClientID:       "app-id",
		ClientSecret:   "app-secret",
		TenantID:       "tenant-1",
		RedirectURL:    "https://broker.example.com/oauth/callback",
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "missing client id",
			cfg:     &Config{ClientSecret: "secret"},
			wantErr: true,
		},
		{
			name:    "missing client secret",
			cfg:     &Config{ClientID: "app-id"},
			wantErr: true,
		},
		{
			name:    "valid",
			cfg:     &Config{ClientID: "app-id", ClientSecret: "secret"},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_Name(t *testing.T) {
	p := newTestProvider(t)
	if got := p.Name(); got != "entra" {
		t.Errorf("Name() = %q, want %q", got, "entra")
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	p := newTestProvider(t)
	p.SetAuthURL("https://login.example.com/authorize")

	u := p.AuthorizationURL("state-123")

	for _, part := range []string{
		"https://login.example.com/authorize",
		"client_id=app-id",
		"state=state-123",
		"response_type=code",
	} {
		if !strings.Contains(u, part) {
			t.Errorf("AuthorizationURL() = %q, missing %q", u, part)
		}
	}
}

func TestProvider_TenantDefaultsToCommon(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: "app-id", ClientSecret: "secret"})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if !strings.Contains(p.config.Endpoint.AuthURL, "/common/") {
		t.Errorf("AuthURL = %q, want common tenant", p.config.Endpoint.AuthURL)
	}
}

func TestProvider_ExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if got := r.Form.Get("code"); got != "upstream-code" {
			t.Errorf("code = %q, want %q", got, "upstream-code")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"upstream-at","refresh_token":"upstream-rt","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetTokenURL(srv.URL)

	tok, err := p.ExchangeCode(context.Background(), "upstream-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if tok.AccessToken != "upstream-at" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "upstream-at")
	}
	if tok.RefreshToken != "upstream-rt" {
		t.Errorf("RefreshToken = %q, want %q", tok.RefreshToken, "upstream-rt")
	}
}

func TestProvider_ExchangeCode_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetTokenURL(srv.URL)

	_, err := p.ExchangeCode(context.Background(), "bad-code")
	if err == nil {
		t.Fatal("ExchangeCode() should fail")
	}

	var ue *providers.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %T, want *providers.UpstreamError", err)
	}
	if ue.Kind != providers.ErrorNonRetryable {
		t.Errorf("Kind = %v, want %v", ue.Kind, providers.ErrorNonRetryable)
	}
	if ue.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", ue.StatusCode)
	}
}

func TestProvider_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want %q", got, "refresh_token")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-at","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetTokenURL(srv.URL)

	tok, err := p.Refresh(context.Background(), "old-rt")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "new-at" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "new-at")
	}
	// The provider did not rotate, so the old refresh token carries over.
	if tok.RefreshToken != "old-rt" {
		t.Errorf("RefreshToken = %q, want %q", tok.RefreshToken, "old-rt")
	}
}

func TestProvider_FetchProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at-123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer at-123")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"user-1","mail":"user@example.com","displayName":"User One"}`)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetProfileEndpoint(srv.URL)

	profile, err := p.FetchProfile(context.Background(), "at-123")
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.ID != "user-1" {
		t.Errorf("ID = %q, want %q", profile.ID, "user-1")
	}
	if profile.Email != "user@example.com" {
		t.Errorf("Email = %q, want %q", profile.Email, "user@example.com")
	}
	if profile.DisplayName != "User One" {
		t.Errorf("DisplayName = %q, want %q", profile.DisplayName, "User One")
	}
}

func TestProvider_FetchProfile_FallsBackToUserPrincipalName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"user-1","userPrincipalName":"user@corp.example.com","displayName":"User One"}`)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetProfileEndpoint(srv.URL)

	profile, err := p.FetchProfile(context.Background(), "at-123")
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.Email != "user@corp.example.com" {
		t.Errorf("Email = %q, want userPrincipalName fallback", profile.Email)
	}
}

func TestProvider_FetchProfile_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"user-1","mail":"user@example.com"}`)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetProfileEndpoint(srv.URL)

	profile, err := p.FetchProfile(context.Background(), "at-123")
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if profile.ID != "user-1" {
		t.Errorf("ID = %q, want %q", profile.ID, "user-1")
	}
	if calls.Load() != 3 {
		t.Errorf("upstream calls = %d, want 3", calls.Load())
	}
}

func TestProvider_FetchProfile_DoesNotRetryForbidden(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetProfileEndpoint(srv.URL)

	_, err := p.FetchProfile(context.Background(), "at-123")
	if err == nil {
		t.Fatal("FetchProfile() should fail")
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestProvider_FetchProfile_IncompleteProfileFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"displayName":"No ID Or Email"}`)
	}))
	defer srv.Close()

	p := newTestProvider(t)
	p.SetProfileEndpoint(srv.URL)

	_, err := p.FetchProfile(context.Background(), "at-123")
	if err == nil {
		t.Fatal("FetchProfile() should fail")
	}

	var ue *providers.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %T, want *providers.UpstreamError", err)
	}
	if ue.Kind != providers.ErrorProfileIncomplete {
		t.Errorf("Kind = %v, want %v", ue.Kind, providers.ErrorProfileIncomplete)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}
