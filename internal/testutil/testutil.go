// Package testutil provides test fixtures and assertion helpers shared by
// the broker's test suites.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/graphgate/dcr-oauth/providers"
	"github.com/graphgate/dcr-oauth/storage"
)

// NewMockHTTPServer creates a test HTTP server with the given handler.
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// GenerateTestToken creates an upstream OAuth2 token pair.
func GenerateTestToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       time.Now().Add(1 * time.Hour),
	}
}

// GenerateTestTokenWithExpiry creates an upstream OAuth2 token with a
// specific expiry.
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// GenerateTestProfile creates an upstream user profile.
func GenerateTestProfile() *providers.Profile {
	return &providers.Profile{
		ID:          "test-user-123",
		Email:       "test@example.com",
		DisplayName: "Test User",
	}
}

// GenerateTestClient creates an unlinked client registration.
// The secret is stored as plaintext; pair it with a disabled encryptor.
func GenerateTestClient() *storage.Client {
	now := time.Now()
	return &storage.Client{
		ClientID:        "dcr_test-client-id",
		EncryptedSecret: "test-client-secret",
		Name:            "Test Client",
		RedirectURIs:    []string{"https://example.com/callback"},
		GrantTypes:      []string{"authorization_code", "refresh_token"},
		Scope:           "offline_access User.Read",
		UpstreamAppID:   "test-app-id",
		Status:          storage.ClientStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// GenerateTestAuthorizationCode creates an active authorization code bound to
// the test client.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	now := time.Now()
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            "dcr_test-client-id",
		RedirectURI:         "https://example.com/callback",
		Scope:               "offline_access User.Read",
		State:               GenerateRandomString(16),
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Status:              storage.CodeStatusActive,
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}
}

// GenerateTestIdentity creates an upstream identity record.
func GenerateTestIdentity() *storage.UpstreamIdentity {
	return &storage.UpstreamIdentity{
		IdentityID:  "test-user-123",
		AppID:       "test-app-id",
		ExpiresAt:   time.Now().Add(1 * time.Hour),
		Scope:       "offline_access User.Read",
		Email:       "test@example.com",
		DisplayName: "Test User",
		UpdatedAt:   time.Now(),
	}
}

// GenerateRandomString generates a random URL-safe string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair.
// The challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want.
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertNotEqual fails the test if got == want.
func AssertNotEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got == want {
		t.Errorf("got %v, want different value", got)
	}
}

// AssertStringContains fails the test if s does not contain substr.
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTrue fails the test if condition is false.
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertFalse fails the test if condition is true.
func AssertFalse(t *testing.T, condition bool, message string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: %s", message)
	}
}
