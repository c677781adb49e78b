package storage

import "errors"

// Sentinel errors returned by storage implementations. Callers match them
// with errors.Is to map storage failures onto OAuth protocol errors.
var (
	ErrClientNotFound   = errors.New("client not found")
	ErrIdentityNotFound = errors.New("upstream identity not found")
	ErrConfigNotFound   = errors.New("upstream app config not found")
	ErrAccountNotFound  = errors.New("account not found")

	ErrCodeNotFound       = errors.New("authorization code not found")
	ErrCodeAlreadyUsed    = errors.New("authorization code already used")
	ErrCodeExpired        = errors.New("authorization code expired")
	ErrCodeClientMismatch = errors.New("authorization code issued to a different client")
	ErrCodeRedirectURI    = errors.New("authorization code redirect URI mismatch")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)
