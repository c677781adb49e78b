package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// digestInfo is the HKDF info string binding derived keys to this use.
const digestInfo = "dcr-oauth/token-digest/v1"

// Digester computes deterministic, non-reversible lookup keys for token
// values. Encrypted token storage is randomized and therefore not indexable;
// the digest stored alongside the ciphertext makes verification an O(1)
// lookup followed by one decrypt and compare.
//
// The MAC key is derived from the master encryption key via HKDF so the two
// keys are cryptographically independent while operators only manage one
// secret. With a nil master key the digester falls back to an unkeyed hash,
// which is acceptable only when encryption at rest is also disabled.
type Digester struct {
	key []byte
}

// NewDigester derives a digest key from the given master key.
// A nil or empty master key produces an unkeyed digester.
func NewDigester(masterKey []byte) (*Digester, error) {
	if len(masterKey) == 0 {
		return &Digester{}, nil
	}

	r := hkdf.New(sha256.New, masterKey, nil, []byte(digestInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive digest key: %w", err)
	}
	return &Digester{key: key}, nil
}

// Digest returns the base64url-encoded keyed hash of the given value.
// The same value always produces the same digest under the same key.
func (d *Digester) Digest(value string) string {
	if len(d.key) == 0 {
		sum := sha256.Sum256([]byte(value))
		return base64.RawURLEncoding.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, d.key)
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Keyed reports whether the digester uses a derived MAC key.
func (d *Digester) Keyed() bool {
	return len(d.key) > 0
}
