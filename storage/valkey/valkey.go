package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "dcr:"

	// codeRetention is how long a code row outlives its own expiry. The row
	// must stay addressable past the expiry instant so a late redemption can
	// be answered with an explicit expired error instead of not-found.
	codeRetention = 1 * time.Hour

	// deadTokenRetention is how long expired and revoked token rows are kept
	// for forensics before their key TTL removes them.
	deadTokenRetention = 24 * time.Hour

	// idLogLength is the number of characters to include when logging codes
	// and token digests.
	idLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration.
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "dcr:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the authorization code and
// token stores.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// Access to encryptor and digester is synchronized via cryptoMu.
	encryptor *security.Encryptor
	digester  *security.Digester
	cryptoMu  sync.RWMutex
}

var (
	_ storage.CodeStore  = (*Store)(nil)
	_ storage.TokenStore = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "storage.valkey"),
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger.With("component", "storage.valkey")
	}
}

// SetEncryptor sets the value encryptor and digest keyer. Token values are
// encrypted before storing and looked up by their keyed digest.
func (s *Store) SetEncryptor(enc *security.Encryptor, dig *security.Digester) {
	s.cryptoMu.Lock()
	defer s.cryptoMu.Unlock()
	s.encryptor = enc
	s.digester = dig
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) encrypt(plaintext string) (string, error) {
	s.cryptoMu.RLock()
	enc := s.encryptor
	s.cryptoMu.RUnlock()
	if enc == nil {
		return plaintext, nil
	}
	return enc.Encrypt(plaintext)
}

func (s *Store) decrypt(stored string) (string, error) {
	s.cryptoMu.RLock()
	enc := s.encryptor
	s.cryptoMu.RUnlock()
	if enc == nil {
		return stored, nil
	}
	return enc.Decrypt(stored)
}

func (s *Store) digest(value string) string {
	s.cryptoMu.RLock()
	dig := s.digester
	s.cryptoMu.RUnlock()
	if dig == nil {
		d, _ := security.NewDigester(nil)
		return d.Digest(value)
	}
	return dig.Digest(value)
}

// ============================================================
// Key Helpers
// ============================================================

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// activeCodeKey returns the key tracking a client's code in flight:
// {prefix}code:client:{clientID}
func (s *Store) activeCodeKey(clientID string) string {
	return fmt.Sprintf("%scode:client:%s", s.prefix, clientID)
}

// tokenKey returns the key for a token row: {prefix}token:{digest}
func (s *Store) tokenKey(digest string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, digest)
}

// activeTokenKey returns the key tracking the active token for a
// (kind, client, identity) tuple: {prefix}token:active:{kind}:{clientID}:{identity}
func (s *Store) activeTokenKey(kind, clientID, identity string) string {
	return fmt.Sprintf("%stoken:active:%s:%s:%s", s.prefix, kind, clientID, identity)
}

// activeTokenKeyPrefix returns the shared prefix of all active-token pointer
// keys, used to skip them when scanning token rows.
func (s *Store) activeTokenKeyPrefix() string {
	return s.prefix + "token:active:"
}

// ============================================================
// Helpers
// ============================================================

// safeTruncate safely truncates a string to n characters.
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time plus a
// retention window. Returns 0 if the result is not positive.
func calculateTTL(expiresAt time.Time, retention time.Duration) time.Duration {
	ttl := time.Until(expiresAt) + retention
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
