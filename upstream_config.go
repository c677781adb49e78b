package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

// Environment variables consulted by the upstream config loader.
// Environment values take precedence over persisted config.
const (
	EnvUpstreamAppID       = "DCR_ENTRA_CLIENT_ID"
	EnvUpstreamSecret      = "DCR_ENTRA_CLIENT_SECRET" //nolint:gosec // G101: env var name, not a credential
	EnvUpstreamTenantID    = "DCR_ENTRA_TENANT_ID"
	EnvUpstreamRedirectURI = "DCR_OAUTH_REDIRECT_URI"
)

// ErrUpstreamConfigMissing is returned when neither persisted config nor the
// environment provides upstream application credentials. Registration cannot
// proceed until an operator supplies them.
var ErrUpstreamConfigMissing = errors.New("upstream application config missing")

// UpstreamConfig is an immutable snapshot of the upstream application
// configuration. The secret is held in plaintext in memory only; at rest it
// is always encrypted.
type UpstreamConfig struct {
	AppID        string
	ClientSecret string
	TenantID     string
	RedirectURI  string
}

// UpstreamConfigLoader resolves the upstream application config from the
// persisted store and the environment, keeping the store in sync.
//
// Resolution rules:
//   - Persisted config is the baseline.
//   - The redirect URI from the environment always wins when set.
//   - When the environment supplies both app id and secret and either differs
//     from the persisted values, the persisted config is overwritten and
//     Reload reports changed=true. The caller is responsible for revoking
//     outstanding tokens; the loader only reports the change.
type UpstreamConfigLoader struct {
	store     storage.ConfigStore
	encryptor *security.Encryptor
	getenv    func(string) string
	logger    *slog.Logger

	mu       sync.RWMutex
	snapshot *UpstreamConfig
}

// NewUpstreamConfigLoader creates a loader reading the environment via os.Getenv.
func NewUpstreamConfigLoader(store storage.ConfigStore, encryptor *security.Encryptor, logger *slog.Logger) *UpstreamConfigLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamConfigLoader{
		store:     store,
		encryptor: encryptor,
		getenv:    os.Getenv,
		logger:    logger,
	}
}

// SetGetenv overrides environment lookup. Test hook.
func (l *UpstreamConfigLoader) SetGetenv(fn func(string) string) {
	l.getenv = fn
}

// Snapshot returns the current config snapshot, or nil before the first Load.
func (l *UpstreamConfigLoader) Snapshot() *UpstreamConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Load performs the initial resolution. Unlike Reload it does not report
// credential drift; there are no outstanding tokens to protect at startup.
func (l *UpstreamConfigLoader) Load(ctx context.Context) (*UpstreamConfig, error) {
	snapshot, _, err := l.Reload(ctx)
	return snapshot, err
}

// Reload re-resolves the config and reports whether the upstream credentials
// changed relative to the persisted values. A change means every token issued
// so far was issued against a different upstream trust anchor.
func (l *UpstreamConfigLoader) Reload(ctx context.Context) (*UpstreamConfig, bool, error) {
	envAppID := strings.TrimSpace(l.getenv(EnvUpstreamAppID))
	envSecret := strings.TrimSpace(l.getenv(EnvUpstreamSecret))
	envTenant := strings.TrimSpace(l.getenv(EnvUpstreamTenantID))
	envRedirect := strings.TrimSpace(l.getenv(EnvUpstreamRedirectURI))

	persisted, err := l.store.GetAppConfig(ctx)
	if err != nil && !errors.Is(err, storage.ErrConfigNotFound) {
		return nil, false, fmt.Errorf("failed to load upstream config: %w", err)
	}

	if persisted == nil {
		snapshot, err := l.loadFromEnvironment(ctx, envAppID, envSecret, envTenant, envRedirect)
		if err != nil {
			return nil, false, err
		}
		l.setSnapshot(snapshot)
		return snapshot, false, nil
	}

	currentSecret, err := l.encryptor.Decrypt(persisted.EncryptedSecret)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decrypt upstream secret: %w", err)
	}

	snapshot := &UpstreamConfig{
		AppID:        persisted.AppID,
		ClientSecret: currentSecret,
		TenantID:     persisted.TenantID,
		RedirectURI:  persisted.RedirectURI,
	}
	if snapshot.TenantID == "" {
		snapshot.TenantID = "common"
	}
	if envRedirect != "" {
		if envRedirect != persisted.RedirectURI {
			l.logger.Info("Using redirect URI from environment",
				"env_redirect_uri", envRedirect,
				"persisted_redirect_uri", persisted.RedirectURI)
		}
		snapshot.RedirectURI = envRedirect
	}

	changed := false
	if envAppID != "" && envSecret != "" {
		changed = envAppID != persisted.AppID || envSecret != currentSecret

		snapshot.AppID = envAppID
		snapshot.ClientSecret = envSecret
		if envTenant != "" {
			snapshot.TenantID = envTenant
		}

		if err := l.persist(ctx, snapshot); err != nil {
			return nil, false, err
		}
		if changed {
			l.logger.Info("Upstream credentials changed via environment override",
				"app_id", snapshot.AppID)
		}
	}

	l.setSnapshot(snapshot)
	return snapshot, changed, nil
}

// loadFromEnvironment builds the first snapshot when nothing is persisted yet.
func (l *UpstreamConfigLoader) loadFromEnvironment(ctx context.Context, appID, secret, tenant, redirect string) (*UpstreamConfig, error) {
	if appID == "" || secret == "" {
		return nil, ErrUpstreamConfigMissing
	}
	if tenant == "" {
		tenant = "common"
	}

	snapshot := &UpstreamConfig{
		AppID:        appID,
		ClientSecret: secret,
		TenantID:     tenant,
		RedirectURI:  redirect,
	}
	if err := l.persist(ctx, snapshot); err != nil {
		return nil, err
	}

	l.logger.Info("Loaded upstream config from environment",
		"app_id", appID,
		"tenant_id", tenant)
	return snapshot, nil
}

func (l *UpstreamConfigLoader) persist(ctx context.Context, snapshot *UpstreamConfig) error {
	encrypted, err := l.encryptor.Encrypt(snapshot.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt upstream secret: %w", err)
	}
	cfg := &storage.UpstreamAppConfig{
		AppID:           snapshot.AppID,
		EncryptedSecret: encrypted,
		TenantID:        snapshot.TenantID,
		RedirectURI:     snapshot.RedirectURI,
		UpdatedAt:       time.Now(),
	}
	if err := l.store.SaveAppConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to persist upstream config: %w", err)
	}
	return nil
}

func (l *UpstreamConfigLoader) setSnapshot(snapshot *UpstreamConfig) {
	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()
}
