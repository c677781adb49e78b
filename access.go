package oauth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/graphgate/dcr-oauth/security"
	"github.com/graphgate/dcr-oauth/storage"
)

// AccessController implements the domain allow-list and delegated-account
// access resolution layer.
type AccessController struct {
	accounts       storage.AccountStore
	allowedDomains map[string]struct{}
	auditor        *security.Auditor
	logger         *slog.Logger
}

// NewAccessController creates an access controller. allowedDomains is the
// email domain allow-list; empty means every domain is allowed.
func NewAccessController(accounts storage.AccountStore, allowedDomains []string, logger *slog.Logger) *AccessController {
	if logger == nil {
		logger = slog.Default()
	}
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, d := range allowedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains[d] = struct{}{}
		}
	}
	return &AccessController{
		accounts:       accounts,
		allowedDomains: domains,
		logger:         logger.With("component", "access"),
	}
}

// SetAuditor sets the security auditor.
func (a *AccessController) SetAuditor(aud *security.Auditor) {
	a.auditor = aud
}

// IsDomainAllowed reports whether the email's domain passes the allow-list.
// With no allow-list configured, every domain is allowed. Matching is
// case-insensitive.
func (a *AccessController) IsDomainAllowed(email string) bool {
	if len(a.allowedDomains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	_, ok := a.allowedDomains[domain]
	return ok
}

// DelegatedAccountsFor returns the account ids userID may act on besides its
// own. Admins see every other active account; everyone else sees only the
// accounts explicitly delegated to them.
func (a *AccessController) DelegatedAccountsFor(ctx context.Context, userID string) ([]string, error) {
	account, err := a.accounts.GetAccount(ctx, userID)
	if err == nil && account.Admin {
		all, err := a.accounts.ListActiveAccounts(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(all))
		for _, acct := range all {
			if acct.UserID != userID {
				ids = append(ids, acct.UserID)
			}
		}
		return ids, nil
	}

	delegations, err := a.accounts.DelegationsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(delegations))
	for _, d := range delegations {
		ids = append(ids, d.Grantor)
	}
	return ids, nil
}

// IsAccessible reports whether caller may act on target.
func (a *AccessController) IsAccessible(ctx context.Context, caller, target string) bool {
	if caller == target {
		return true
	}
	delegated, err := a.DelegatedAccountsFor(ctx, caller)
	if err != nil {
		a.logger.Warn("Failed to resolve delegated accounts",
			"caller", caller, "error", err)
		return false
	}
	for _, id := range delegated {
		if id == target {
			return true
		}
	}
	return false
}

// ResolveEffectiveUser resolves which account a request acts on. An
// inaccessible target silently downgrades to the caller rather than failing;
// callers always retain access to their own account.
func (a *AccessController) ResolveEffectiveUser(ctx context.Context, caller, requested string) string {
	if requested == "" || requested == caller {
		return caller
	}
	if a.IsAccessible(ctx, caller, requested) {
		if a.auditor != nil {
			a.auditor.LogDelegationUsed(caller, requested)
		}
		return requested
	}
	a.logger.Debug("Delegated access denied, downgrading to caller",
		"caller", caller)
	return caller
}
