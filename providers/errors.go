package providers

import "fmt"

// UpstreamErrorKind classifies upstream provider failures for retry decisions.
type UpstreamErrorKind string

const (
	// ErrorTimeout is a network timeout or cancellation. Retryable.
	ErrorTimeout UpstreamErrorKind = "timeout"

	// ErrorRateLimited is an HTTP 429 from the provider. Retryable.
	ErrorRateLimited UpstreamErrorKind = "rate_limited"

	// ErrorServerError is an HTTP 500/502/503/504 from the provider. Retryable.
	ErrorServerError UpstreamErrorKind = "server_error"

	// ErrorProfileIncomplete means the provider returned a profile without a
	// mandatory id or email. Retrying cannot fix a provider-side omission,
	// so this fails immediately.
	ErrorProfileIncomplete UpstreamErrorKind = "profile_incomplete"

	// ErrorNonRetryable covers every other failure, including 4xx statuses.
	ErrorNonRetryable UpstreamErrorKind = "non_retryable"
)

// UpstreamError describes a failure talking to the upstream provider.
type UpstreamError struct {
	Kind       UpstreamErrorKind
	Operation  string // "exchange_code", "fetch_profile", "refresh"
	StatusCode int    // HTTP status, 0 for transport failures
	Err        error
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s failed (%s): %v", e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("upstream %s failed (%s): status %d", e.Operation, e.Kind, e.StatusCode)
}

// Unwrap returns the underlying error
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying with backoff.
func (e *UpstreamError) Retryable() bool {
	switch e.Kind {
	case ErrorTimeout, ErrorRateLimited, ErrorServerError:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(status int) UpstreamErrorKind {
	switch status {
	case 429:
		return ErrorRateLimited
	case 500, 502, 503, 504:
		return ErrorServerError
	default:
		return ErrorNonRetryable
	}
}
