package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRetryAttempts is the bound on upstream profile fetch attempts.
const DefaultRetryAttempts = 3

// DefaultRetryBaseDelay is the base for exponential backoff between attempts.
const DefaultRetryBaseDelay = time.Second

// OAuth2ConfigExchanger is an interface for the Exchange method of
// oauth2.Config, so shared helpers work with any provider's config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCode is a shared helper for exchanging an upstream authorization
// code. It injects the custom HTTP client into the oauth2 transport and wraps
// failures as *UpstreamError.
func ExchangeCode(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, operation, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, WrapTransportError(operation, err)
	}
	return token, nil
}

// WrapTransportError classifies a transport-level failure from the oauth2
// package or an HTTP client into an *UpstreamError.
func WrapTransportError(operation string, err error) *UpstreamError {
	kind := ErrorNonRetryable
	if isTimeout(err) {
		kind = ErrorTimeout
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &UpstreamError{
			Kind:       KindForStatus(retrieveErr.Response.StatusCode),
			Operation:  operation,
			StatusCode: retrieveErr.Response.StatusCode,
			Err:        err,
		}
	}

	return &UpstreamError{Kind: kind, Operation: operation, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

// Retry runs fn up to attempts times with exponential backoff
// (baseDelay * 2^attempt) between tries. Only failures whose *UpstreamError
// reports Retryable are retried; everything else fails immediately.
// onRetry, if non-nil, is invoked before each backoff sleep.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, onRetry func(attempt int, err error)) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var ue *UpstreamError
		if !errors.As(lastErr, &ue) || !ue.Retryable() {
			return lastErr
		}

		if attempt == attempts-1 {
			break
		}

		if onRetry != nil {
			onRetry(attempt, lastErr)
		}

		delay := baseDelay * (1 << attempt)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return lastErr
}
