package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   UpstreamErrorKind
	}{
		{429, ErrorRateLimited},
		{500, ErrorServerError},
		{502, ErrorServerError},
		{503, ErrorServerError},
		{504, ErrorServerError},
		{400, ErrorNonRetryable},
		{401, ErrorNonRetryable},
		{403, ErrorNonRetryable},
		{404, ErrorNonRetryable},
	}
	for _, tt := range tests {
		if got := KindForStatus(tt.status); got != tt.want {
			t.Errorf("KindForStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestUpstreamError_Retryable(t *testing.T) {
	tests := []struct {
		kind UpstreamErrorKind
		want bool
	}{
		{ErrorTimeout, true},
		{ErrorRateLimited, true},
		{ErrorServerError, true},
		{ErrorProfileIncomplete, false},
		{ErrorNonRetryable, false},
	}
	for _, tt := range tests {
		e := &UpstreamError{Kind: tt.kind, Operation: "fetch_profile"}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable() for %v = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestUpstreamError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	e := &UpstreamError{Kind: ErrorTimeout, Operation: "refresh", Err: inner}

	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
	if e.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestWrapTransportError_RetrieveError(t *testing.T) {
	retrieveErr := &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: 503},
	}
	wrapped := fmt.Errorf("oauth2: %w", retrieveErr)

	ue := WrapTransportError("exchange_code", wrapped)
	if ue.Kind != ErrorServerError {
		t.Errorf("Kind = %v, want %v", ue.Kind, ErrorServerError)
	}
	if ue.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", ue.StatusCode)
	}
}

func TestWrapTransportError_Timeout(t *testing.T) {
	ue := WrapTransportError("refresh", context.DeadlineExceeded)
	if ue.Kind != ErrorTimeout {
		t.Errorf("Kind = %v, want %v", ue.Kind, ErrorTimeout)
	}
}

func TestWrapTransportError_Generic(t *testing.T) {
	ue := WrapTransportError("refresh", errors.New("boom"))
	if ue.Kind != ErrorNonRetryable {
		t.Errorf("Kind = %v, want %v", ue.Kind, ErrorNonRetryable)
	}
}

func TestRetry_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &UpstreamError{Kind: ErrorServerError, Operation: "fetch_profile", StatusCode: 503}
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &UpstreamError{Kind: ErrorNonRetryable, Operation: "fetch_profile", StatusCode: 403}
	}, nil)
	if err == nil {
		t.Fatal("Retry() should fail")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	retries := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &UpstreamError{Kind: ErrorRateLimited, Operation: "fetch_profile", StatusCode: 429}
	}, func(attempt int, err error) {
		retries++
	})
	if err == nil {
		t.Fatal("Retry() should fail after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if retries != 2 {
		t.Errorf("onRetry invocations = %d, want 2", retries)
	}

	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.Kind != ErrorRateLimited {
		t.Errorf("err = %v, want rate_limited upstream error", err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, 10*time.Second, func() error {
		return &UpstreamError{Kind: ErrorServerError, Operation: "fetch_profile", StatusCode: 500}
	}, nil)
	if err == nil {
		t.Fatal("Retry() should fail when the context is cancelled")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetry_PlainErrorNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errors.New("not an upstream error")
	}, nil)
	if err == nil {
		t.Fatal("Retry() should fail")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
