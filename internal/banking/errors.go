package banking

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for provider interactions.
var (
	// ErrInvalidGrant means the provider rejected an authorization code or
	// refresh token. The connection needs fresh user consent.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrProviderUnavailable covers provider 5xx responses and transport
	// failures. Safe to retry later.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// AuthError means the provider refused our credentials or the connection
// has no usable token. Never retryable without operator action.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// RateLimitError is a provider 429. RetryAfter is zero when the provider
// did not say how long to back off.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// ValidationError reports a rejected input before any provider call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

// ProviderNotFoundError means the bank code is not in the directory or is
// disabled.
type ProviderNotFoundError struct {
	Code string
}

func (e *ProviderNotFoundError) Error() string { return "unknown provider: " + e.Code }

// Retryable reports whether a failed provider call is worth retrying.
// Authorization and validation failures are permanent until a human acts.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var rl *RateLimitError
	return errors.As(err, &rl)
}
