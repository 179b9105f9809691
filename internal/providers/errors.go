package providers

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the registry and adapters.
var (
	ErrNoProvider        = errors.New("providers: no provider configured")
	ErrCredentialMissing = errors.New("providers: credential missing")
)

// ProviderError wraps a wire-level failure with enough context to route it:
// which provider, which model, the HTTP status when known, and whether a
// retry is worthwhile.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s (%s): HTTP %d: %s", e.Provider, e.Model, e.Status, msg)
	}
	return fmt.Sprintf("%s (%s): %s", e.Provider, e.Model, msg)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure is transient: rate limits, server
// errors, timeouts, and connection resets qualify.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.Status == 429:
		return true
	case e.Status >= 500 && e.Status <= 599:
		return true
	case e.Status > 0:
		return false
	}
	msg := strings.ToLower(e.Error())
	for _, marker := range []string{
		"rate limit", "rate_limit", "too many requests",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
		"internal server error", "bad gateway", "service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func wrapProviderError(provider, model string, status int, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{Provider: provider, Model: model, Status: status, Cause: err}
}
