package chatclient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllProvidersExhausted is returned when every pool and fallback handle
// has failed.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// ProviderError wraps a backend failure with enough context to classify it.
type ProviderError struct {
	Handle     string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Handle, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Handle, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is worth retrying on the same
// handle. Rate limiting and server-side errors are transient; client errors
// such as bad auth are not.
func (e *ProviderError) Transient() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	if e.StatusCode >= 400 {
		return false
	}
	return isTransientMessage(e.Err)
}

// IsTransient classifies an error for the retry policy. Typed provider
// errors carry their own classification; anything else falls back to
// message inspection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Transient()
	}
	return isTransientMessage(err)
}

func isTransientMessage(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(msg, "econnreset") || strings.Contains(msg, "etimedout") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded") || strings.Contains(msg, "server busy") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}

	return false
}
