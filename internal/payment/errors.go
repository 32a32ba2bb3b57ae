package payment

import (
	"errors"
	"fmt"
)

// ErrMissingCredentials is returned by provider constructors when a secret is
// absent. Callers must treat it as fatal configuration, never retry it.
var ErrMissingCredentials = errors.New("payment: missing provider credentials")

// ErrSignatureMismatch is returned when a webhook payload fails signature
// verification. No ledger mutation may happen after this error.
var ErrSignatureMismatch = errors.New("payment: webhook signature mismatch")

// ProviderError carries a non-2xx or application-level failure from the
// external provider, surfaced to the caller verbatim.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}
