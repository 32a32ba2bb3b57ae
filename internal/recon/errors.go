package recon

import (
	"fmt"
)

// LedgerError wraps a persistence failure that survived the single
// synchronous retry. Webhook handlers answer 5xx on it so the provider's own
// retry policy drives redelivery; a notification is never acknowledged
// unless it was durably recorded.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}
