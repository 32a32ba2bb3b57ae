package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/smartzhq/smartz-payments/internal/ledger"
	"github.com/smartzhq/smartz-payments/internal/payment"
	"github.com/smartzhq/smartz-payments/internal/recon"
)

const sweepBatchSize = 500

// ReconcilePendingTransactions re-queries the provider for every transaction
// stuck in pending longer than the cutoff and applies the outcome through
// the state machine. Covers the lost-webhook and lost-callback cases; orders
// stranded behind an already-terminal transaction are handled by
// ReconcileUnsettledOrders.
func ReconcilePendingTransactions(store *ledger.Store, providers *payment.Registry, machine *recon.Machine, olderThan time.Duration) error {
	ctx := context.Background()

	txns, err := store.ListStalePendingTransactions(ctx, olderThan, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale transactions: %w", err)
	}

	if len(txns) == 0 {
		log.Println("No stale pending transactions to reconcile")
		return nil
	}

	reconciled := 0
	stillPending := 0
	for _, txn := range txns {
		provider, ok := providers.Get(txn.Provider)
		if !ok {
			log.Printf("No adapter configured for provider %s (reference %s)", txn.Provider, txn.Reference)
			continue
		}

		outcome, err := provider.Verify(ctx, txn.Reference)
		if err != nil {
			log.Printf("Verify failed for %s/%s: %v", txn.Provider, txn.Reference, err)
			continue
		}

		if outcome.Outcome == payment.OutcomePending {
			stillPending++
			continue
		}

		if _, err := machine.Apply(ctx, recon.ApplyInput{
			Provider:  txn.Provider,
			Reference: txn.Reference,
			Outcome:   outcome.Outcome,
			Amount:    outcome.Amount,
			Currency:  outcome.Currency,
			OrderID:   outcome.OrderID,
			Raw:       outcome.Raw,
		}); err != nil {
			var lErr *recon.LedgerError
			if errors.As(err, &lErr) {
				log.Printf("Ledger failure reconciling %s/%s, will retry next sweep: %v", txn.Provider, txn.Reference, err)
			} else {
				log.Printf("Failed to reconcile %s/%s: %v", txn.Provider, txn.Reference, err)
			}
			continue
		}
		reconciled++
	}

	log.Printf("Reconciled %d of %d stale transactions (%d still pending at provider)", reconciled, len(txns), stillPending)
	return nil
}

// ReconcileUnsettledOrders re-applies terminal transactions whose order never
// left unpaid. No provider round trip is needed: the transaction row already
// holds the verified outcome, and the machine's monotonic order update makes
// the replay safe to repeat until it lands.
func ReconcileUnsettledOrders(store *ledger.Store, machine *recon.Machine) error {
	ctx := context.Background()

	txns, err := store.ListUnsettledTransactions(ctx, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unsettled transactions: %w", err)
	}

	if len(txns) == 0 {
		return nil
	}

	repaired := 0
	for _, txn := range txns {
		outcome := payment.OutcomeFailure
		if txn.Status == ledger.TransactionSuccess {
			outcome = payment.OutcomeSuccess
		}

		in := recon.ApplyInput{
			Provider:  txn.Provider,
			Reference: txn.Reference,
			Outcome:   outcome,
			Amount:    txn.Amount,
			Currency:  txn.Currency,
			Raw:       txn.Metadata,
		}
		if txn.OrderID != nil {
			in.OrderID = *txn.OrderID
		}

		if _, err := machine.Apply(ctx, in); err != nil {
			log.Printf("Failed to settle order for %s/%s, will retry next sweep: %v", txn.Provider, txn.Reference, err)
			continue
		}
		repaired++
	}

	log.Printf("Settled %d of %d orders stranded behind terminal transactions", repaired, len(txns))
	return nil
}

// ReportReviewTransactions logs the rows flagged for manual reconciliation
// (orphaned references and conflicting terminal outcomes).
func ReportReviewTransactions(store *ledger.Store) error {
	ctx := context.Background()

	txns, err := store.ListReviewTransactions(ctx, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list review transactions: %w", err)
	}

	if len(txns) == 0 {
		log.Println("No transactions awaiting manual review")
		return nil
	}

	log.Printf("%d transactions awaiting manual review:", len(txns))
	for _, txn := range txns {
		orderID := "<orphaned>"
		if txn.OrderID != nil {
			orderID = *txn.OrderID
		}
		log.Printf("  %s/%s order=%s status=%s amount=%d %s", txn.Provider, txn.Reference, orderID, txn.Status, txn.Amount, txn.Currency)
	}
	return nil
}
