package recon

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/smartzhq/smartz-payments/internal/ledger"
	"github.com/smartzhq/smartz-payments/internal/payment"
)

// Ledger is the store surface the machine reconciles against. Atomicity of
// the upsert under the (provider, reference) unique key is the machine's
// only serialization point; multiple process instances may apply outcomes
// for the same reference concurrently.
type Ledger interface {
	GetOrder(ctx context.Context, id string) (*ledger.Order, error)
	UpdateOrderPayment(ctx context.Context, arg ledger.UpdateOrderPaymentParams) (bool, error)
	UpsertTransaction(ctx context.Context, arg ledger.UpsertTransactionParams) (*ledger.Transaction, ledger.TransactionStatus, error)
	FlagTransactionForReview(ctx context.Context, provider, reference string) error
	GetOrderContact(ctx context.Context, orderID string) (*ledger.Contact, error)
}

// Notifier receives the best-effort signal after an order transition. Its
// failure never rolls back or delays the transition.
type Notifier interface {
	PaymentSucceeded(notice PaymentNotice)
	PaymentFailed(notice PaymentNotice)
}

type PaymentNotice struct {
	OrderID   string
	Reference string
	Email     string
	Name      string
	Amount    int64
	Currency  string
}

type Machine struct {
	ledger   Ledger
	notifier Notifier // nil disables the hook
}

func NewMachine(l Ledger, n Notifier) *Machine {
	return &Machine{ledger: l, notifier: n}
}

type ApplyInput struct {
	Provider  string
	Reference string
	Outcome   payment.Outcome
	Amount    int64
	Currency  string
	OrderID   string // from provider metadata when present
	Raw       []byte
}

type Result struct {
	TransactionID uuid.UUID
	OrderID       string
	Status        ledger.TransactionStatus
	Replayed      bool
	Conflict      bool
	Orphaned      bool
}

// Apply drives one verified payment outcome to its terminal effect on the
// order and transaction pair, exactly once. Duplicate deliveries replay
// without re-recording, but still drive the order update so a redelivery
// repairs an order left unpaid by an earlier update failure; conflicting
// terminal outcomes fail closed and are flagged for manual review; unknown
// references are recorded as orphaned transactions.
func (m *Machine) Apply(ctx context.Context, in ApplyInput) (*Result, error) {
	if in.Reference == "" {
		return nil, fmt.Errorf("recon: reference is required")
	}
	if in.Outcome != payment.OutcomeSuccess && in.Outcome != payment.OutcomeFailure {
		return nil, fmt.Errorf("recon: outcome %q is not terminal", in.Outcome)
	}

	order := m.resolveOrder(ctx, in)

	status := ledger.TransactionFailed
	if in.Outcome == payment.OutcomeSuccess {
		status = ledger.TransactionSuccess
	}

	arg := ledger.UpsertTransactionParams{
		Amount:    in.Amount,
		Currency:  in.Currency,
		Provider:  in.Provider,
		Reference: in.Reference,
		Status:    status,
		Metadata:  in.Raw,
	}
	if order != nil {
		arg.OrderID = &order.ID
	}

	txn, prev, err := m.upsertWithRetry(ctx, arg)
	if err != nil {
		return nil, &LedgerError{Op: "transaction upsert", Err: err}
	}

	res := &Result{
		TransactionID: txn.ID,
		Status:        txn.Status,
	}
	if txn.OrderID != nil {
		res.OrderID = *txn.OrderID
	}

	if prev.Terminal() && prev != status {
		// Conflicting terminal outcomes: keep the recorded one, flag the row.
		res.Conflict = true
		if err := m.ledger.FlagTransactionForReview(ctx, in.Provider, in.Reference); err != nil {
			log.Printf("Failed to flag conflicting transaction %s/%s: %v", in.Provider, in.Reference, err)
		}
		return res, nil
	}
	res.Replayed = prev.Terminal()

	if order == nil {
		res.Orphaned = true
		if !res.Replayed {
			if err := m.ledger.FlagTransactionForReview(ctx, in.Provider, in.Reference); err != nil {
				log.Printf("Failed to flag orphaned transaction %s/%s: %v", in.Provider, in.Reference, err)
			}
		}
		return res, nil
	}

	// A replay reaches this update too: the unpaid guard makes it a no-op
	// once the order has transitioned, and it repairs an order the previous
	// delivery recorded a terminal transaction for but failed to update.
	update := ledger.UpdateOrderPaymentParams{
		OrderID:       order.ID,
		PaymentStatus: ledger.PaymentPaid,
		Status:        ledger.OrderProcessing,
	}
	if in.Outcome == payment.OutcomeFailure {
		update.PaymentStatus = ledger.PaymentFailed
		update.Status = ledger.OrderCancelled
	}

	transitioned, err := m.updateOrderWithRetry(ctx, update)
	if err != nil {
		// The transaction row is already the source of truth for what the
		// provider reported; surface the failure so the sender retries.
		return res, &LedgerError{Op: "order update", Err: err}
	}

	if transitioned {
		m.emitNotice(ctx, order, in)
	}

	return res, nil
}

func (m *Machine) resolveOrder(ctx context.Context, in ApplyInput) *ledger.Order {
	orderID := in.OrderID
	if orderID == "" {
		orderID, _ = payment.OrderIDFromReference(in.Reference)
	}
	if orderID == "" {
		return nil
	}

	order, err := m.ledger.GetOrder(ctx, orderID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			log.Printf("Failed to look up order %s: %v", orderID, err)
		}
		return nil
	}
	return order
}

func (m *Machine) upsertWithRetry(ctx context.Context, arg ledger.UpsertTransactionParams) (*ledger.Transaction, ledger.TransactionStatus, error) {
	txn, prev, err := m.ledger.UpsertTransaction(ctx, arg)
	if err != nil {
		txn, prev, err = m.ledger.UpsertTransaction(ctx, arg)
	}
	return txn, prev, err
}

func (m *Machine) updateOrderWithRetry(ctx context.Context, arg ledger.UpdateOrderPaymentParams) (bool, error) {
	transitioned, err := m.ledger.UpdateOrderPayment(ctx, arg)
	if err != nil {
		transitioned, err = m.ledger.UpdateOrderPayment(ctx, arg)
	}
	return transitioned, err
}

func (m *Machine) emitNotice(ctx context.Context, order *ledger.Order, in ApplyInput) {
	if m.notifier == nil {
		return
	}

	notice := PaymentNotice{
		OrderID:   order.ID,
		Reference: in.Reference,
		Amount:    in.Amount,
		Currency:  in.Currency,
	}
	if notice.Amount == 0 {
		notice.Amount = order.Amount
	}
	if notice.Currency == "" {
		notice.Currency = order.Currency
	}

	contact, err := m.ledger.GetOrderContact(ctx, order.ID)
	if err != nil {
		log.Printf("Failed to get contact for order %s: %v", order.ID, err)
		return
	}
	notice.Email = contact.Email
	notice.Name = contact.Name

	if in.Outcome == payment.OutcomeSuccess {
		go m.notifier.PaymentSucceeded(notice)
	} else {
		go m.notifier.PaymentFailed(notice)
	}
}
