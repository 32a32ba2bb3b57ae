package recon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smartzhq/smartz-payments/internal/ledger"
	"github.com/smartzhq/smartz-payments/internal/payment"
)

type fakeLedger struct {
	mu               sync.Mutex
	orders           map[string]*ledger.Order
	txns             map[string]*ledger.Transaction
	flagged          map[string]bool
	contacts         map[string]*ledger.Contact
	failUpserts      int
	failOrderUpdates int
	orderUpdateCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		orders:   make(map[string]*ledger.Order),
		txns:     make(map[string]*ledger.Transaction),
		flagged:  make(map[string]bool),
		contacts: make(map[string]*ledger.Contact),
	}
}

func (f *fakeLedger) addOrder(id string, amount int64) {
	f.orders[id] = &ledger.Order{
		ID:            id,
		Amount:        amount,
		Currency:      "NGN",
		PaymentStatus: ledger.PaymentUnpaid,
		Status:        ledger.OrderPending,
	}
	f.contacts[id] = &ledger.Contact{Email: id + "@example.com", Name: "Customer"}
}

func (f *fakeLedger) GetOrder(ctx context.Context, id string) (*ledger.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	copied := *o
	return &copied, nil
}

func (f *fakeLedger) UpdateOrderPayment(ctx context.Context, arg ledger.UpdateOrderPaymentParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderUpdateCalls++
	if f.failOrderUpdates > 0 {
		f.failOrderUpdates--
		return false, errors.New("connection reset")
	}
	o, ok := f.orders[arg.OrderID]
	if !ok || o.PaymentStatus != ledger.PaymentUnpaid {
		return false, nil
	}
	o.PaymentStatus = arg.PaymentStatus
	o.Status = arg.Status
	return true, nil
}

func (f *fakeLedger) UpsertTransaction(ctx context.Context, arg ledger.UpsertTransactionParams) (*ledger.Transaction, ledger.TransactionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts > 0 {
		f.failUpserts--
		return nil, "", errors.New("connection reset")
	}

	key := arg.Provider + "|" + arg.Reference
	existing, ok := f.txns[key]
	if !ok {
		t := &ledger.Transaction{
			ID:        uuid.New(),
			OrderID:   arg.OrderID,
			Amount:    arg.Amount,
			Currency:  arg.Currency,
			Provider:  arg.Provider,
			Reference: arg.Reference,
			Status:    arg.Status,
			Metadata:  arg.Metadata,
		}
		f.txns[key] = t
		copied := *t
		return &copied, "", nil
	}

	prev := existing.Status
	if !prev.Terminal() && arg.Status != prev {
		existing.Status = arg.Status
		existing.Metadata = arg.Metadata
		if existing.OrderID == nil {
			existing.OrderID = arg.OrderID
		}
	}
	copied := *existing
	return &copied, prev, nil
}

func (f *fakeLedger) FlagTransactionForReview(ctx context.Context, provider, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagged[provider+"|"+reference] = true
	return nil
}

func (f *fakeLedger) GetOrderContact(ctx context.Context, orderID string) (*ledger.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[orderID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return c, nil
}

type fakeNotifier struct {
	notices  chan PaymentNotice
	failures chan PaymentNotice
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		notices:  make(chan PaymentNotice, 8),
		failures: make(chan PaymentNotice, 8),
	}
}

func (f *fakeNotifier) PaymentSucceeded(notice PaymentNotice) {
	f.notices <- notice
}

func (f *fakeNotifier) PaymentFailed(notice PaymentNotice) {
	f.failures <- notice
}

func (f *fakeNotifier) await(t *testing.T) PaymentNotice {
	t.Helper()
	select {
	case n := <-f.notices:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for notification")
		return PaymentNotice{}
	}
}

func (f *fakeNotifier) awaitFailure(t *testing.T) PaymentNotice {
	t.Helper()
	select {
	case n := <-f.failures:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for failure notification")
		return PaymentNotice{}
	}
}

func (f *fakeNotifier) assertNone(t *testing.T) {
	t.Helper()
	select {
	case n := <-f.notices:
		t.Fatalf("Unexpected success notification for order %s", n.OrderID)
	case n := <-f.failures:
		t.Fatalf("Unexpected failure notification for order %s", n.OrderID)
	case <-time.After(50 * time.Millisecond):
	}
}

func successInput(reference string) ApplyInput {
	return ApplyInput{
		Provider:  "paystack",
		Reference: reference,
		Outcome:   payment.OutcomeSuccess,
		Amount:    5000,
		Currency:  "NGN",
		Raw:       []byte(`{"event":"charge.success"}`),
	}
}

func TestApplySuccessTransitionsOrder(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	fn := newFakeNotifier()
	m := NewMachine(fl, fn)

	reference := payment.GenerateReference("ord_1")
	res, err := m.Apply(context.Background(), successInput(reference))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if res.Status != ledger.TransactionSuccess {
		t.Errorf("Expected transaction status success, got %s", res.Status)
	}
	if res.OrderID != "ord_1" {
		t.Errorf("Expected order id resolved from reference, got %q", res.OrderID)
	}

	order, _ := fl.GetOrder(context.Background(), "ord_1")
	if order.PaymentStatus != ledger.PaymentPaid {
		t.Errorf("Expected payment status paid, got %s", order.PaymentStatus)
	}
	if order.Status != ledger.OrderProcessing {
		t.Errorf("Expected order status processing, got %s", order.Status)
	}

	notice := fn.await(t)
	if notice.OrderID != "ord_1" || notice.Amount != 5000 {
		t.Errorf("Unexpected notification %+v", notice)
	}
}

func TestApplyFailureCancelsOrder(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_2", 7000)
	fn := newFakeNotifier()
	m := NewMachine(fl, fn)

	in := successInput(payment.GenerateReference("ord_2"))
	in.Outcome = payment.OutcomeFailure

	res, err := m.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Status != ledger.TransactionFailed {
		t.Errorf("Expected transaction status failed, got %s", res.Status)
	}

	order, _ := fl.GetOrder(context.Background(), "ord_2")
	if order.PaymentStatus != ledger.PaymentFailed {
		t.Errorf("Expected payment status failed, got %s", order.PaymentStatus)
	}
	if order.Status != ledger.OrderCancelled {
		t.Errorf("Expected order status cancelled, got %s", order.Status)
	}

	notice := fn.awaitFailure(t)
	if notice.OrderID != "ord_2" {
		t.Errorf("Unexpected failure notification %+v", notice)
	}
	fn.assertNone(t)
}

func TestApplyIdempotentReplay(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	fn := newFakeNotifier()
	m := NewMachine(fl, fn)

	in := successInput(payment.GenerateReference("ord_1"))

	first, err := m.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("First Apply() error = %v", err)
	}
	fn.await(t)

	second, err := m.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("Second Apply() error = %v", err)
	}

	if !second.Replayed {
		t.Error("Expected second delivery to be reported as a replay")
	}
	if second.TransactionID != first.TransactionID {
		t.Error("Expected replay to touch the same transaction row")
	}
	if len(fl.txns) != 1 {
		t.Errorf("Expected exactly one transaction row, got %d", len(fl.txns))
	}

	fn.assertNone(t)
}

func TestApplyConflictFailsClosed(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	m := NewMachine(fl, nil)

	in := successInput(payment.GenerateReference("ord_1"))
	if _, err := m.Apply(context.Background(), in); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	conflicting := in
	conflicting.Outcome = payment.OutcomeFailure

	res, err := m.Apply(context.Background(), conflicting)
	if err != nil {
		t.Fatalf("Conflicting Apply() error = %v", err)
	}

	if !res.Conflict {
		t.Error("Expected conflict to be reported")
	}
	if res.Status != ledger.TransactionSuccess {
		t.Errorf("Expected recorded status to survive, got %s", res.Status)
	}
	if !fl.flagged["paystack|"+in.Reference] {
		t.Error("Expected conflicting transaction to be flagged for review")
	}

	order, _ := fl.GetOrder(context.Background(), "ord_1")
	if order.PaymentStatus != ledger.PaymentPaid {
		t.Errorf("Expected order to stay paid, got %s", order.PaymentStatus)
	}
}

func TestApplyOrphanReference(t *testing.T) {
	fl := newFakeLedger()
	m := NewMachine(fl, nil)

	in := successInput("smartz_ghost_1_ab")

	res, err := m.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !res.Orphaned {
		t.Error("Expected orphaned result")
	}
	if res.OrderID != "" {
		t.Errorf("Expected no order id on orphan, got %q", res.OrderID)
	}
	if len(fl.txns) != 1 {
		t.Errorf("Expected orphaned transaction recorded, got %d rows", len(fl.txns))
	}
	if !fl.flagged["paystack|smartz_ghost_1_ab"] {
		t.Error("Expected orphaned transaction flagged for review")
	}
}

func TestApplyUnparseableReference(t *testing.T) {
	fl := newFakeLedger()
	m := NewMachine(fl, nil)

	res, err := m.Apply(context.Background(), successInput("PSK_totally_foreign"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !res.Orphaned {
		t.Error("Expected orphaned result for foreign reference")
	}
}

func TestApplyMetadataOrderIDWins(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_meta", 5000)
	m := NewMachine(fl, nil)

	in := successInput("PSK_totally_foreign")
	in.OrderID = "ord_meta"

	res, err := m.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Orphaned {
		t.Error("Expected metadata order id to resolve the order")
	}
	if res.OrderID != "ord_meta" {
		t.Errorf("Expected order id 'ord_meta', got %q", res.OrderID)
	}
}

func TestApplyRetriesLedgerOnce(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	fl.failUpserts = 1
	m := NewMachine(fl, nil)

	if _, err := m.Apply(context.Background(), successInput(payment.GenerateReference("ord_1"))); err != nil {
		t.Fatalf("Expected single upsert failure to be retried, got %v", err)
	}
}

func TestApplySurfacesLedgerFailure(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	fl.failUpserts = 2
	m := NewMachine(fl, nil)

	_, err := m.Apply(context.Background(), successInput(payment.GenerateReference("ord_1")))

	var lErr *LedgerError
	if !errors.As(err, &lErr) {
		t.Fatalf("Expected LedgerError after retry exhausted, got %v", err)
	}
}

func TestApplyOrderUpdateFailureSurfaced(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	fl.failOrderUpdates = 2
	fn := newFakeNotifier()
	m := NewMachine(fl, fn)

	res, err := m.Apply(context.Background(), successInput(payment.GenerateReference("ord_1")))

	var lErr *LedgerError
	if !errors.As(err, &lErr) {
		t.Fatalf("Expected LedgerError for order update, got %v", err)
	}
	// The transaction remains the record of what the provider reported.
	if res == nil || res.Status != ledger.TransactionSuccess {
		t.Fatal("Expected transaction result to accompany the error")
	}

	fn.assertNone(t)
}

func TestApplyReplayRepairsFailedOrderUpdate(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	fl.failOrderUpdates = 2
	fn := newFakeNotifier()
	m := NewMachine(fl, fn)

	in := successInput(payment.GenerateReference("ord_1"))

	_, err := m.Apply(context.Background(), in)
	var lErr *LedgerError
	if !errors.As(err, &lErr) {
		t.Fatalf("Expected LedgerError on first delivery, got %v", err)
	}

	// Redelivery of the same outcome must finish the order transition the
	// first delivery could not, not just acknowledge the replay.
	res, err := m.Apply(context.Background(), in)
	if err != nil {
		t.Fatalf("Redelivered Apply() error = %v", err)
	}
	if !res.Replayed {
		t.Error("Expected redelivery to be reported as a replay")
	}

	order, _ := fl.GetOrder(context.Background(), "ord_1")
	if order.PaymentStatus != ledger.PaymentPaid {
		t.Errorf("Expected redelivery to mark the order paid, got %s", order.PaymentStatus)
	}
	if order.Status != ledger.OrderProcessing {
		t.Errorf("Expected order status processing, got %s", order.Status)
	}

	notice := fn.await(t)
	if notice.OrderID != "ord_1" {
		t.Errorf("Unexpected notification %+v", notice)
	}
	fn.assertNone(t)
}

func TestApplyRejectsPendingOutcome(t *testing.T) {
	m := NewMachine(newFakeLedger(), nil)

	in := successInput("smartz_ord_1_1_ab")
	in.Outcome = payment.OutcomePending

	if _, err := m.Apply(context.Background(), in); err == nil {
		t.Error("Expected error for non-terminal outcome")
	}
}

func TestApplyCallbackRacesWebhook(t *testing.T) {
	fl := newFakeLedger()
	fl.addOrder("ord_1", 5000)
	fn := newFakeNotifier()
	m := NewMachine(fl, fn)

	in := successInput(payment.GenerateReference("ord_1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Apply(context.Background(), in)
		}()
	}
	wg.Wait()

	if len(fl.txns) != 1 {
		t.Errorf("Expected exactly one transaction row, got %d", len(fl.txns))
	}
	order, _ := fl.GetOrder(context.Background(), "ord_1")
	if order.PaymentStatus != ledger.PaymentPaid {
		t.Errorf("Expected order paid, got %s", order.PaymentStatus)
	}

	fn.await(t)
	fn.assertNone(t)
}
