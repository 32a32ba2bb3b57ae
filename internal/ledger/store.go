package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an order or transaction does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Store owns all queries against the orders and transactions tables. The
// unique (provider, reference) key on transactions is the sole serialization
// point for concurrent notifications; no in-memory locking is layered on top.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const orderColumns = `id, user_id, amount, currency, payment_status, status, payment_reference, payment_provider, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.Amount,
		&o.Currency,
		&o.PaymentStatus,
		&o.Status,
		&o.PaymentReference,
		&o.PaymentProvider,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, reference)
	return scanOrder(row)
}

type SetOrderPaymentInfoParams struct {
	OrderID   string
	Reference string
	Provider  string
}

// SetOrderPaymentInfo stamps the order with the reference and provider chosen
// at initialize time.
func (s *Store) SetOrderPaymentInfo(ctx context.Context, arg SetOrderPaymentInfoParams) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET payment_reference = $2, payment_provider = $3, updated_at = now() WHERE id = $1`,
		arg.OrderID, arg.Reference, arg.Provider)
	if err != nil {
		return fmt.Errorf("failed to set payment info: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type UpdateOrderPaymentParams struct {
	OrderID       string
	PaymentStatus PaymentStatus
	Status        OrderStatus
}

// UpdateOrderPayment advances the order's payment state. The guard on
// payment_status = 'unpaid' makes the transition monotonic: a terminal state
// is never overwritten, and the returned bool reports whether this call was
// the one that performed the transition.
func (s *Store) UpdateOrderPayment(ctx context.Context, arg UpdateOrderPaymentParams) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET payment_status = $2, status = $3, updated_at = now()
		 WHERE id = $1 AND payment_status = 'unpaid'`,
		arg.OrderID, arg.PaymentStatus, arg.Status)
	if err != nil {
		return false, fmt.Errorf("failed to update order payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const transactionColumns = `id, order_id, amount, currency, provider, reference, status, metadata, review_required, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.Amount,
		&t.Currency,
		&t.Provider,
		&t.Reference,
		&t.Status,
		&t.Metadata,
		&t.ReviewRequired,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return &t, nil
}

type UpsertTransactionParams struct {
	OrderID   *string
	Amount    int64
	Currency  string
	Provider  string
	Reference string
	Status    TransactionStatus
	Metadata  []byte
}

// UpsertTransaction is the atomic insert-or-update-by-unique-key primitive
// the reconciliation state machine builds on. It returns the row as stored
// and the status the row held before this call ("" when the row was
// created). A terminal status is never overwritten; conflicting outcomes are
// reported through the previous status so the caller can decide.
func (s *Store) UpsertTransaction(ctx context.Context, arg UpsertTransactionParams) (*Transaction, TransactionStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`INSERT INTO transactions (id, order_id, amount, currency, provider, reference, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		 ON CONFLICT (provider, reference) DO NOTHING
		 RETURNING `+transactionColumns,
		uuid.New(), arg.OrderID, arg.Amount, arg.Currency, arg.Provider, arg.Reference, arg.Status, arg.Metadata)

	created, err := scanTransaction(row)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, "", fmt.Errorf("failed to commit: %w", err)
		}
		return created, "", nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	// Row already exists; lock it so racing notifications serialize here.
	existing, err := scanTransaction(tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider = $1 AND reference = $2 FOR UPDATE`,
		arg.Provider, arg.Reference))
	if err != nil {
		return nil, "", err
	}

	prev := existing.Status
	result := existing

	if !prev.Terminal() && arg.Status != prev {
		result, err = scanTransaction(tx.QueryRow(ctx,
			`UPDATE transactions
			 SET status = $3, metadata = $4, order_id = COALESCE(order_id, $5), updated_at = now()
			 WHERE provider = $1 AND reference = $2
			 RETURNING `+transactionColumns,
			arg.Provider, arg.Reference, arg.Status, arg.Metadata, arg.OrderID))
		if err != nil {
			return nil, "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("failed to commit: %w", err)
	}
	return result, prev, nil
}

// FlagTransactionForReview marks a row for manual reconciliation, used for
// orphaned references and conflicting terminal outcomes.
func (s *Store) FlagTransactionForReview(ctx context.Context, provider, reference string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET review_required = true, updated_at = now() WHERE provider = $1 AND reference = $2`,
		provider, reference)
	if err != nil {
		return fmt.Errorf("failed to flag transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) collectTransactions(ctx context.Context, query string, args ...interface{}) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return txns, nil
}

// ListStalePendingTransactions returns pending rows older than the cutoff,
// for the out-of-band reconciliation sweep.
func (s *Store) ListStalePendingTransactions(ctx context.Context, olderThan time.Duration, limit int32) ([]Transaction, error) {
	cutoff := time.Now().Add(-olderThan)
	return s.collectTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		cutoff, limit)
}

// ListUnsettledTransactions returns terminal transactions whose owning order
// is still unpaid. Such rows exist when the order update failed after the
// transaction row committed; the sweep re-applies them until the order
// transitions.
func (s *Store) ListUnsettledTransactions(ctx context.Context, limit int32) ([]Transaction, error) {
	return s.collectTransactions(ctx,
		`SELECT t.id, t.order_id, t.amount, t.currency, t.provider, t.reference, t.status, t.metadata, t.review_required, t.created_at, t.updated_at
		 FROM transactions t
		 JOIN orders o ON o.id = t.order_id
		 WHERE t.status <> 'pending' AND t.review_required = false AND o.payment_status = 'unpaid'
		 ORDER BY t.updated_at ASC
		 LIMIT $1`,
		limit)
}

// ListReviewTransactions returns rows flagged for manual reconciliation.
func (s *Store) ListReviewTransactions(ctx context.Context, limit int32) ([]Transaction, error) {
	return s.collectTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE review_required = true
		 ORDER BY updated_at DESC
		 LIMIT $1`,
		limit)
}

// GetOrderContact reads the owning user's notification address.
func (s *Store) GetOrderContact(ctx context.Context, orderID string) (*Contact, error) {
	var c Contact
	err := s.pool.QueryRow(ctx,
		`SELECT u.email, u.full_name FROM orders o JOIN users u ON u.id = o.user_id WHERE o.id = $1`,
		orderID).Scan(&c.Email, &c.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order contact: %w", err)
	}
	return &c, nil
}
