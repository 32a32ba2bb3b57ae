package ledger

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
	PaymentFailed PaymentStatus = "failed"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCancelled  OrderStatus = "cancelled"
)

type TransactionStatus string

const (
	TransactionPending TransactionStatus = "pending"
	TransactionSuccess TransactionStatus = "success"
	TransactionFailed  TransactionStatus = "failed"
)

// Terminal reports whether a transaction status may no longer change.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionSuccess || s == TransactionFailed
}

// Order is created by the checkout service before this core is invoked;
// this core only reads it and advances its payment state.
type Order struct {
	ID               string
	UserID           uuid.UUID
	Amount           int64 // minor currency units
	Currency         string
	PaymentStatus    PaymentStatus
	Status           OrderStatus
	PaymentReference *string
	PaymentProvider  *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transaction records one payment attempt outcome. (provider, reference) is
// unique; repeated notifications upsert the same row. Metadata holds the raw
// provider payload verbatim for audit and replay.
type Transaction struct {
	ID             uuid.UUID
	OrderID        *string // nil when the reference resolves to no known order
	Amount         int64
	Currency       string
	Provider       string
	Reference      string
	Status         TransactionStatus
	Metadata       []byte
	ReviewRequired bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Contact is the order owner's notification address, read from the account
// records this core does not own.
type Contact struct {
	Email string
	Name  string
}
