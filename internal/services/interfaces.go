package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order            = domain.Order
	OrderItem        = domain.OrderItem
	OrderStatus      = domain.OrderStatus
	Payment          = domain.Payment
	Refund           = domain.Refund
	RefundLine       = domain.RefundLine
	PricingBreakdown = domain.PricingBreakdown
	InventoryBucket  = domain.InventoryBucket
)

// OrderService exposes the client-facing order workflow: building the order, placing it and
// cancelling it before payment.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	UpdateOrder(ctx context.Context, cmd UpdateOrderCommand) (Order, error)
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (Order, error)
}

// PaymentService records tenders against orders and keeps order status reconciled with them.
type PaymentService interface {
	CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (PaymentResult, error)
	CreateSplitPayments(ctx context.Context, cmd CreateSplitPaymentsCommand) (SplitPaymentResult, error)
	CreateCardIntent(ctx context.Context, cmd CreateCardIntentCommand) (CardIntent, error)
	DeletePayment(ctx context.Context, cmd DeletePaymentCommand) (PaymentBalance, error)
	ListPayments(ctx context.Context, tenantID, orderID string) ([]Payment, error)
	GetBalance(ctx context.Context, tenantID, orderID string) (PaymentBalance, error)
}

// RefundService reverses payments of paid orders.
type RefundService interface {
	ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (RefundResult, error)
	ListRefunds(ctx context.Context, tenantID, orderID string) ([]Refund, error)
}

// OrderLocker serialises multi-step operations on one order across service instances.
type OrderLocker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// OrderItemInput describes a line as submitted by the client. Unit prices are taken from the catalog.
type OrderItemInput struct {
	ProductID       string
	ModificationKey string
	Quantity        int
	Notes           string
}

// CreateOrderCommand opens a draft order at a spot.
type CreateOrderCommand struct {
	TenantID   string
	SpotID     string
	ActorID    string
	DiscountID string
	Items      []OrderItemInput
}

// UpdateOrderCommand replaces the items and/or discount reference of an open order. Nil fields are
// left untouched.
type UpdateOrderCommand struct {
	TenantID        string
	OrderID         string
	ActorID         string
	Items           *[]OrderItemInput
	DiscountID      *string
	ExpectedVersion *int64
}

// PlaceOrderCommand confirms a draft order.
type PlaceOrderCommand struct {
	TenantID string
	OrderID  string
	ActorID  string
}

// CancelOrderCommand cancels an order that has not been paid.
type CancelOrderCommand struct {
	TenantID string
	OrderID  string
	ActorID  string
	Reason   string
}

// TenderInput is one tender as submitted by the client. Only the fields of the selected method are
// read. A zero Amount on a cash tender settles as much of the balance as CashReceived covers.
type TenderInput struct {
	Method       string
	Amount       decimal.Decimal
	CashReceived decimal.Decimal
	IntentID     string
	GiftCardCode string
}

// CreatePaymentCommand records a single tender.
type CreatePaymentCommand struct {
	TenantID string
	OrderID  string
	ActorID  string
	Tender   TenderInput
}

// PaymentResult is returned after a tender is recorded.
type PaymentResult struct {
	Payment   Payment
	Order     Order
	TotalPaid decimal.Decimal
	Remaining decimal.Decimal
	Change    decimal.Decimal
}

// CreateSplitPaymentsCommand settles the remaining balance with several tenders at once.
type CreateSplitPaymentsCommand struct {
	TenantID string
	OrderID  string
	ActorID  string
	Tenders  []TenderInput
}

// SplitPaymentResult reports the payments created by a fully successful split.
type SplitPaymentResult struct {
	Payments  []Payment
	Order     Order
	TotalPaid decimal.Decimal
	Remaining decimal.Decimal
	Change    decimal.Decimal
}

// CreateCardIntentCommand asks the card gateway for an intent. A nil Amount requests the remaining
// balance.
type CreateCardIntentCommand struct {
	TenantID string
	OrderID  string
	ActorID  string
	Amount   *decimal.Decimal
}

// CardIntent is handed to the card reader or client SDK to collect the charge.
type CardIntent struct {
	IntentID     string
	ClientSecret string
	Amount       decimal.Decimal
	Currency     string
}

// DeletePaymentCommand reverses a payment on an order that is not yet paid.
type DeletePaymentCommand struct {
	TenantID  string
	OrderID   string
	PaymentID string
	ActorID   string
}

// PaymentBalance is the paid/remaining snapshot of an order.
type PaymentBalance struct {
	Order     Order
	Payments  []Payment
	TotalPaid decimal.Decimal
	Remaining decimal.Decimal
}

// ProcessRefundCommand refunds a paid order. A nil Amount refunds whatever has not been refunded yet.
type ProcessRefundCommand struct {
	TenantID string
	OrderID  string
	ActorID  string
	Amount   *decimal.Decimal
	Reason   string
}

// RefundResult reports the per-payment outcome of a refund.
type RefundResult struct {
	Refund        Refund
	Lines         []RefundLine
	TotalRefunded decimal.Decimal
	OrderStatus   OrderStatus
	Order         Order
}

// ReconcileOutcome is the status decision taken after the payments of an order changed.
type ReconcileOutcome struct {
	Order          Order
	PreviousStatus OrderStatus
	TotalPaid      decimal.Decimal
	Remaining      decimal.Decimal
	BecamePaid     bool
	Reverted       bool
	ReconciledAt   time.Time
}
