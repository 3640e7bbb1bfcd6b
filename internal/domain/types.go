package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusDraft indicates the order is still being assembled at the spot.
	OrderStatusDraft OrderStatus = "draft"
	// OrderStatusPlaced indicates the order was confirmed and awaits settlement.
	OrderStatusPlaced OrderStatus = "placed"
	// OrderStatusPaid indicates recorded payments cover the order total.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusCancelled indicates the order was cancelled or fully refunded.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no outbound transition exists from the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusPlaced, OrderStatusPaid, OrderStatusCancelled:
		return true
	}
	return false
}

// Order is the tenant-scoped aggregate settled by payments.
type Order struct {
	ID           string
	TenantID     string
	SpotID       string
	CreatedBy    string
	Items        []OrderItem
	DiscountID   string
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	Tax          decimal.Decimal
	Status       OrderStatus
	CancelReason string
	PlacedAt     *time.Time
	PaidAt       *time.Time
	CancelledAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	// Version increments on every persisted write.
	Version int64
}

// Total is always derived from the stored components.
func (o Order) Total() decimal.Decimal {
	return o.Subtotal.Sub(o.Discount).Add(o.Tax)
}

// AwaitingPayment reports whether the order can still accept tenders.
func (o Order) AwaitingPayment() bool {
	return o.Status == OrderStatusDraft || o.Status == OrderStatusPlaced
}

// Clone returns a deep copy so callers can mutate items without aliasing.
func (o Order) Clone() Order {
	cloned := o
	cloned.Items = slices.Clone(o.Items)
	cloned.PlacedAt = cloneTime(o.PlacedAt)
	cloned.PaidAt = cloneTime(o.PaidAt)
	cloned.CancelledAt = cloneTime(o.CancelledAt)
	return cloned
}

// OrderItem is a line owned by an order. UnitPrice is captured when the line is added.
type OrderItem struct {
	ProductID       string
	ModificationKey string
	Quantity        int
	UnitPrice       decimal.Decimal
	Notes           string
}

// LineTotal returns unit price times quantity.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Product is the catalog view consumed by order validation.
type Product struct {
	ID        string
	TenantID  string
	Name      string
	Price     decimal.Decimal
	Available bool
}

// GiftCard is a stored-value tender. Balance changes only through debit and credit.
type GiftCard struct {
	TenantID       string
	Code           string
	Balance        decimal.Decimal
	OriginalAmount decimal.Decimal
	Active         bool
	ExpiresAt      *time.Time
	UpdatedAt      time.Time
}

// Expired reports whether the card expiry has passed at now.
func (g GiftCard) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// InventoryBucket tracks on-hand stock for a product, optionally per modification combination.
type InventoryBucket struct {
	ID              string
	TenantID        string
	ProductID       string
	ModificationKey string
	OnHand          int
	UpdatedAt       time.Time
}

// Unmodified reports whether the bucket holds stock with no modification applied.
func (b InventoryBucket) Unmodified() bool {
	return b.ModificationKey == ""
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
