package repositories

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	Refunds() RefundRepository
	GiftCards() GiftCardRepository
	Inventory() InventoryRepository
	Catalog() CatalogRepository
	TaxRules() TaxRuleRepository
	Discounts() DiscountRuleRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories invoked with
// the context passed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates including their line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	// Update persists the order and bumps its version. The stored version must equal
	// order.Version or a conflict error is returned.
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, tenantID, orderID string) (domain.Order, error)
	// FindForUpdate loads the order and, inside a transaction, locks it against concurrent writers
	// until the transaction ends.
	FindForUpdate(ctx context.Context, tenantID, orderID string) (domain.Order, error)
}

// PaymentRepository stores immutable payment entries.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Delete(ctx context.Context, tenantID, orderID, paymentID string) error
	FindByID(ctx context.Context, tenantID, orderID, paymentID string) (domain.Payment, error)
	// ListByOrder returns payments ordered by paid-at ascending.
	ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Payment, error)
}

// RefundRepository stores refund records with their per-payment lines.
type RefundRepository interface {
	Insert(ctx context.Context, refund domain.Refund) error
	ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Refund, error)
}

// GiftCardRepository mutates gift card balances atomically with the caller's transaction.
type GiftCardRepository interface {
	FindByCode(ctx context.Context, tenantID, code string) (domain.GiftCard, error)
	Debit(ctx context.Context, req GiftCardDebitRequest) (domain.GiftCard, error)
	Credit(ctx context.Context, req GiftCardCreditRequest) (domain.GiftCard, error)
}

// GiftCardDebitRequest redeems amount from the card identified by code.
type GiftCardDebitRequest struct {
	TenantID string
	Code     string
	Amount   decimal.Decimal
	Now      time.Time
}

// GiftCardCreditRequest returns amount to the card identified by code.
type GiftCardCreditRequest struct {
	TenantID string
	Code     string
	Amount   decimal.Decimal
	Now      time.Time
}

// InventoryRepository reads and decrements stock buckets.
type InventoryRepository interface {
	// ListBuckets returns the product's buckets ordered by bucket id.
	ListBuckets(ctx context.Context, tenantID, productID string) ([]domain.InventoryBucket, error)
	// Decrement subtracts qty from the bucket. It fails with InventoryErrorInsufficientStock
	// when the bucket holds less than qty at write time.
	Decrement(ctx context.Context, tenantID, bucketID string, qty int, now time.Time) (domain.InventoryBucket, error)
}

// CatalogRepository resolves products referenced by order lines.
type CatalogRepository interface {
	GetProduct(ctx context.Context, tenantID, productID string) (domain.Product, error)
}

// TaxRuleRepository lists tax rules in effect for a tenant.
type TaxRuleRepository interface {
	ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.TaxRule, error)
}

// DiscountRuleRepository lists and resolves tenant discounts.
type DiscountRuleRepository interface {
	ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.DiscountRule, error)
	FindByID(ctx context.Context, tenantID, discountID string) (domain.DiscountRule, error)
}

// HealthRepository aggregates dependency probes for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
