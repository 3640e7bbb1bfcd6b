// Package firestore implements the repositories on Cloud Firestore. Tenant data lives under
// tenants/{tenantID}; payments, tender claims and refunds are subcollections of their order.
package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/ledgerpos/api/internal/platform/firestore"
	"github.com/ledgerpos/api/internal/repositories"
)

const (
	tenantsCollection   = "tenants"
	ordersCollection    = "orders"
	paymentsCollection  = "payments"
	tendersCollection   = "tenders"
	refundsCollection   = "refunds"
	giftCardsCollection = "giftCards"
	bucketsCollection   = "inventoryBuckets"
	productsCollection  = "products"
	taxRulesCollection  = "taxRules"
	discountsCollection = "discountRules"
)

// Store is the Firestore-backed repositories.Registry.
type Store struct {
	provider *pfirestore.Provider
	uow      *pfirestore.UnitOfWork
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore wires repositories on top of the provider.
func NewStore(provider *pfirestore.Provider, opts ...pfirestore.TxOption) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store: provider is required")
	}
	health, err := repositories.NewProbeHealthRepository([]repositories.Probe{{Name: "firestore", Check: provider.Ping}}, nil)
	if err != nil {
		return nil, err
	}
	return &Store{provider: provider, uow: pfirestore.NewUnitOfWork(provider, opts...), health: health}, nil
}

// RunInTx runs fn in a Firestore transaction. Repositories called with the transaction context
// read through the transaction; all reads must precede the first write.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.uow.RunInTx(ctx, fn)
}

// Close releases the provider.
func (s *Store) Close(ctx context.Context) error { return s.provider.Close(ctx) }

// Provider exposes the shared client provider for stores living next to the ledger.
func (s *Store) Provider() *pfirestore.Provider { return s.provider }

func (s *Store) Orders() repositories.OrderRepository           { return &OrderRepository{base{s.provider}} }
func (s *Store) Payments() repositories.PaymentRepository       { return &PaymentRepository{base{s.provider}} }
func (s *Store) Refunds() repositories.RefundRepository         { return &RefundRepository{base{s.provider}} }
func (s *Store) GiftCards() repositories.GiftCardRepository     { return &GiftCardRepository{base{s.provider}} }
func (s *Store) Inventory() repositories.InventoryRepository    { return &InventoryRepository{base{s.provider}} }
func (s *Store) Catalog() repositories.CatalogRepository        { return &CatalogRepository{base{s.provider}} }
func (s *Store) TaxRules() repositories.TaxRuleRepository       { return &TaxRuleRepository{base{s.provider}} }
func (s *Store) Discounts() repositories.DiscountRuleRepository { return &DiscountRepository{base{s.provider}} }
func (s *Store) Health() repositories.HealthRepository          { return s.health }

type base struct {
	provider *pfirestore.Provider
}

func (b base) tenant(ctx context.Context, tenantID string) (*firestore.DocumentRef, error) {
	client, err := b.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("firestore: tenant id is required")
	}
	return client.Collection(tenantsCollection).Doc(tenantID), nil
}

func (b base) collection(ctx context.Context, tenantID, name string) (*firestore.CollectionRef, error) {
	tenant, err := b.tenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return tenant.Collection(name), nil
}

func (b base) orderDoc(ctx context.Context, tenantID, orderID string) (*firestore.DocumentRef, error) {
	orders, err := b.collection(ctx, tenantID, ordersCollection)
	if err != nil {
		return nil, err
	}
	return orders.Doc(orderID), nil
}

// runTx joins the transaction in ctx or starts a new one.
func (b base) runTx(ctx context.Context, fn pfirestore.TxFunc) error {
	client, err := b.provider.Client(ctx)
	if err != nil {
		return err
	}
	return pfirestore.RunTransaction(ctx, client, fn)
}

// get reads through the transaction in ctx when present.
func get(ctx context.Context, ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	if tx := pfirestore.TxFromContext(ctx); tx != nil {
		return tx.Get(ref)
	}
	return ref.Get(ctx)
}

// documents runs the query through the transaction in ctx when present.
func documents(ctx context.Context, q firestore.Query) ([]*firestore.DocumentSnapshot, error) {
	if tx := pfirestore.TxFromContext(ctx); tx != nil {
		return tx.Documents(q).GetAll()
	}
	return q.Documents(ctx).GetAll()
}
