// Package memory provides an in-process repository backend. A single store mutex is held for the
// duration of RunInTx, which serialises writers the same way a row lock would, and writes made
// inside a failed transaction are rolled back from a snapshot.
package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

type txKey struct{}

// Store keeps every aggregate in maps keyed by tenant and id.
type Store struct {
	mu sync.Mutex

	orders    map[string]domain.Order
	payments  map[string][]domain.Payment
	refunds   map[string][]domain.Refund
	giftCards map[string]domain.GiftCard
	buckets   map[string]domain.InventoryBucket
	products  map[string]domain.Product
	taxRules  map[string][]domain.TaxRule
	discounts map[string][]domain.DiscountRule

	health repositories.HealthRepository
}

var _ repositories.Registry = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{
		orders:    map[string]domain.Order{},
		payments:  map[string][]domain.Payment{},
		refunds:   map[string][]domain.Refund{},
		giftCards: map[string]domain.GiftCard{},
		buckets:   map[string]domain.InventoryBucket{},
		products:  map[string]domain.Product{},
		taxRules:  map[string][]domain.TaxRule{},
		discounts: map[string][]domain.DiscountRule{},
	}
	s.health, _ = repositories.NewProbeHealthRepository([]repositories.Probe{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}, nil)
	return s
}

func key(tenantID, id string) string {
	return strings.TrimSpace(tenantID) + "/" + strings.TrimSpace(id)
}

// RunInTx runs fn while holding the store lock. Nested calls join the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("memory: transaction function is nil")
	}
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// lock acquires the store mutex unless the caller already holds it through RunInTx.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type snapshot struct {
	orders    map[string]domain.Order
	payments  map[string][]domain.Payment
	refunds   map[string][]domain.Refund
	giftCards map[string]domain.GiftCard
	buckets   map[string]domain.InventoryBucket
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		orders:    make(map[string]domain.Order, len(s.orders)),
		payments:  make(map[string][]domain.Payment, len(s.payments)),
		refunds:   make(map[string][]domain.Refund, len(s.refunds)),
		giftCards: maps.Clone(s.giftCards),
		buckets:   maps.Clone(s.buckets),
	}
	for k, o := range s.orders {
		snap.orders[k] = o.Clone()
	}
	for k, p := range s.payments {
		snap.payments[k] = slices.Clone(p)
	}
	for k, r := range s.refunds {
		snap.refunds[k] = slices.Clone(r)
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.orders = snap.orders
	s.payments = snap.payments
	s.refunds = snap.refunds
	s.giftCards = snap.giftCards
	s.buckets = snap.buckets
}

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository           { return orderRepository{s} }
func (s *Store) Payments() repositories.PaymentRepository       { return paymentRepository{s} }
func (s *Store) Refunds() repositories.RefundRepository         { return refundRepository{s} }
func (s *Store) GiftCards() repositories.GiftCardRepository     { return giftCardRepository{s} }
func (s *Store) Inventory() repositories.InventoryRepository    { return inventoryRepository{s} }
func (s *Store) Catalog() repositories.CatalogRepository        { return catalogRepository{s} }
func (s *Store) TaxRules() repositories.TaxRuleRepository       { return taxRuleRepository{s} }
func (s *Store) Discounts() repositories.DiscountRuleRepository { return discountRepository{s} }
func (s *Store) Health() repositories.HealthRepository          { return s.health }

// PutProduct seeds a catalog product.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[key(p.TenantID, p.ID)] = p
}

// PutGiftCard seeds or replaces a gift card.
func (s *Store) PutGiftCard(card domain.GiftCard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.giftCards[key(card.TenantID, strings.ToUpper(card.Code))] = card
}

// PutBucket seeds or replaces an inventory bucket.
func (s *Store) PutBucket(b domain.InventoryBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[key(b.TenantID, b.ID)] = b
}

// PutTaxRule seeds a tax rule.
func (s *Store) PutTaxRule(r domain.TaxRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taxRules[r.TenantID] = append(s.taxRules[r.TenantID], r)
}

// PutDiscount seeds a discount rule.
func (s *Store) PutDiscount(d domain.DiscountRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discounts[d.TenantID] = append(s.discounts[d.TenantID], d)
}

type orderRepository struct{ s *Store }

func (r orderRepository) Insert(ctx context.Context, order domain.Order) error {
	defer r.s.lock(ctx)()
	k := key(order.TenantID, order.ID)
	if _, exists := r.s.orders[k]; exists {
		return repositories.NewConflictError("orders.insert", errors.New("order already exists"))
	}
	order.Version = 1
	r.s.orders[k] = order.Clone()
	return nil
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	defer r.s.lock(ctx)()
	k := key(order.TenantID, order.ID)
	current, ok := r.s.orders[k]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.update", "order")
	}
	if current.Version != order.Version {
		return domain.Order{}, repositories.NewConflictError("orders.update", errors.New("order version mismatch"))
	}
	order.Version++
	r.s.orders[k] = order.Clone()
	return order.Clone(), nil
}

func (r orderRepository) FindByID(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	defer r.s.lock(ctx)()
	order, ok := r.s.orders[key(tenantID, orderID)]
	if !ok {
		return domain.Order{}, repositories.NewNotFoundError("orders.find", "order")
	}
	return order.Clone(), nil
}

// FindForUpdate relies on the transaction already holding the store lock.
func (r orderRepository) FindForUpdate(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	return r.FindByID(ctx, tenantID, orderID)
}

type paymentRepository struct{ s *Store }

func (r paymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	defer r.s.lock(ctx)()
	k := key(payment.TenantID, payment.OrderID)
	for _, existing := range r.s.payments[k] {
		if existing.ID == payment.ID {
			return repositories.NewConflictError("payments.insert", errors.New("payment already exists"))
		}
		if tk := payment.TenderKey(); tk != "" && tk == existing.TenderKey() {
			return repositories.NewConflictError("payments.insert", errors.New("tender already used on order"))
		}
	}
	r.s.payments[k] = append(r.s.payments[k], payment)
	return nil
}

func (r paymentRepository) Delete(ctx context.Context, tenantID, orderID, paymentID string) error {
	defer r.s.lock(ctx)()
	k := key(tenantID, orderID)
	list := r.s.payments[k]
	idx := slices.IndexFunc(list, func(p domain.Payment) bool { return p.ID == paymentID })
	if idx < 0 {
		return repositories.NewNotFoundError("payments.delete", "payment")
	}
	r.s.payments[k] = slices.Delete(slices.Clone(list), idx, idx+1)
	return nil
}

func (r paymentRepository) FindByID(ctx context.Context, tenantID, orderID, paymentID string) (domain.Payment, error) {
	defer r.s.lock(ctx)()
	for _, p := range r.s.payments[key(tenantID, orderID)] {
		if p.ID == paymentID {
			return p, nil
		}
	}
	return domain.Payment{}, repositories.NewNotFoundError("payments.find", "payment")
}

func (r paymentRepository) ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Payment, error) {
	defer r.s.lock(ctx)()
	list := slices.Clone(r.s.payments[key(tenantID, orderID)])
	sort.SliceStable(list, func(i, j int) bool { return list[i].PaidAt.Before(list[j].PaidAt) })
	return list, nil
}

type refundRepository struct{ s *Store }

func (r refundRepository) Insert(ctx context.Context, refund domain.Refund) error {
	defer r.s.lock(ctx)()
	k := key(refund.TenantID, refund.OrderID)
	refund.Lines = slices.Clone(refund.Lines)
	r.s.refunds[k] = append(r.s.refunds[k], refund)
	return nil
}

func (r refundRepository) ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Refund, error) {
	defer r.s.lock(ctx)()
	return slices.Clone(r.s.refunds[key(tenantID, orderID)]), nil
}

type giftCardRepository struct{ s *Store }

func (r giftCardRepository) FindByCode(ctx context.Context, tenantID, code string) (domain.GiftCard, error) {
	defer r.s.lock(ctx)()
	card, ok := r.s.giftCards[key(tenantID, strings.ToUpper(code))]
	if !ok {
		return domain.GiftCard{}, repositories.NewNotFoundError("giftcards.find", "gift card")
	}
	return card, nil
}

func (r giftCardRepository) Debit(ctx context.Context, req repositories.GiftCardDebitRequest) (domain.GiftCard, error) {
	defer r.s.lock(ctx)()
	k := key(req.TenantID, strings.ToUpper(req.Code))
	card, ok := r.s.giftCards[k]
	if !ok {
		return domain.GiftCard{}, repositories.NewGiftCardError("giftcard.debit", repositories.GiftCardErrorNotFound, "gift card "+req.Code+" not found")
	}
	updated, err := repositories.ApplyGiftCardDebit(card, req.Amount, req.Now)
	if err != nil {
		return domain.GiftCard{}, err
	}
	r.s.giftCards[k] = updated
	return updated, nil
}

func (r giftCardRepository) Credit(ctx context.Context, req repositories.GiftCardCreditRequest) (domain.GiftCard, error) {
	defer r.s.lock(ctx)()
	k := key(req.TenantID, strings.ToUpper(req.Code))
	card, ok := r.s.giftCards[k]
	if !ok {
		return domain.GiftCard{}, repositories.NewGiftCardError("giftcard.credit", repositories.GiftCardErrorNotFound, "gift card "+req.Code+" not found")
	}
	updated, err := repositories.ApplyGiftCardCredit(card, req.Amount, req.Now)
	if err != nil {
		return domain.GiftCard{}, err
	}
	r.s.giftCards[k] = updated
	return updated, nil
}

type inventoryRepository struct{ s *Store }

func (r inventoryRepository) ListBuckets(ctx context.Context, tenantID, productID string) ([]domain.InventoryBucket, error) {
	defer r.s.lock(ctx)()
	var buckets []domain.InventoryBucket
	for _, b := range r.s.buckets {
		if b.TenantID == tenantID && b.ProductID == productID {
			buckets = append(buckets, b)
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].ID < buckets[j].ID })
	return buckets, nil
}

func (r inventoryRepository) Decrement(ctx context.Context, tenantID, bucketID string, qty int, now time.Time) (domain.InventoryBucket, error) {
	defer r.s.lock(ctx)()
	k := key(tenantID, bucketID)
	bucket, ok := r.s.buckets[k]
	if !ok {
		return domain.InventoryBucket{}, repositories.NewInventoryError("inventory.decrement", repositories.InventoryErrorBucketNotFound, "bucket "+bucketID+" not found", nil)
	}
	if bucket.OnHand < qty {
		return domain.InventoryBucket{}, repositories.NewInventoryError("inventory.decrement", repositories.InventoryErrorInsufficientStock, "bucket "+bucketID+" has insufficient stock", nil)
	}
	bucket.OnHand -= qty
	bucket.UpdatedAt = now
	r.s.buckets[k] = bucket
	return bucket, nil
}

type catalogRepository struct{ s *Store }

func (r catalogRepository) GetProduct(ctx context.Context, tenantID, productID string) (domain.Product, error) {
	defer r.s.lock(ctx)()
	p, ok := r.s.products[key(tenantID, productID)]
	if !ok {
		return domain.Product{}, repositories.NewNotFoundError("catalog.product", "product")
	}
	return p, nil
}

type taxRuleRepository struct{ s *Store }

func (r taxRuleRepository) ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.TaxRule, error) {
	defer r.s.lock(ctx)()
	var out []domain.TaxRule
	for _, rule := range r.s.taxRules[tenantID] {
		if rule.InEffect(now) {
			out = append(out, rule)
		}
	}
	return out, nil
}

type discountRepository struct{ s *Store }

func (r discountRepository) ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.DiscountRule, error) {
	defer r.s.lock(ctx)()
	var out []domain.DiscountRule
	for _, d := range r.s.discounts[tenantID] {
		if d.InEffect(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r discountRepository) FindByID(ctx context.Context, tenantID, discountID string) (domain.DiscountRule, error) {
	defer r.s.lock(ctx)()
	for _, d := range r.s.discounts[tenantID] {
		if d.ID == discountID {
			return d, nil
		}
	}
	return domain.DiscountRule{}, repositories.NewNotFoundError("discounts.find", "discount")
}
