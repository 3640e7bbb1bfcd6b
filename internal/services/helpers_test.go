package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/payments"
	"github.com/ledgerpos/api/internal/repositories/memory"
)

const testTenant = "tenant-1"

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func dec(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", value, err)
	}
	return d
}

func decPtr(t *testing.T, value string) *decimal.Decimal {
	d := dec(t, value)
	return &d
}

func assertAmount(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(t, want)) {
		t.Fatalf("%s: expected %s, got %s", label, want, got.String())
	}
}

func sequenceIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%04d", n)
	}
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

type captureLogs struct {
	mu     sync.Mutex
	events []string
	fields []map[string]any
}

func (c *captureLogs) log(_ context.Context, event string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.fields = append(c.fields, fields)
}

func (c *captureLogs) find(event string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.events {
		if e == event {
			return c.fields[i], true
		}
	}
	return nil, false
}

type stubGateway struct {
	mu        sync.Mutex
	intents   map[string]payments.Intent
	getErr    error
	refundErr error
	refunds   []payments.RefundRequest
	created   []payments.CreateIntentRequest
	lookups   int
}

func (g *stubGateway) CreateIntent(_ context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	return payments.Intent{ID: "pi_new", ClientSecret: "secret", Amount: req.Amount, Currency: req.Currency, Status: payments.IntentStatusPending}, nil
}

func (g *stubGateway) GetIntent(_ context.Context, req payments.LookupRequest) (payments.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookups++
	if g.getErr != nil {
		return payments.Intent{}, g.getErr
	}
	intent, ok := g.intents[req.IntentID]
	if !ok {
		return payments.Intent{}, payments.ErrIntentNotFound
	}
	return intent, nil
}

func (g *stubGateway) CreateRefund(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req)
	if g.refundErr != nil {
		return payments.Refund{}, g.refundErr
	}
	return payments.Refund{ID: fmt.Sprintf("re_%d", len(g.refunds)), Status: payments.RefundStatusSucceeded, Amount: req.Amount}, nil
}

type fixture struct {
	store      *memory.Store
	gateway    *stubGateway
	events     *captureOrderEvents
	logs       *captureLogs
	pricing    *PricingEngine
	machine    *OrderStateMachine
	reconciler *ReconciliationService
	orders     OrderService
	payments   PaymentService
	refunds    RefundService
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	gateway   bool
	inventory bool
}

func withoutGateway() fixtureOption {
	return func(c *fixtureConfig) { c.gateway = false }
}

func withInventory() fixtureOption {
	return func(c *fixtureConfig) { c.inventory = true }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{gateway: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := memory.NewStore()
	f := &fixture{
		store:   store,
		gateway: &stubGateway{intents: map[string]payments.Intent{}},
		events:  &captureOrderEvents{},
		logs:    &captureLogs{},
	}
	clock := func() time.Time { return testNow }
	ids := sequenceIDs()

	var err error
	f.pricing, err = NewPricingEngine(PricingEngineDeps{
		TaxRules:  store.TaxRules(),
		Discounts: store.Discounts(),
		Currency:  domain.MustParseCurrency("USD"),
		Clock:     clock,
		Logger:    f.logs.log,
	})
	if err != nil {
		t.Fatalf("pricing engine: %v", err)
	}
	f.machine, err = NewOrderStateMachine(store.Catalog())
	if err != nil {
		t.Fatalf("state machine: %v", err)
	}

	var inventory InventoryDeduction
	if cfg.inventory {
		deducter, err := NewInventoryDeducter(InventoryDeducterDeps{
			Inventory:  store.Inventory(),
			UnitOfWork: store,
			Clock:      clock,
			Logger:     f.logs.log,
		})
		if err != nil {
			t.Fatalf("inventory deducter: %v", err)
		}
		inventory = deducter
	}
	f.reconciler, err = NewReconciliationService(ReconciliationServiceDeps{
		StateMachine: f.machine,
		Inventory:    inventory,
		Events:       f.events,
		Clock:        clock,
		Logger:       f.logs.log,
	})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}

	f.orders, err = NewOrderService(OrderServiceDeps{
		Orders:       store.Orders(),
		Catalog:      store.Catalog(),
		Pricing:      f.pricing,
		StateMachine: f.machine,
		UnitOfWork:   store,
		Clock:        clock,
		IDGenerator:  ids,
		Events:       f.events,
		Logger:       f.logs.log,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}

	var gateway payments.Gateway
	if cfg.gateway {
		gateway = f.gateway
	}
	f.payments, err = NewPaymentService(PaymentServiceDeps{
		Orders:       store.Orders(),
		Payments:     store.Payments(),
		GiftCards:    store.GiftCards(),
		Pricing:      f.pricing,
		StateMachine: f.machine,
		Reconciler:   f.reconciler,
		Gateway:      gateway,
		UnitOfWork:   store,
		Clock:        clock,
		IDGenerator:  ids,
		Events:       f.events,
		Logger:       f.logs.log,
	})
	if err != nil {
		t.Fatalf("payment service: %v", err)
	}
	f.refunds, err = NewRefundCoordinator(RefundCoordinatorDeps{
		Orders:     store.Orders(),
		Payments:   store.Payments(),
		Refunds:    store.Refunds(),
		GiftCards:  store.GiftCards(),
		Currency:   domain.MustParseCurrency("USD"),
		Gateway:    gateway,
		UnitOfWork: store,
		Clock:      clock,
		IDGenerator: func() string {
			return ids()
		},
		Events: f.events,
		Logger: f.logs.log,
	})
	if err != nil {
		t.Fatalf("refund coordinator: %v", err)
	}
	return f
}

func (f *fixture) product(t *testing.T, id, price string) {
	t.Helper()
	f.store.PutProduct(domain.Product{ID: id, TenantID: testTenant, Name: id, Price: dec(t, price), Available: true})
}

func (f *fixture) giftCard(t *testing.T, code, balance string) {
	t.Helper()
	f.store.PutGiftCard(domain.GiftCard{
		TenantID:       testTenant,
		Code:           code,
		Balance:        dec(t, balance),
		OriginalAmount: dec(t, balance),
		Active:         true,
	})
}

func (f *fixture) cardIntent(t *testing.T, id string, minor int64, status payments.IntentStatus) {
	t.Helper()
	f.gateway.mu.Lock()
	defer f.gateway.mu.Unlock()
	f.gateway.intents[id] = payments.Intent{ID: id, Amount: minor, Currency: "USD", Status: status, ChargeID: "ch_" + id}
}

// openOrder creates a draft order holding one line of the product priced at total.
func (f *fixture) openOrder(t *testing.T, total string) Order {
	t.Helper()
	productID := "prod-" + total
	f.product(t, productID, total)
	order, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		TenantID: testTenant,
		SpotID:   "table-4",
		ActorID:  "cashier-1",
		Items:    []OrderItemInput{{ProductID: productID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) loadOrder(t *testing.T, orderID string) Order {
	t.Helper()
	order, err := f.store.Orders().FindByID(context.Background(), testTenant, orderID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	return order
}

func (f *fixture) payInFull(t *testing.T, order Order) {
	t.Helper()
	_, err := f.payments.CreatePayment(context.Background(), CreatePaymentCommand{
		TenantID: testTenant,
		OrderID:  order.ID,
		ActorID:  "cashier-1",
		Tender:   TenderInput{Method: "cash", CashReceived: order.Total()},
	})
	if err != nil {
		t.Fatalf("pay order: %v", err)
	}
}
