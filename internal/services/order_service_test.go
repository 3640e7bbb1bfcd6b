package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	domain "github.com/ledgerpos/api/internal/domain"
)

func TestOrderService_CreateOrder(t *testing.T) {
	f := newFixture(t)
	f.product(t, "croissant", "3.50")
	f.product(t, "flat-white", "4.25")
	f.store.PutTaxRule(domain.TaxRule{ID: "vat", TenantID: testTenant, Rate: dec(t, "10"), Active: true})

	order, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{
		TenantID: testTenant,
		SpotID:   " bar-2 ",
		ActorID:  "cashier-1",
		Items: []OrderItemInput{
			{ProductID: "croissant", Quantity: 2, Notes: "<b>warm</b>   please"},
			{ProductID: "flat-white", ModificationKey: "oat", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	if order.Status != domain.OrderStatusDraft || order.SpotID != "bar-2" || order.Version != 1 {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.Items[0].Notes != "warm please" {
		t.Fatalf("notes were not sanitised: %q", order.Items[0].Notes)
	}
	assertAmount(t, "subtotal", order.Subtotal, "11.25")
	assertAmount(t, "tax", order.Tax, "1.13")
	assertAmount(t, "total", order.Total(), "12.38")

	stored := f.loadOrder(t, order.ID)
	assertAmount(t, "stored total", stored.Total(), "12.38")
	if !slices.Contains(f.events.types(), orderEventCreated) {
		t.Fatalf("expected created event, got %v", f.events.types())
	}
}

func TestOrderService_CreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	f.store.PutProduct(domain.Product{ID: "sold-out", TenantID: testTenant, Price: dec(t, "2")})
	cases := map[string]CreateOrderCommand{
		"missing spot":        {TenantID: testTenant},
		"missing tenant":      {SpotID: "table-1"},
		"unknown product":     {TenantID: testTenant, SpotID: "t", Items: []OrderItemInput{{ProductID: "nope", Quantity: 1}}},
		"unavailable product": {TenantID: testTenant, SpotID: "t", Items: []OrderItemInput{{ProductID: "sold-out", Quantity: 1}}},
		"negative quantity":   {TenantID: testTenant, SpotID: "t", Items: []OrderItemInput{{ProductID: "sold-out", Quantity: -1}}},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := f.orders.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestOrderService_UpdateOrderKeepsCapturedPrice(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "10")
	productID := order.Items[0].ProductID
	f.product(t, productID, "12")
	f.product(t, "cookie", "1.5")

	items := []OrderItemInput{{ProductID: productID, Quantity: 2}, {ProductID: "cookie", Quantity: 2}}
	version := order.Version
	updated, err := f.orders.UpdateOrder(context.Background(), UpdateOrderCommand{
		TenantID:        testTenant,
		OrderID:         order.ID,
		Items:           &items,
		ExpectedVersion: &version,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAmount(t, "captured unit price", updated.Items[0].UnitPrice, "10")
	assertAmount(t, "subtotal", updated.Subtotal, "23")
	if updated.Version != version+1 {
		t.Fatalf("expected version bump, got %d", updated.Version)
	}

	_, err = f.orders.UpdateOrder(context.Background(), UpdateOrderCommand{
		TenantID:        testTenant,
		OrderID:         order.ID,
		Items:           &items,
		ExpectedVersion: &version,
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}
}

func TestOrderService_UpdateOrderDiscount(t *testing.T) {
	f := newFixture(t)
	f.store.PutDiscount(domain.DiscountRule{ID: "staff", TenantID: testTenant, Type: domain.DiscountTypePercentage, Value: dec(t, "25"), Active: false})
	f.store.PutDiscount(domain.DiscountRule{ID: "member", TenantID: testTenant, Type: domain.DiscountTypeFixed, Value: dec(t, "2"), Active: true})
	order := f.openOrder(t, "20")
	assertAmount(t, "auto discount", order.Discount, "2")

	inactive := "staff"
	_, err := f.orders.UpdateOrder(context.Background(), UpdateOrderCommand{TenantID: testTenant, OrderID: order.ID, DiscountID: &inactive})
	if !errors.Is(err, ErrPricingDiscountNotFound) {
		t.Fatalf("expected discount not found, got %v", err)
	}
	if _, err := f.orders.UpdateOrder(context.Background(), UpdateOrderCommand{TenantID: testTenant, OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected empty update to be rejected, got %v", err)
	}
}

func TestOrderService_PlaceAndCancel(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "8")

	placed, err := f.orders.PlaceOrder(context.Background(), PlaceOrderCommand{TenantID: testTenant, OrderID: order.ID, ActorID: "cashier-1"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if placed.Status != domain.OrderStatusPlaced || placed.PlacedAt == nil {
		t.Fatalf("unexpected placed order %+v", placed)
	}
	again, err := f.orders.PlaceOrder(context.Background(), PlaceOrderCommand{TenantID: testTenant, OrderID: order.ID})
	if err != nil || again.Version != placed.Version {
		t.Fatalf("placing twice should be a no-op, got %v (version %d)", err, again.Version)
	}

	cancelled, err := f.orders.CancelOrder(context.Background(), CancelOrderCommand{
		TenantID: testTenant, OrderID: order.ID, ActorID: "manager", Reason: "customer <i>left</i>",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelReason != "customer left" {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}

	items := []OrderItemInput{{ProductID: order.Items[0].ProductID, Quantity: 3}}
	if _, err := f.orders.UpdateOrder(context.Background(), UpdateOrderCommand{TenantID: testTenant, OrderID: order.ID, Items: &items}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("cancelled orders must not change, got %v", err)
	}

	types := f.events.types()
	for _, want := range []string{orderEventCreated, orderEventPlaced, orderEventCancelled} {
		if !slices.Contains(types, want) {
			t.Fatalf("missing %s event in %v", want, types)
		}
	}
}

func TestOrderService_PlaceEmptyOrder(t *testing.T) {
	f := newFixture(t)
	order, err := f.orders.CreateOrder(context.Background(), CreateOrderCommand{TenantID: testTenant, SpotID: "t-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.orders.PlaceOrder(context.Background(), PlaceOrderCommand{TenantID: testTenant, OrderID: order.ID}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected empty order rejection, got %v", err)
	}
}

func TestOrderService_CancelPaidOrderRequiresRefund(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "12")
	f.payInFull(t, order)

	_, err := f.orders.CancelOrder(context.Background(), CancelOrderCommand{TenantID: testTenant, OrderID: order.ID})
	if !errors.Is(err, ErrOrderInvalidState) || !strings.Contains(err.Error(), "must refund instead") {
		t.Fatalf("expected refund guidance, got %v", err)
	}
	if got := f.loadOrder(t, order.ID); got.Status != domain.OrderStatusPaid {
		t.Fatalf("order must stay paid, got %s", got.Status)
	}
}

func TestOrderService_GetOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orders.GetOrder(context.Background(), testTenant, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	order := f.openOrder(t, "5")
	if _, err := f.orders.GetOrder(context.Background(), "other-tenant", order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("orders must not leak across tenants, got %v", err)
	}
}
