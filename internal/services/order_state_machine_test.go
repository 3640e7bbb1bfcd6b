package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	domain "github.com/ledgerpos/api/internal/domain"
)

func TestOrderStateMachine_ValidateTransition(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{domain.OrderStatusDraft, domain.OrderStatusPlaced, true},
		{domain.OrderStatusDraft, domain.OrderStatusCancelled, true},
		{domain.OrderStatusDraft, domain.OrderStatusPaid, false},
		{domain.OrderStatusPlaced, domain.OrderStatusPaid, true},
		{domain.OrderStatusPlaced, domain.OrderStatusCancelled, true},
		{domain.OrderStatusPlaced, domain.OrderStatusDraft, false},
		{domain.OrderStatusPaid, domain.OrderStatusCancelled, false},
		{domain.OrderStatusPaid, domain.OrderStatusPlaced, false},
		{domain.OrderStatusCancelled, domain.OrderStatusDraft, false},
		{domain.OrderStatusPaid, domain.OrderStatusPaid, true},
	}
	for _, tc := range cases {
		err := f.machine.ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Fatalf("%s→%s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrOrderInvalidTransition) {
			t.Fatalf("%s→%s: expected invalid transition, got %v", tc.from, tc.to, err)
		}
	}

	err := f.machine.ValidateTransition(domain.OrderStatusDraft, domain.OrderStatusPaid)
	if !strings.Contains(err.Error(), "allowed: [placed, cancelled]") {
		t.Fatalf("expected allowed transitions in message, got %q", err)
	}
	if err := f.machine.ValidateTransition(domain.OrderStatusDraft, "archived"); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected unknown status rejection, got %v", err)
	}
}

func TestOrderStateMachine_AllowedTransitionsIsCopy(t *testing.T) {
	f := newFixture(t)
	allowed := f.machine.AllowedTransitions(domain.OrderStatusDraft)
	allowed[0] = domain.OrderStatusPaid
	if got := f.machine.AllowedTransitions(domain.OrderStatusDraft); got[0] != domain.OrderStatusPlaced {
		t.Fatalf("transition table was mutated: %v", got)
	}
	if len(f.machine.AllowedTransitions(domain.OrderStatusPaid)) != 0 {
		t.Fatalf("paid must be terminal")
	}
}

func TestOrderStateMachine_ValidateForPlacement(t *testing.T) {
	f := newFixture(t)
	f.product(t, "espresso", "3")
	f.store.PutProduct(domain.Product{ID: "seasonal", TenantID: testTenant, Price: dec(t, "4")})

	good := Order{
		TenantID: testTenant,
		Status:   domain.OrderStatusDraft,
		Items:    []OrderItem{{ProductID: "espresso", Quantity: 2, UnitPrice: dec(t, "3")}},
		Subtotal: dec(t, "6"),
	}
	if err := f.machine.ValidateForPlacement(context.Background(), good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]struct {
		mutate func(*Order)
		want   error
	}{
		"no items": {func(o *Order) { o.Items = nil }, ErrOrderInvalidInput},
		"zero quantity": {func(o *Order) {
			o.Items = []OrderItem{{ProductID: "espresso", Quantity: 0, UnitPrice: dec(t, "3")}}
		}, ErrOrderInvalidInput},
		"zero total":          {func(o *Order) { o.Discount = dec(t, "6") }, ErrOrderInvalidInput},
		"already placed":      {func(o *Order) { o.Status = domain.OrderStatusPlaced }, ErrOrderInvalidState},
		"unavailable product": {func(o *Order) { o.Items = []OrderItem{{ProductID: "seasonal", Quantity: 1, UnitPrice: dec(t, "4")}} }, ErrOrderInvalidInput},
		"deleted product":     {func(o *Order) { o.Items = []OrderItem{{ProductID: "gone", Quantity: 1, UnitPrice: dec(t, "4")}} }, ErrOrderInvalidInput},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			order := good.Clone()
			tc.mutate(&order)
			if err := f.machine.ValidateForPlacement(context.Background(), order); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderStateMachine_ValidateForCancellation(t *testing.T) {
	f := newFixture(t)
	if err := f.machine.ValidateForCancellation(Order{Status: domain.OrderStatusPlaced}); err != nil {
		t.Fatalf("placed orders can be cancelled: %v", err)
	}
	err := f.machine.ValidateForCancellation(Order{Status: domain.OrderStatusPaid})
	if !errors.Is(err, ErrOrderInvalidState) || !strings.Contains(err.Error(), "must refund instead") {
		t.Fatalf("expected refund guidance, got %v", err)
	}
	if err := f.machine.ValidateForCancellation(Order{Status: domain.OrderStatusCancelled}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestOrderStateMachine_ApplyStampsTimestamps(t *testing.T) {
	f := newFixture(t)
	order := Order{Status: domain.OrderStatusDraft}
	if err := f.machine.Apply(&order, domain.OrderStatusPlaced, testNow); err != nil {
		t.Fatalf("apply placed: %v", err)
	}
	if order.PlacedAt == nil || !order.PlacedAt.Equal(testNow) {
		t.Fatalf("expected placed timestamp")
	}
	if err := f.machine.Apply(&order, domain.OrderStatusPaid, testNow); err != nil {
		t.Fatalf("apply paid: %v", err)
	}
	if order.PaidAt == nil {
		t.Fatalf("expected paid timestamp")
	}
	if err := f.machine.Apply(&order, domain.OrderStatusCancelled, testNow); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("paid orders must not be cancelled by transition, got %v", err)
	}
	if order.CancelledAt != nil {
		t.Fatalf("rejected transition must not stamp")
	}
}

func TestOrderStateMachine_ValidateForPayment(t *testing.T) {
	f := newFixture(t)
	f.product(t, "bagel", "2.5")
	order := Order{
		TenantID: testTenant,
		Status:   domain.OrderStatusPlaced,
		Items:    []OrderItem{{ProductID: "bagel", Quantity: 1, UnitPrice: dec(t, "2.5")}},
		Subtotal: dec(t, "2.5"),
	}
	if err := f.machine.ValidateForPayment(context.Background(), order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order.Status = domain.OrderStatusCancelled
	if err := f.machine.ValidateForPayment(context.Background(), order); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}
