package services

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	domain "github.com/ledgerpos/api/internal/domain"
)

func pricedOrder(t *testing.T, price string, qty int) Order {
	t.Helper()
	return Order{
		ID:       "ord_1",
		TenantID: testTenant,
		Items:    []OrderItem{{ProductID: "latte", Quantity: qty, UnitPrice: dec(t, price)}},
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestPricingEngine_TaxAndPercentageDiscount(t *testing.T) {
	f := newFixture(t)
	f.store.PutTaxRule(domain.TaxRule{ID: "vat", TenantID: testTenant, Rate: dec(t, "10"), Active: true})
	f.store.PutDiscount(domain.DiscountRule{
		ID: "happy-hour", TenantID: testTenant, Type: domain.DiscountTypePercentage,
		Value: dec(t, "10"), Active: true, CreatedAt: testNow.Add(-time.Hour),
	})

	order := pricedOrder(t, "50", 2)
	breakdown, err := f.pricing.CalculateTotals(context.Background(), order, testTenant, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAmount(t, "subtotal", breakdown.Subtotal, "100")
	assertAmount(t, "tax", breakdown.Tax, "10")
	assertAmount(t, "discount", breakdown.Discount, "10")
	assertAmount(t, "total", breakdown.Total, "100")
	if breakdown.DiscountID != "happy-hour" {
		t.Fatalf("expected happy-hour discount, got %q", breakdown.DiscountID)
	}
	if len(breakdown.TaxRuleIDs) != 1 || breakdown.TaxRuleIDs[0] != "vat" {
		t.Fatalf("unexpected tax rules %v", breakdown.TaxRuleIDs)
	}

	// Repricing the same inputs yields the same breakdown.
	again, err := f.pricing.CalculateTotals(context.Background(), order, testTenant, "")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	assertAmount(t, "subtotal again", again.Subtotal, breakdown.Subtotal.String())
	assertAmount(t, "tax again", again.Tax, breakdown.Tax.String())
	assertAmount(t, "discount again", again.Discount, breakdown.Discount.String())
	assertAmount(t, "total again", again.Total, breakdown.Total.String())
	if again.DiscountID != breakdown.DiscountID || !slices.Equal(again.TaxRuleIDs, breakdown.TaxRuleIDs) {
		t.Fatalf("recalculation changed rules: %q %v", again.DiscountID, again.TaxRuleIDs)
	}
}

func TestPricingEngine_TaxRoundsToCurrency(t *testing.T) {
	f := newFixture(t)
	f.store.PutTaxRule(domain.TaxRule{ID: "state", TenantID: testTenant, Rate: dec(t, "7.25"), Active: true})
	f.store.PutTaxRule(domain.TaxRule{ID: "expired", TenantID: testTenant, Rate: dec(t, "5"), Active: true, EffectiveTo: timePtr(testNow.Add(-time.Minute))})

	breakdown, err := f.pricing.CalculateTotals(context.Background(), pricedOrder(t, "3.33", 1), testTenant, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 3.33 * 7.25% = 0.241425
	assertAmount(t, "tax", breakdown.Tax, "0.24")
	assertAmount(t, "total", breakdown.Total, "3.57")
}

func TestPricingEngine_FixedDiscountCappedAtSubtotal(t *testing.T) {
	f := newFixture(t)
	f.store.PutDiscount(domain.DiscountRule{ID: "voucher", TenantID: testTenant, Type: domain.DiscountTypeFixed, Value: dec(t, "25"), Active: true})

	breakdown, err := f.pricing.CalculateTotals(context.Background(), pricedOrder(t, "8", 2), testTenant, "voucher")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAmount(t, "discount", breakdown.Discount, "16")
	assertAmount(t, "total", breakdown.Total, "0")
}

func TestPricingEngine_ExplicitDiscountOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.store.PutDiscount(domain.DiscountRule{
		ID: "spring", TenantID: testTenant, Type: domain.DiscountTypePercentage, Value: dec(t, "20"),
		Active: true, ValidFrom: timePtr(testNow.Add(24 * time.Hour)),
	})

	_, err := f.pricing.CalculateTotals(context.Background(), pricedOrder(t, "10", 1), testTenant, "spring")
	if !errors.Is(err, ErrPricingDiscountNotFound) {
		t.Fatalf("expected discount not found, got %v", err)
	}

	_, err = f.pricing.CalculateTotals(context.Background(), pricedOrder(t, "10", 1), testTenant, "missing")
	if !errors.Is(err, ErrPricingDiscountNotFound) {
		t.Fatalf("expected discount not found for unknown id, got %v", err)
	}
}

func TestPricingEngine_OrderDiscountReference(t *testing.T) {
	f := newFixture(t)
	f.store.PutDiscount(domain.DiscountRule{ID: "staff", TenantID: testTenant, Type: domain.DiscountTypePercentage, Value: dec(t, "50"), Active: true})
	f.store.PutDiscount(domain.DiscountRule{ID: "newer", TenantID: testTenant, Type: domain.DiscountTypeFixed, Value: dec(t, "1"), Active: true, CreatedAt: testNow})

	order := pricedOrder(t, "10", 1)
	order.DiscountID = "staff"
	breakdown, err := f.pricing.CalculateTotals(context.Background(), order, testTenant, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertAmount(t, "discount", breakdown.Discount, "5")
}

func TestPricingEngine_AmbiguousDiscountSelection(t *testing.T) {
	f := newFixture(t)
	older := testNow.Add(-48 * time.Hour)
	newer := testNow.Add(-time.Hour)
	f.store.PutDiscount(domain.DiscountRule{ID: "b-promo", TenantID: testTenant, Type: domain.DiscountTypeFixed, Value: dec(t, "2"), Active: true, CreatedAt: newer})
	f.store.PutDiscount(domain.DiscountRule{ID: "a-promo", TenantID: testTenant, Type: domain.DiscountTypeFixed, Value: dec(t, "3"), Active: true, CreatedAt: newer})
	f.store.PutDiscount(domain.DiscountRule{ID: "legacy", TenantID: testTenant, Type: domain.DiscountTypeFixed, Value: dec(t, "9"), Active: true, CreatedAt: older})

	for i := 0; i < 3; i++ {
		breakdown, err := f.pricing.CalculateTotals(context.Background(), pricedOrder(t, "20", 1), testTenant, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if breakdown.DiscountID != "a-promo" {
			t.Fatalf("expected newest discount with lowest id, got %q", breakdown.DiscountID)
		}
		assertAmount(t, "discount", breakdown.Discount, "3")
	}

	fields, ok := f.logs.find("pricing.discount.ambiguous")
	if !ok {
		t.Fatalf("expected ambiguity to be logged")
	}
	if fields["selected"] != "a-promo" {
		t.Fatalf("unexpected selection logged: %v", fields["selected"])
	}
}

func TestPricingEngine_RequiresTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.pricing.CalculateTotals(context.Background(), pricedOrder(t, "1", 1), " ", "")
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDiscountAmount(t *testing.T) {
	cases := []struct {
		name     string
		rule     domain.DiscountRule
		subtotal string
		want     string
	}{
		{"percentage", domain.DiscountRule{Type: domain.DiscountTypePercentage, Value: dec(t, "15")}, "40", "6"},
		{"percentage over hundred", domain.DiscountRule{Type: domain.DiscountTypePercentage, Value: dec(t, "150")}, "40", "40"},
		{"fixed", domain.DiscountRule{Type: domain.DiscountTypeFixed, Value: dec(t, "5")}, "40", "5"},
		{"negative value", domain.DiscountRule{Type: domain.DiscountTypeFixed, Value: dec(t, "-5")}, "40", "0"},
		{"empty order", domain.DiscountRule{Type: domain.DiscountTypeFixed, Value: dec(t, "5")}, "0", "0"},
		{"unknown type", domain.DiscountRule{Type: "bogo", Value: dec(t, "5")}, "40", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assertAmount(t, tc.name, DiscountAmount(tc.rule, dec(t, tc.subtotal)), tc.want)
		})
	}
}
