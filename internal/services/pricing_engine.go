package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

var hundred = decimal.NewFromInt(100)

// PricingEngine computes order totals from line items and the tenant's tax and discount rules.
// It never writes.
type PricingEngine struct {
	taxRules  repositories.TaxRuleRepository
	discounts repositories.DiscountRuleRepository
	currency  domain.Currency
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// PricingEngineDeps bundles collaborators required to construct the pricing engine.
type PricingEngineDeps struct {
	TaxRules  repositories.TaxRuleRepository
	Discounts repositories.DiscountRuleRepository
	Currency  domain.Currency
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

// NewPricingEngine validates dependencies and returns a pricing engine.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.TaxRules == nil {
		return nil, errors.New("pricing engine: tax rule repository is required")
	}
	if deps.Discounts == nil {
		return nil, errors.New("pricing engine: discount repository is required")
	}
	cur := deps.Currency
	if cur.Code == "" {
		cur = domain.MustParseCurrency("USD")
	}
	return &PricingEngine{
		taxRules:  deps.TaxRules,
		discounts: deps.Discounts,
		currency:  cur,
		now:       utcClock(deps.Clock),
		logger:    defaultLogger(deps.Logger),
	}, nil
}

// Currency returns the currency totals are rounded to.
func (e *PricingEngine) Currency() domain.Currency {
	return e.currency
}

// CalculateTotals prices the order. discountID overrides order.DiscountID when set; when neither is
// set the engine selects among the tenant's active discounts.
func (e *PricingEngine) CalculateTotals(ctx context.Context, order Order, tenantID, discountID string) (PricingBreakdown, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return PricingBreakdown{}, fmt.Errorf("%w: tenant id is required", ErrOrderInvalidInput)
	}
	now := e.now()

	subtotal := Subtotal(order.Items)

	taxRate, ruleIDs, err := e.taxRate(ctx, tenantID, now)
	if err != nil {
		return PricingBreakdown{}, err
	}
	tax := e.currency.Round(subtotal.Mul(taxRate).Div(hundred))

	ref := strings.TrimSpace(discountID)
	if ref == "" {
		ref = strings.TrimSpace(order.DiscountID)
	}
	discount, err := e.resolveDiscount(ctx, tenantID, ref, order.ID, now)
	if err != nil {
		return PricingBreakdown{}, err
	}

	breakdown := PricingBreakdown{
		Subtotal:   subtotal,
		Discount:   decimal.Zero,
		Tax:        tax,
		TaxRuleIDs: ruleIDs,
	}
	if discount != nil {
		breakdown.Discount = e.currency.Round(DiscountAmount(*discount, subtotal))
		breakdown.DiscountID = discount.ID
	}
	breakdown.Total = breakdown.Subtotal.Sub(breakdown.Discount).Add(breakdown.Tax)
	return breakdown, nil
}

// Subtotal sums unit price times quantity over the items.
func Subtotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// DiscountAmount applies the rule to the subtotal. The result never exceeds the subtotal.
func DiscountAmount(rule domain.DiscountRule, subtotal decimal.Decimal) decimal.Decimal {
	if !rule.Value.IsPositive() || !subtotal.IsPositive() {
		return decimal.Zero
	}
	var amount decimal.Decimal
	switch rule.Type {
	case domain.DiscountTypePercentage:
		amount = subtotal.Mul(rule.Value).Div(hundred)
	case domain.DiscountTypeFixed:
		amount = rule.Value
	default:
		return decimal.Zero
	}
	return decimal.Min(amount, subtotal)
}

func (e *PricingEngine) taxRate(ctx context.Context, tenantID string, now time.Time) (decimal.Decimal, []string, error) {
	rules, err := e.taxRules.ListActive(ctx, tenantID, now)
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("%w: list tax rules: %v", ErrPricingUnavailable, err)
	}
	rate := decimal.Zero
	var ids []string
	for _, rule := range rules {
		if !rule.InEffect(now) {
			continue
		}
		rate = rate.Add(rule.Rate)
		ids = append(ids, rule.ID)
	}
	sort.Strings(ids)
	return rate, ids, nil
}

func (e *PricingEngine) resolveDiscount(ctx context.Context, tenantID, discountID, orderID string, now time.Time) (*domain.DiscountRule, error) {
	if discountID != "" {
		rule, err := e.discounts.FindByID(ctx, tenantID, discountID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s", ErrPricingDiscountNotFound, discountID)
			}
			return nil, fmt.Errorf("%w: load discount %s: %v", ErrPricingUnavailable, discountID, err)
		}
		if !rule.InEffect(now) {
			return nil, fmt.Errorf("%w: %s is not active", ErrPricingDiscountNotFound, discountID)
		}
		return &rule, nil
	}

	rules, err := e.discounts.ListActive(ctx, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: list discounts: %v", ErrPricingUnavailable, err)
	}
	candidates := make([]domain.DiscountRule, 0, len(rules))
	for _, rule := range rules {
		if rule.InEffect(now) {
			candidates = append(candidates, rule)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > 1 {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		e.logger(ctx, "pricing.discount.ambiguous", map[string]any{
			"tenantId":   tenantID,
			"orderId":    orderID,
			"candidates": ids,
			"selected":   candidates[0].ID,
		})
	}
	return &candidates[0], nil
}
