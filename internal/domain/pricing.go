package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType distinguishes how a discount value is applied.
type DiscountType string

const (
	// DiscountTypePercentage applies value as a percentage of the subtotal.
	DiscountTypePercentage DiscountType = "percentage"
	// DiscountTypeFixed subtracts value as an absolute amount capped at the subtotal.
	DiscountTypeFixed DiscountType = "fixed"
)

// TaxRule is a tenant tax rate with an optional activity window.
type TaxRule struct {
	ID            string
	TenantID      string
	Name          string
	Rate          decimal.Decimal
	Active        bool
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
}

// InEffect reports whether the rule is active and now falls inside its window.
func (r TaxRule) InEffect(now time.Time) bool {
	return r.Active && withinWindow(now, r.EffectiveFrom, r.EffectiveTo)
}

// DiscountRule is a tenant discount with an optional activity window.
type DiscountRule struct {
	ID        string
	TenantID  string
	Name      string
	Type      DiscountType
	Value     decimal.Decimal
	Active    bool
	ValidFrom *time.Time
	ValidTo   *time.Time
	CreatedAt time.Time
}

// InEffect reports whether the discount is active and now falls inside its window.
func (d DiscountRule) InEffect(now time.Time) bool {
	return d.Active && withinWindow(now, d.ValidFrom, d.ValidTo)
}

// PricingBreakdown captures the monetary results of pricing an order.
type PricingBreakdown struct {
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	Tax        decimal.Decimal
	Total      decimal.Decimal
	TaxRuleIDs []string
	DiscountID string
}

// Matches reports whether the stored components of the order equal the breakdown.
func (p PricingBreakdown) Matches(order Order) bool {
	return p.Subtotal.Equal(order.Subtotal) && p.Discount.Equal(order.Discount) && p.Tax.Equal(order.Tax)
}

func withinWindow(now time.Time, from, to *time.Time) bool {
	if from != nil && now.Before(*from) {
		return false
	}
	if to != nil && now.After(*to) {
		return false
	}
	return true
}
