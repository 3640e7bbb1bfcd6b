package postgres

import (
	"context"
	"time"

	domain "github.com/ledgerpos/api/internal/domain"
)

// CatalogRepository reads products referenced by order lines.
type CatalogRepository struct {
	q querier
}

func (r *CatalogRepository) GetProduct(ctx context.Context, tenantID, productID string) (domain.Product, error) {
	var (
		p     domain.Product
		price string
	)
	err := r.q.queryRow(ctx, `SELECT id, tenant_id, name, price::text, available FROM products WHERE tenant_id = $1 AND id = $2`,
		tenantID, productID).Scan(&p.ID, &p.TenantID, &p.Name, &price, &p.Available)
	if err != nil {
		return domain.Product{}, wrapError("catalog.product", err)
	}
	if p.Price, err = parseDecimal(price); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

// TaxRuleRepository lists active tax rules.
type TaxRuleRepository struct {
	q querier
}

func (r *TaxRuleRepository) ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.TaxRule, error) {
	rows, err := r.q.query(ctx, `
SELECT id, tenant_id, name, rate::text, active, effective_from, effective_to
FROM tax_rules
WHERE tenant_id = $1 AND active
	AND (effective_from IS NULL OR effective_from <= $2)
	AND (effective_to IS NULL OR effective_to >= $2)
ORDER BY id`, tenantID, now)
	if err != nil {
		return nil, wrapError("tax_rules.list", err)
	}
	defer rows.Close()

	var rules []domain.TaxRule
	for rows.Next() {
		var (
			rule domain.TaxRule
			rate string
		)
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.Name, &rate, &rule.Active, &rule.EffectiveFrom, &rule.EffectiveTo); err != nil {
			return nil, wrapError("tax_rules.list", err)
		}
		if rule.Rate, err = parseDecimal(rate); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("tax_rules.list", err)
	}
	return rules, nil
}

// DiscountRepository lists and resolves discount rules.
type DiscountRepository struct {
	q querier
}

const discountColumns = `id, tenant_id, name, type, value::text, active, valid_from, valid_to, created_at`

func (r *DiscountRepository) ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.DiscountRule, error) {
	rows, err := r.q.query(ctx, `SELECT `+discountColumns+`
FROM discount_rules
WHERE tenant_id = $1 AND active
	AND (valid_from IS NULL OR valid_from <= $2)
	AND (valid_to IS NULL OR valid_to >= $2)
ORDER BY created_at DESC, id`, tenantID, now)
	if err != nil {
		return nil, wrapError("discount_rules.list", err)
	}
	defer rows.Close()

	var discounts []domain.DiscountRule
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, wrapError("discount_rules.list", err)
		}
		discounts = append(discounts, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("discount_rules.list", err)
	}
	return discounts, nil
}

func (r *DiscountRepository) FindByID(ctx context.Context, tenantID, discountID string) (domain.DiscountRule, error) {
	row := r.q.queryRow(ctx, `SELECT `+discountColumns+` FROM discount_rules WHERE tenant_id = $1 AND id = $2`, tenantID, discountID)
	d, err := scanDiscount(row)
	if err != nil {
		return domain.DiscountRule{}, wrapError("discount_rules.find", err)
	}
	return d, nil
}

func scanDiscount(row interface{ Scan(...any) error }) (domain.DiscountRule, error) {
	var (
		d           domain.DiscountRule
		kind, value string
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Name, &kind, &value, &d.Active, &d.ValidFrom, &d.ValidTo, &d.CreatedAt); err != nil {
		return domain.DiscountRule{}, err
	}
	var err error
	if d.Value, err = parseDecimal(value); err != nil {
		return domain.DiscountRule{}, err
	}
	d.Type = domain.DiscountType(kind)
	return d, nil
}
