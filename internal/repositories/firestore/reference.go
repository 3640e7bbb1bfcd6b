package firestore

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	pfirestore "github.com/ledgerpos/api/internal/platform/firestore"
)

// Catalog and rule documents are reference data owned by other services; reads never join the
// caller's transaction.

type productDocument struct {
	Name      string `firestore:"name"`
	Price     string `firestore:"price"`
	Available bool   `firestore:"available"`
}

// CatalogRepository reads product documents.
type CatalogRepository struct {
	base
}

func (r *CatalogRepository) GetProduct(ctx context.Context, tenantID, productID string) (domain.Product, error) {
	coll, err := r.collection(ctx, tenantID, productsCollection)
	if err != nil {
		return domain.Product{}, err
	}
	snap, err := coll.Doc(productID).Get(ctx)
	if err != nil {
		return domain.Product{}, pfirestore.WrapError("catalog.product", err)
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s: %w", productID, err)
	}
	price, err := decimal.NewFromString(doc.Price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("decode product %s price: %w", productID, err)
	}
	return domain.Product{ID: productID, TenantID: tenantID, Name: doc.Name, Price: price, Available: doc.Available}, nil
}

type taxRuleDocument struct {
	Name          string     `firestore:"name"`
	Rate          string     `firestore:"rate"`
	Active        bool       `firestore:"active"`
	EffectiveFrom *time.Time `firestore:"effectiveFrom,omitempty"`
	EffectiveTo   *time.Time `firestore:"effectiveTo,omitempty"`
}

// TaxRuleRepository lists tax rule documents. Window filtering happens in memory because
// open-ended bounds are stored as absent fields.
type TaxRuleRepository struct {
	base
}

func (r *TaxRuleRepository) ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.TaxRule, error) {
	coll, err := r.collection(ctx, tenantID, taxRulesCollection)
	if err != nil {
		return nil, err
	}
	snaps, err := coll.Where("active", "==", true).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("tax_rules.list", err)
	}
	var rules []domain.TaxRule
	for _, snap := range snaps {
		var doc taxRuleDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode tax rule %s: %w", snap.Ref.ID, err)
		}
		rate, err := decimal.NewFromString(doc.Rate)
		if err != nil {
			return nil, fmt.Errorf("decode tax rule %s rate: %w", snap.Ref.ID, err)
		}
		rule := domain.TaxRule{
			ID:            snap.Ref.ID,
			TenantID:      tenantID,
			Name:          doc.Name,
			Rate:          rate,
			Active:        doc.Active,
			EffectiveFrom: doc.EffectiveFrom,
			EffectiveTo:   doc.EffectiveTo,
		}
		if rule.InEffect(now) {
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

type discountDocument struct {
	Name      string     `firestore:"name"`
	Type      string     `firestore:"type"`
	Value     string     `firestore:"value"`
	Active    bool       `firestore:"active"`
	ValidFrom *time.Time `firestore:"validFrom,omitempty"`
	ValidTo   *time.Time `firestore:"validTo,omitempty"`
	CreatedAt time.Time  `firestore:"createdAt"`
}

func (d discountDocument) toDomain(tenantID, id string) (domain.DiscountRule, error) {
	value, err := decimal.NewFromString(d.Value)
	if err != nil {
		return domain.DiscountRule{}, fmt.Errorf("decode discount %s value: %w", id, err)
	}
	return domain.DiscountRule{
		ID:        id,
		TenantID:  tenantID,
		Name:      d.Name,
		Type:      domain.DiscountType(d.Type),
		Value:     value,
		Active:    d.Active,
		ValidFrom: d.ValidFrom,
		ValidTo:   d.ValidTo,
		CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

// DiscountRepository reads discount rule documents.
type DiscountRepository struct {
	base
}

func (r *DiscountRepository) ListActive(ctx context.Context, tenantID string, now time.Time) ([]domain.DiscountRule, error) {
	coll, err := r.collection(ctx, tenantID, discountsCollection)
	if err != nil {
		return nil, err
	}
	snaps, err := coll.Where("active", "==", true).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("discount_rules.list", err)
	}
	var discounts []domain.DiscountRule
	for _, snap := range snaps {
		var doc discountDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode discount %s: %w", snap.Ref.ID, err)
		}
		d, err := doc.toDomain(tenantID, snap.Ref.ID)
		if err != nil {
			return nil, err
		}
		if d.InEffect(now) {
			discounts = append(discounts, d)
		}
	}
	return discounts, nil
}

func (r *DiscountRepository) FindByID(ctx context.Context, tenantID, discountID string) (domain.DiscountRule, error) {
	coll, err := r.collection(ctx, tenantID, discountsCollection)
	if err != nil {
		return domain.DiscountRule{}, err
	}
	snap, err := coll.Doc(discountID).Get(ctx)
	if err != nil {
		return domain.DiscountRule{}, pfirestore.WrapError("discount_rules.find", err)
	}
	var doc discountDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.DiscountRule{}, fmt.Errorf("decode discount %s: %w", discountID, err)
	}
	return doc.toDomain(tenantID, discountID)
}
