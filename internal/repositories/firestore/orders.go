package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	pfirestore "github.com/ledgerpos/api/internal/platform/firestore"
)

type orderItemDocument struct {
	ProductID       string `firestore:"productId"`
	ModificationKey string `firestore:"modificationKey,omitempty"`
	Quantity        int    `firestore:"quantity"`
	UnitPrice       string `firestore:"unitPrice"`
	Notes           string `firestore:"notes,omitempty"`
}

type orderDocument struct {
	TenantID     string              `firestore:"tenantId"`
	SpotID       string              `firestore:"spotId,omitempty"`
	CreatedBy    string              `firestore:"createdBy,omitempty"`
	Items        []orderItemDocument `firestore:"items"`
	DiscountID   string              `firestore:"discountId,omitempty"`
	Subtotal     string              `firestore:"subtotal"`
	Discount     string              `firestore:"discount"`
	Tax          string              `firestore:"tax"`
	Status       string              `firestore:"status"`
	CancelReason string              `firestore:"cancelReason,omitempty"`
	PlacedAt     *time.Time          `firestore:"placedAt,omitempty"`
	PaidAt       *time.Time          `firestore:"paidAt,omitempty"`
	CancelledAt  *time.Time          `firestore:"cancelledAt,omitempty"`
	CreatedAt    time.Time           `firestore:"createdAt"`
	UpdatedAt    time.Time           `firestore:"updatedAt"`
	Version      int64               `firestore:"version"`
}

func newOrderDocument(o domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemDocument{
			ProductID:       item.ProductID,
			ModificationKey: item.ModificationKey,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice.String(),
			Notes:           item.Notes,
		})
	}
	return orderDocument{
		TenantID:     o.TenantID,
		SpotID:       o.SpotID,
		CreatedBy:    o.CreatedBy,
		Items:        items,
		DiscountID:   o.DiscountID,
		Subtotal:     o.Subtotal.String(),
		Discount:     o.Discount.String(),
		Tax:          o.Tax.String(),
		Status:       string(o.Status),
		CancelReason: o.CancelReason,
		PlacedAt:     o.PlacedAt,
		PaidAt:       o.PaidAt,
		CancelledAt:  o.CancelledAt,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		Version:      o.Version,
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	order := domain.Order{
		ID:           id,
		TenantID:     d.TenantID,
		SpotID:       d.SpotID,
		CreatedBy:    d.CreatedBy,
		DiscountID:   d.DiscountID,
		Status:       domain.OrderStatus(d.Status),
		CancelReason: d.CancelReason,
		PlacedAt:     utcPtr(d.PlacedAt),
		PaidAt:       utcPtr(d.PaidAt),
		CancelledAt:  utcPtr(d.CancelledAt),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
		Version:      d.Version,
	}
	var err error
	if order.Subtotal, err = decimal.NewFromString(d.Subtotal); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s subtotal: %w", id, err)
	}
	if order.Discount, err = decimal.NewFromString(d.Discount); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s discount: %w", id, err)
	}
	if order.Tax, err = decimal.NewFromString(d.Tax); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s tax: %w", id, err)
	}
	for _, item := range d.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s item price: %w", id, err)
		}
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:       item.ProductID,
			ModificationKey: item.ModificationKey,
			Quantity:        item.Quantity,
			UnitPrice:       price,
			Notes:           item.Notes,
		})
	}
	return order, nil
}

// OrderRepository stores orders as single documents with embedded items.
type OrderRepository struct {
	base
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.orderDoc(ctx, order.TenantID, order.ID)
	if err != nil {
		return err
	}
	order.Version = 1
	return r.runTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return pfirestore.WrapError("orders.insert", tx.Create(ref, newOrderDocument(order)))
	})
}

// Update writes the order. Inside a transaction that already read the order through
// FindForUpdate, Firestore's optimistic commit guards the version; outside one, the stored
// version is compared first.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	ref, err := r.orderDoc(ctx, order.TenantID, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	joined := pfirestore.TxFromContext(ctx) != nil

	err = r.runTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if !joined {
			snap, err := tx.Get(ref)
			if err != nil {
				return pfirestore.WrapError("orders.update", err)
			}
			var current orderDocument
			if err := snap.DataTo(&current); err != nil {
				return fmt.Errorf("decode order %s: %w", order.ID, err)
			}
			if current.Version != order.Version {
				return pfirestore.NewConflict("orders.update", errors.New("order version mismatch"))
			}
		}
		next := order
		next.Version++
		return pfirestore.WrapError("orders.update", tx.Set(ref, newOrderDocument(next)))
	})
	if err != nil {
		return domain.Order{}, err
	}
	order.Version++
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	ref, err := r.orderDoc(ctx, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := get(ctx, ref)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return doc.toDomain(snap.Ref.ID)
}

// FindForUpdate reads the order through the transaction so a concurrent commit touching the same
// document forces this transaction to retry.
func (r *OrderRepository) FindForUpdate(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	if pfirestore.TxFromContext(ctx) == nil {
		return domain.Order{}, errors.New("orders.find_for_update: must run inside a transaction")
	}
	return r.FindByID(ctx, tenantID, orderID)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
