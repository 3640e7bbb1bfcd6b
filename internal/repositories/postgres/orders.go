package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

// OrderRepository persists orders and their items.
type OrderRepository struct {
	q querier
}

const orderColumns = `tenant_id, id, spot_id, created_by, discount_id, subtotal::text, discount::text, tax::text,
	status, cancel_reason, placed_at, paid_at, cancelled_at, created_at, updated_at, version`

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	return withTx(ctx, r.q.pool, func(ctx context.Context) error {
		const stmt = `
INSERT INTO orders (tenant_id, id, spot_id, created_by, discount_id, subtotal, discount, tax, status,
	cancel_reason, placed_at, paid_at, cancelled_at, created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`
		_, err := r.q.exec(ctx, stmt,
			order.TenantID, order.ID, order.SpotID, order.CreatedBy, order.DiscountID,
			order.Subtotal.String(), order.Discount.String(), order.Tax.String(), string(order.Status),
			order.CancelReason, order.PlacedAt, order.PaidAt, order.CancelledAt, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			return wrapError("orders.insert", err)
		}
		return r.replaceItems(ctx, order)
	})
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	err := withTx(ctx, r.q.pool, func(ctx context.Context) error {
		const stmt = `
UPDATE orders SET spot_id = $3, discount_id = $4, subtotal = $5, discount = $6, tax = $7, status = $8,
	cancel_reason = $9, placed_at = $10, paid_at = $11, cancelled_at = $12, updated_at = $13, version = version + 1
WHERE tenant_id = $1 AND id = $2 AND version = $14`
		tag, err := r.q.exec(ctx, stmt,
			order.TenantID, order.ID, order.SpotID, order.DiscountID,
			order.Subtotal.String(), order.Discount.String(), order.Tax.String(), string(order.Status),
			order.CancelReason, order.PlacedAt, order.PaidAt, order.CancelledAt, order.UpdatedAt, order.Version)
		if err != nil {
			return wrapError("orders.update", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.q.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE tenant_id = $1 AND id = $2)`, order.TenantID, order.ID).Scan(&exists); err != nil {
				return wrapError("orders.update", err)
			}
			if !exists {
				return repositories.NewNotFoundError("orders.update", "order")
			}
			return repositories.NewConflictError("orders.update", errors.New("order version mismatch"))
		}
		return r.replaceItems(ctx, order)
	})
	if err != nil {
		return domain.Order{}, err
	}
	order.Version++
	return order, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	return r.find(ctx, tenantID, orderID, false)
}

// FindForUpdate takes a row lock on the order that is held until the surrounding transaction ends.
func (r *OrderRepository) FindForUpdate(ctx context.Context, tenantID, orderID string) (domain.Order, error) {
	if txFromContext(ctx) == nil {
		return domain.Order{}, errors.New("orders.find_for_update: must run inside a transaction")
	}
	return r.find(ctx, tenantID, orderID, true)
}

func (r *OrderRepository) find(ctx context.Context, tenantID, orderID string, lock bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id = $1 AND id = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		order                      domain.Order
		subtotal, discount, tax    string
		status                     string
		placedAt, paidAt, cancelAt *time.Time
	)
	err := r.q.queryRow(ctx, query, tenantID, orderID).Scan(
		&order.TenantID, &order.ID, &order.SpotID, &order.CreatedBy, &order.DiscountID,
		&subtotal, &discount, &tax, &status, &order.CancelReason,
		&placedAt, &paidAt, &cancelAt, &order.CreatedAt, &order.UpdatedAt, &order.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, repositories.NewNotFoundError("orders.find", "order")
		}
		return domain.Order{}, wrapError("orders.find", err)
	}
	if order.Subtotal, err = parseDecimal(subtotal); err != nil {
		return domain.Order{}, err
	}
	if order.Discount, err = parseDecimal(discount); err != nil {
		return domain.Order{}, err
	}
	if order.Tax, err = parseDecimal(tax); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PlacedAt, order.PaidAt, order.CancelledAt = utcPtr(placedAt), utcPtr(paidAt), utcPtr(cancelAt)
	order.CreatedAt, order.UpdatedAt = order.CreatedAt.UTC(), order.UpdatedAt.UTC()

	items, err := r.loadItems(ctx, tenantID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, tenantID, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.q.query(ctx, `
SELECT product_id, modification_key, quantity, unit_price::text, notes
FROM order_items WHERE tenant_id = $1 AND order_id = $2 ORDER BY position`, tenantID, orderID)
	if err != nil {
		return nil, wrapError("orders.items", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var (
			item  domain.OrderItem
			price string
		)
		if err := rows.Scan(&item.ProductID, &item.ModificationKey, &item.Quantity, &price, &item.Notes); err != nil {
			return nil, wrapError("orders.items", err)
		}
		if item.UnitPrice, err = parseDecimal(price); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("orders.items", err)
	}
	return items, nil
}

func (r *OrderRepository) replaceItems(ctx context.Context, order domain.Order) error {
	if _, err := r.q.exec(ctx, `DELETE FROM order_items WHERE tenant_id = $1 AND order_id = $2`, order.TenantID, order.ID); err != nil {
		return wrapError("orders.items", err)
	}
	if len(order.Items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, item := range order.Items {
		batch.Queue(`
INSERT INTO order_items (tenant_id, order_id, position, product_id, modification_key, quantity, unit_price, notes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			order.TenantID, order.ID, i, item.ProductID, item.ModificationKey, item.Quantity, item.UnitPrice.String(), item.Notes)
	}
	tx := txFromContext(ctx)
	if tx == nil {
		return errors.New("orders.items: batch requires a transaction")
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrapError("orders.items", fmt.Errorf("insert items: %w", err))
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
