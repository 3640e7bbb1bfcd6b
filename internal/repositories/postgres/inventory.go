package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

// InventoryRepository reads and decrements stock buckets.
type InventoryRepository struct {
	q querier
}

func (r *InventoryRepository) ListBuckets(ctx context.Context, tenantID, productID string) ([]domain.InventoryBucket, error) {
	rows, err := r.q.query(ctx, `
SELECT id, tenant_id, product_id, modification_key, on_hand, updated_at
FROM inventory_buckets WHERE tenant_id = $1 AND product_id = $2 ORDER BY id`, tenantID, productID)
	if err != nil {
		return nil, wrapError("inventory.list", err)
	}
	defer rows.Close()

	var buckets []domain.InventoryBucket
	for rows.Next() {
		var b domain.InventoryBucket
		if err := rows.Scan(&b.ID, &b.TenantID, &b.ProductID, &b.ModificationKey, &b.OnHand, &b.UpdatedAt); err != nil {
			return nil, wrapError("inventory.list", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("inventory.list", err)
	}
	return buckets, nil
}

// Decrement is a single conditional update, so the stock check and the write cannot interleave
// with another writer.
func (r *InventoryRepository) Decrement(ctx context.Context, tenantID, bucketID string, qty int, now time.Time) (domain.InventoryBucket, error) {
	var b domain.InventoryBucket
	err := r.q.queryRow(ctx, `
UPDATE inventory_buckets SET on_hand = on_hand - $3, updated_at = $4
WHERE tenant_id = $1 AND id = $2 AND on_hand >= $3
RETURNING id, tenant_id, product_id, modification_key, on_hand, updated_at`,
		tenantID, bucketID, qty, now).Scan(&b.ID, &b.TenantID, &b.ProductID, &b.ModificationKey, &b.OnHand, &b.UpdatedAt)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.InventoryBucket{}, wrapError("inventory.decrement", err)
	}

	var exists bool
	if err := r.q.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_buckets WHERE tenant_id = $1 AND id = $2)`,
		tenantID, bucketID).Scan(&exists); err != nil {
		return domain.InventoryBucket{}, wrapError("inventory.decrement", err)
	}
	if !exists {
		return domain.InventoryBucket{}, repositories.NewInventoryError("inventory.decrement", repositories.InventoryErrorBucketNotFound, "bucket "+bucketID+" not found", nil)
	}
	return domain.InventoryBucket{}, repositories.NewInventoryError("inventory.decrement", repositories.InventoryErrorInsufficientStock, "bucket "+bucketID+" has insufficient stock", nil)
}
