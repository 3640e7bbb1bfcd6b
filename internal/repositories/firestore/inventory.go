package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ledgerpos/api/internal/domain"
	pfirestore "github.com/ledgerpos/api/internal/platform/firestore"
	"github.com/ledgerpos/api/internal/repositories"
)

type bucketDocument struct {
	ProductID       string    `firestore:"productId"`
	ModificationKey string    `firestore:"modificationKey,omitempty"`
	OnHand          int       `firestore:"onHand"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func (d bucketDocument) toDomain(tenantID, id string) domain.InventoryBucket {
	return domain.InventoryBucket{
		ID:              id,
		TenantID:        tenantID,
		ProductID:       d.ProductID,
		ModificationKey: d.ModificationKey,
		OnHand:          d.OnHand,
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
}

// InventoryRepository stores one document per stock bucket.
type InventoryRepository struct {
	base
}

func (r *InventoryRepository) ListBuckets(ctx context.Context, tenantID, productID string) ([]domain.InventoryBucket, error) {
	coll, err := r.collection(ctx, tenantID, bucketsCollection)
	if err != nil {
		return nil, err
	}
	snaps, err := documents(ctx, coll.Where("productId", "==", productID))
	if err != nil {
		return nil, pfirestore.WrapError("inventory.list", err)
	}
	buckets := make([]domain.InventoryBucket, 0, len(snaps))
	for _, snap := range snaps {
		var doc bucketDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode bucket %s: %w", snap.Ref.ID, err)
		}
		buckets = append(buckets, doc.toDomain(tenantID, snap.Ref.ID))
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].ID < buckets[j].ID })
	return buckets, nil
}

func (r *InventoryRepository) Decrement(ctx context.Context, tenantID, bucketID string, qty int, now time.Time) (domain.InventoryBucket, error) {
	coll, err := r.collection(ctx, tenantID, bucketsCollection)
	if err != nil {
		return domain.InventoryBucket{}, err
	}
	ref := coll.Doc(bucketID)

	var updated domain.InventoryBucket
	err = r.runTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NewInventoryError("inventory.decrement", repositories.InventoryErrorBucketNotFound, "bucket "+bucketID+" not found", err)
			}
			return pfirestore.WrapError("inventory.decrement", err)
		}
		var doc bucketDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode bucket %s: %w", bucketID, err)
		}
		if doc.OnHand < qty {
			return repositories.NewInventoryError("inventory.decrement", repositories.InventoryErrorInsufficientStock, "bucket "+bucketID+" has insufficient stock", nil)
		}
		doc.OnHand -= qty
		doc.UpdatedAt = now
		updated = doc.toDomain(tenantID, bucketID)
		return pfirestore.WrapError("inventory.decrement", tx.Set(ref, doc))
	})
	if err != nil {
		return domain.InventoryBucket{}, err
	}
	return updated, nil
}
