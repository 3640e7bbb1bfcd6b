package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

var storeNow = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func newOrder(id string) domain.Order {
	return domain.Order{
		ID:        id,
		TenantID:  "tenant-1",
		Status:    domain.OrderStatusDraft,
		Subtotal:  decimal.NewFromInt(10),
		CreatedAt: storeNow,
		UpdatedAt: storeNow,
	}
}

func TestOrderUpdateRequiresCurrentVersion(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Orders().Insert(ctx, newOrder("ord_1")))

	stored, err := store.Orders().FindByID(ctx, "tenant-1", "ord_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.Version)

	stored.Status = domain.OrderStatusPlaced
	updated, err := store.Orders().Update(ctx, stored)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	_, err = store.Orders().Update(ctx, stored)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())
}

func TestOrdersAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.Orders().Insert(ctx, newOrder("ord_1")))

	_, err := store.Orders().FindByID(ctx, "tenant-2", "ord_1")
	require.True(t, repositories.IsNotFound(err))
}

func TestPaymentInsertRejectsReusedTender(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	first := domain.Payment{ID: "pay_1", TenantID: "tenant-1", OrderID: "ord_1", Amount: decimal.NewFromInt(5), Details: domain.GiftCardDetails{Code: "gc-1"}, PaidAt: storeNow}
	second := first
	second.ID = "pay_2"
	second.Details = domain.GiftCardDetails{Code: "GC-1"}

	require.NoError(t, store.Payments().Insert(ctx, first))
	err := store.Payments().Insert(ctx, second)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())

	cash := domain.Payment{ID: "pay_3", TenantID: "tenant-1", OrderID: "ord_1", Amount: decimal.NewFromInt(1), Details: domain.CashDetails{}, PaidAt: storeNow.Add(time.Minute)}
	require.NoError(t, store.Payments().Insert(ctx, cash))

	list, err := store.Payments().ListByOrder(ctx, "tenant-1", "ord_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "pay_1", list[0].ID)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.PutGiftCard(domain.GiftCard{TenantID: "tenant-1", Code: "GC-1", Balance: decimal.NewFromInt(20), OriginalAmount: decimal.NewFromInt(20), Active: true})
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(txCtx context.Context) error {
		if err := store.Orders().Insert(txCtx, newOrder("ord_1")); err != nil {
			return err
		}
		if _, err := store.GiftCards().Debit(txCtx, repositories.GiftCardDebitRequest{TenantID: "tenant-1", Code: "gc-1", Amount: decimal.NewFromInt(5), Now: storeNow}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Orders().FindByID(ctx, "tenant-1", "ord_1")
	require.True(t, repositories.IsNotFound(err))
	card, err := store.GiftCards().FindByCode(ctx, "tenant-1", "GC-1")
	require.NoError(t, err)
	require.True(t, card.Balance.Equal(decimal.NewFromInt(20)))
}

func TestGiftCardDebitRefusesOverdraw(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.PutGiftCard(domain.GiftCard{TenantID: "tenant-1", Code: "GC-1", Balance: decimal.NewFromInt(3), OriginalAmount: decimal.NewFromInt(3), Active: true})

	_, err := store.GiftCards().Debit(ctx, repositories.GiftCardDebitRequest{TenantID: "tenant-1", Code: "GC-1", Amount: decimal.NewFromInt(5), Now: storeNow})
	var gcErr *repositories.GiftCardError
	require.ErrorAs(t, err, &gcErr)
	require.Equal(t, repositories.GiftCardErrorInsufficientBalance, gcErr.Code)

	credited, err := store.GiftCards().Credit(ctx, repositories.GiftCardCreditRequest{TenantID: "tenant-1", Code: "GC-1", Amount: decimal.NewFromInt(2), Now: storeNow})
	require.NoError(t, err)
	require.True(t, credited.Balance.Equal(decimal.NewFromInt(5)))
}

func TestInventoryDecrementRefusesShortage(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	store.PutBucket(domain.InventoryBucket{ID: "b2", TenantID: "tenant-1", ProductID: "latte", OnHand: 1})
	store.PutBucket(domain.InventoryBucket{ID: "b1", TenantID: "tenant-1", ProductID: "latte", OnHand: 4})

	buckets, err := store.Inventory().ListBuckets(ctx, "tenant-1", "latte")
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "b1", buckets[0].ID)

	_, err = store.Inventory().Decrement(ctx, "tenant-1", "b2", 2, storeNow)
	var invErr *repositories.InventoryError
	require.ErrorAs(t, err, &invErr)
	require.Equal(t, repositories.InventoryErrorInsufficientStock, invErr.Code)

	bucket, err := store.Inventory().Decrement(ctx, "tenant-1", "b1", 4, storeNow)
	require.NoError(t, err)
	require.Zero(t, bucket.OnHand)
}
