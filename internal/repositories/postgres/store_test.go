package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
	"github.com/ledgerpos/api/internal/services"
)

// openTestStore connects to POS_TEST_DATABASE_URL and returns a store plus a tenant id unique to
// the test so runs do not collide.
func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("POS_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := Open(ctx, Config{DSN: dsn, MaxConns: 4, Migrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, "t_" + strings.ToLower(ulid.Make().String())
}

func TestOrderRoundTripAndVersioning(t *testing.T) {
	store, tenant := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	order := domain.Order{
		ID:        "ord_1",
		TenantID:  tenant,
		SpotID:    "table-4",
		Status:    domain.OrderStatusDraft,
		Subtotal:  decimal.RequireFromString("9.00"),
		Tax:       decimal.RequireFromString("0.72"),
		CreatedAt: now,
		UpdatedAt: now,
		Items: []domain.OrderItem{
			{ProductID: "latte", Quantity: 2, UnitPrice: decimal.RequireFromString("4.50"), Notes: "oat milk"},
		},
	}
	require.NoError(t, store.Orders().Insert(ctx, order))

	stored, err := store.Orders().FindByID(ctx, tenant, "ord_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, stored.Version)
	require.Len(t, stored.Items, 1)
	require.True(t, stored.Total().Equal(decimal.RequireFromString("9.72")))

	stored.Status = domain.OrderStatusPlaced
	placedAt := now
	stored.PlacedAt = &placedAt
	updated, err := store.Orders().Update(ctx, stored)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	_, err = store.Orders().Update(ctx, stored)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())

	_, err = store.Orders().FindByID(ctx, "other-"+tenant, "ord_1")
	require.True(t, repositories.IsNotFound(err))
}

func TestPaymentsRejectReusedCardIntent(t *testing.T) {
	store, tenant := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.Orders().Insert(ctx, domain.Order{ID: "ord_1", TenantID: tenant, Status: domain.OrderStatusPlaced, Subtotal: decimal.NewFromInt(20), CreatedAt: now, UpdatedAt: now}))

	card := domain.Payment{ID: "pay_1", TenantID: tenant, OrderID: "ord_1", Amount: decimal.NewFromInt(5), Details: domain.CardDetails{IntentID: "pi_1", ChargeID: "ch_1"}, PaidAt: now}
	require.NoError(t, store.Payments().Insert(ctx, card))

	dup := card
	dup.ID = "pay_2"
	err := store.Payments().Insert(ctx, dup)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())

	cash := domain.Payment{ID: "pay_3", TenantID: tenant, OrderID: "ord_1", Amount: decimal.NewFromInt(3), Details: domain.CashDetails{Received: decimal.NewFromInt(5), Change: decimal.NewFromInt(2)}, PaidAt: now.Add(time.Second)}
	require.NoError(t, store.Payments().Insert(ctx, cash))

	list, err := store.Payments().ListByOrder(ctx, tenant, "ord_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, domain.TenderCard, list[0].Method())
	details, ok := list[1].Details.(domain.CashDetails)
	require.True(t, ok)
	require.True(t, details.Change.Equal(decimal.NewFromInt(2)))

	require.NoError(t, store.Payments().Delete(ctx, tenant, "ord_1", "pay_3"))
	_, err = store.Payments().FindByID(ctx, tenant, "ord_1", "pay_3")
	require.True(t, repositories.IsNotFound(err))
}

func TestRunInTxRollsBack(t *testing.T) {
	store, tenant := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(txCtx context.Context) error {
		if err := store.Orders().Insert(txCtx, domain.Order{ID: "ord_tx", TenantID: tenant, Status: domain.OrderStatusDraft, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Orders().FindByID(ctx, tenant, "ord_tx")
	require.True(t, repositories.IsNotFound(err))
}

func TestGiftCardAndInventoryGuards(t *testing.T) {
	store, tenant := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Pool().Exec(ctx, `INSERT INTO gift_cards (tenant_id, code, balance, original_amount, active) VALUES ($1, 'GC-1', 3, 3, TRUE)`, tenant)
	require.NoError(t, err)
	_, err = store.Pool().Exec(ctx, `INSERT INTO inventory_buckets (tenant_id, id, product_id, on_hand) VALUES ($1, 'b1', 'latte', 1)`, tenant)
	require.NoError(t, err)

	_, err = store.GiftCards().Debit(ctx, repositories.GiftCardDebitRequest{TenantID: tenant, Code: "GC-1", Amount: decimal.NewFromInt(5), Now: now})
	var gcErr *repositories.GiftCardError
	require.ErrorAs(t, err, &gcErr)
	require.Equal(t, repositories.GiftCardErrorInsufficientBalance, gcErr.Code)

	card, err := store.GiftCards().Debit(ctx, repositories.GiftCardDebitRequest{TenantID: tenant, Code: "GC-1", Amount: decimal.NewFromInt(2), Now: now})
	require.NoError(t, err)
	require.True(t, card.Balance.Equal(decimal.NewFromInt(1)))

	_, err = store.Inventory().Decrement(ctx, tenant, "b1", 2, now)
	var invErr *repositories.InventoryError
	require.ErrorAs(t, err, &invErr)
	require.Equal(t, repositories.InventoryErrorInsufficientStock, invErr.Code)

	report, err := store.Health().Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.HealthStatusOK, report.Status)
}

func TestConcurrentPaymentsNeverOverpay(t *testing.T) {
	store, tenant := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Pool().Exec(ctx, `INSERT INTO products (tenant_id, id, name, price, available) VALUES ($1, 'latte', 'Latte', 25, TRUE)`, tenant)
	require.NoError(t, err)
	require.NoError(t, store.Orders().Insert(ctx, domain.Order{
		ID:        "ord_race",
		TenantID:  tenant,
		Status:    domain.OrderStatusPlaced,
		Subtotal:  decimal.NewFromInt(50),
		Items:     []domain.OrderItem{{ProductID: "latte", Quantity: 2, UnitPrice: decimal.NewFromInt(25)}},
		CreatedAt: now,
		UpdatedAt: now,
	}))

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{TaxRules: store.TaxRules(), Discounts: store.Discounts()})
	require.NoError(t, err)
	machine, err := services.NewOrderStateMachine(store.Catalog())
	require.NoError(t, err)
	reconciler, err := services.NewReconciliationService(services.ReconciliationServiceDeps{StateMachine: machine})
	require.NoError(t, err)
	payments, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:       store.Orders(),
		Payments:     store.Payments(),
		GiftCards:    store.GiftCards(),
		Pricing:      pricing,
		StateMachine: machine,
		Reconciler:   reconciler,
		UnitOfWork:   store,
	})
	require.NoError(t, err)

	const workers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := payments.CreatePayment(ctx, services.CreatePaymentCommand{
				TenantID: tenant,
				OrderID:  "ord_race",
				Tender:   services.TenderInput{Method: "cash", Amount: decimal.NewFromInt(50), CashReceived: decimal.NewFromInt(50)},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, services.ErrPaymentExceedsBalance) && !errors.Is(err, services.ErrOrderInvalidState) &&
				!errors.Is(err, services.ErrOrderConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	list, err := store.Payments().ListByOrder(ctx, tenant, "ord_race")
	require.NoError(t, err)
	require.Len(t, list, 1)

	order, err := store.Orders().FindByID(ctx, tenant, "ord_race")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, order.Status)
}
