package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

// InventoryDeduction removes sold quantities from stock once an order is paid.
type InventoryDeduction interface {
	Deduct(ctx context.Context, tenantID string, items []OrderItem) error
}

// ReconciliationService compares paid against total and drives the status of the order.
type ReconciliationService struct {
	machine   *OrderStateMachine
	inventory InventoryDeduction
	sink      eventSink
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// ReconciliationServiceDeps bundles collaborators required to construct the reconciliation service.
type ReconciliationServiceDeps struct {
	StateMachine *OrderStateMachine
	// Inventory is optional; without it paid orders do not touch stock.
	Inventory InventoryDeduction
	Events    OrderEventPublisher
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

// NewReconciliationService validates dependencies and returns the service.
func NewReconciliationService(deps ReconciliationServiceDeps) (*ReconciliationService, error) {
	if deps.StateMachine == nil {
		return nil, errors.New("reconciliation service: state machine is required")
	}
	logger := defaultLogger(deps.Logger)
	return &ReconciliationService{
		machine:   deps.StateMachine,
		inventory: deps.Inventory,
		sink:      eventSink{events: deps.Events, logger: logger},
		now:       utcClock(deps.Clock),
		logger:    logger,
	}, nil
}

// Reconcile decides the status implied by payments. It mutates only the returned copy of the order;
// callers persist it in the transaction that changed the payments.
func (r *ReconciliationService) Reconcile(_ context.Context, order Order, payments []Payment) (ReconcileOutcome, error) {
	now := r.now()
	order = order.Clone()
	paid := domain.SumPayments(payments)
	outcome := ReconcileOutcome{
		PreviousStatus: order.Status,
		TotalPaid:      paid,
		Remaining:      remainingBalance(order, paid),
		ReconciledAt:   now,
	}

	switch {
	case order.Status == domain.OrderStatusCancelled:
	case paid.GreaterThanOrEqual(order.Total()) && order.Status != domain.OrderStatusPaid:
		if order.Status == domain.OrderStatusDraft {
			if err := r.machine.Apply(&order, domain.OrderStatusPlaced, now); err != nil {
				return ReconcileOutcome{}, err
			}
		}
		if err := r.machine.Apply(&order, domain.OrderStatusPaid, now); err != nil {
			return ReconcileOutcome{}, err
		}
		outcome.BecamePaid = true
	case paid.LessThan(order.Total()) && order.Status == domain.OrderStatusPaid:
		// Paid is terminal for requested transitions; only the ledger may take it back.
		order.Status = domain.OrderStatusDraft
		if order.PlacedAt != nil {
			order.Status = domain.OrderStatusPlaced
		}
		order.PaidAt = nil
		order.UpdatedAt = now
		outcome.Reverted = true
	}

	outcome.Order = order
	return outcome, nil
}

// AfterCommit runs the side effects of a committed reconciliation. Inventory shortfalls are reported
// as operational alerts and never returned.
func (r *ReconciliationService) AfterCommit(ctx context.Context, outcome ReconcileOutcome, actorID string) {
	order := outcome.Order
	switch {
	case outcome.BecamePaid:
		if r.inventory != nil {
			if err := r.inventory.Deduct(ctx, order.TenantID, order.Items); err != nil {
				fields := map[string]any{
					"tenantId": order.TenantID,
					"orderId":  order.ID,
					"error":    err.Error(),
				}
				var shortage *InventoryShortageError
				if errors.As(err, &shortage) {
					fields["shortages"] = shortage.Products()
				}
				r.logger(ctx, "reconciliation.inventory.shortage", fields)
				r.sink.publish(ctx, OrderEvent{
					Type:          orderEventInventoryShort,
					TenantID:      order.TenantID,
					OrderID:       order.ID,
					CurrentStatus: string(order.Status),
					ActorID:       actorID,
					OccurredAt:    r.now(),
					Metadata:      map[string]any{"error": err.Error()},
				})
			}
		}
		r.sink.publish(ctx, OrderEvent{
			Type:           orderEventPaid,
			TenantID:       order.TenantID,
			OrderID:        order.ID,
			PreviousStatus: string(outcome.PreviousStatus),
			CurrentStatus:  string(order.Status),
			ActorID:        actorID,
			OccurredAt:     outcome.ReconciledAt,
			Metadata: map[string]any{
				"total":     order.Total().String(),
				"totalPaid": outcome.TotalPaid.String(),
			},
		})
	case outcome.Reverted:
		r.logger(ctx, "reconciliation.order.reverted", map[string]any{
			"tenantId":  order.TenantID,
			"orderId":   order.ID,
			"status":    string(order.Status),
			"totalPaid": outcome.TotalPaid.String(),
		})
		r.sink.publish(ctx, OrderEvent{
			Type:           orderEventReverted,
			TenantID:       order.TenantID,
			OrderID:        order.ID,
			PreviousStatus: string(outcome.PreviousStatus),
			CurrentStatus:  string(order.Status),
			ActorID:        actorID,
			OccurredAt:     outcome.ReconciledAt,
		})
	}
}

func remainingBalance(order Order, paid decimal.Decimal) decimal.Decimal {
	remaining := order.Total().Sub(paid)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// ProductShortage reports stock missing for one order line.
type ProductShortage struct {
	ProductID       string
	ModificationKey string
	Requested       int
	Deducted        int
}

// InventoryShortageError collects every line that could not be fully deducted.
type InventoryShortageError struct {
	Shortages []ProductShortage
}

func (e *InventoryShortageError) Error() string {
	parts := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		parts[i] = fmt.Sprintf("%s short by %d", s.ProductID, s.Requested-s.Deducted)
	}
	return "inventory shortage: " + strings.Join(parts, ", ")
}

// Products lists the product ids that were short.
func (e *InventoryShortageError) Products() []string {
	ids := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		ids[i] = s.ProductID
	}
	return ids
}

// InventoryDeducter drains stock buckets for paid order lines.
type InventoryDeducter struct {
	inventory  repositories.InventoryRepository
	unitOfWork repositories.UnitOfWork
	now        func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// InventoryDeducterDeps bundles collaborators required to construct the deducter.
type InventoryDeducterDeps struct {
	Inventory  repositories.InventoryRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	Logger     func(context.Context, string, map[string]any)
}

// NewInventoryDeducter validates dependencies and returns a deducter.
func NewInventoryDeducter(deps InventoryDeducterDeps) (*InventoryDeducter, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory deducter: inventory repository is required")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	return &InventoryDeducter{
		inventory:  deps.Inventory,
		unitOfWork: unit,
		now:        utcClock(deps.Clock),
		logger:     defaultLogger(deps.Logger),
	}, nil
}

// Deduct walks every line: buckets without a modification are drained first, then
// modification-specific buckets, each in bucket id order. Lines that cannot be covered are
// collected into an InventoryShortageError; store failures are joined alongside it.
func (d *InventoryDeducter) Deduct(ctx context.Context, tenantID string, items []OrderItem) error {
	var (
		shortages []ProductShortage
		failures  []error
	)
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		deducted, err := d.deductLine(ctx, tenantID, item)
		if err != nil {
			failures = append(failures, err)
		}
		if deducted < item.Quantity {
			shortages = append(shortages, ProductShortage{
				ProductID:       item.ProductID,
				ModificationKey: item.ModificationKey,
				Requested:       item.Quantity,
				Deducted:        deducted,
			})
		}
	}
	if len(shortages) > 0 {
		failures = append([]error{&InventoryShortageError{Shortages: shortages}}, failures...)
	}
	return errors.Join(failures...)
}

func (d *InventoryDeducter) deductLine(ctx context.Context, tenantID string, item OrderItem) (int, error) {
	buckets, err := d.inventory.ListBuckets(ctx, tenantID, item.ProductID)
	if err != nil {
		return 0, fmt.Errorf("list buckets for %s: %w", item.ProductID, err)
	}

	ordered := make([]InventoryBucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Unmodified() {
			ordered = append(ordered, b)
		}
	}
	for _, b := range buckets {
		if !b.Unmodified() {
			ordered = append(ordered, b)
		}
	}

	need := item.Quantity
	deducted := 0
	for _, bucket := range ordered {
		if need == 0 {
			break
		}
		take := min(bucket.OnHand, need)
		if take <= 0 {
			continue
		}
		err := d.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
			_, err := d.inventory.Decrement(txCtx, tenantID, bucket.ID, take, d.now())
			return err
		})
		if err != nil {
			var invErr *repositories.InventoryError
			if errors.As(err, &invErr) {
				// Stock moved since the listing; the remainder falls through to later buckets.
				d.logger(ctx, "inventory.bucket.skipped", map[string]any{
					"bucketId": bucket.ID,
					"code":     string(invErr.Code),
				})
				continue
			}
			return deducted, fmt.Errorf("decrement bucket %s: %w", bucket.ID, err)
		}
		need -= take
		deducted += take
	}
	return deducted, nil
}
