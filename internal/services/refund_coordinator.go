package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/payments"
	"github.com/ledgerpos/api/internal/platform/textutil"
	"github.com/ledgerpos/api/internal/repositories"
)

const (
	refundIDPrefix        = "rfd_"
	maxRefundReasonLength = 500
)

// RefundCoordinatorDeps bundles collaborators required to construct the refund coordinator.
type RefundCoordinatorDeps struct {
	Orders       repositories.OrderRepository
	Payments     repositories.PaymentRepository
	Refunds      repositories.RefundRepository
	GiftCards    repositories.GiftCardRepository
	Currency     domain.Currency
	// Gateway is optional; without it card allocations are left pending for manual follow-up.
	Gateway       payments.Gateway
	Locker        OrderLocker
	UnitOfWork    repositories.UnitOfWork
	MeterProvider metric.MeterProvider
	Clock         func() time.Time
	IDGenerator   func() string
	Events        OrderEventPublisher
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type refundCoordinator struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	refunds    repositories.RefundRepository
	giftCards  repositories.GiftCardRepository
	currency   domain.Currency
	gateway    payments.Gateway
	locker     OrderLocker
	unitOfWork repositories.UnitOfWork
	metrics    ledgerMetrics
	clock      func() time.Time
	newID      func() string
	sink       eventSink
	logger     func(context.Context, string, map[string]any)
}

// NewRefundCoordinator wires dependencies into a concrete RefundService implementation.
func NewRefundCoordinator(deps RefundCoordinatorDeps) (RefundService, error) {
	if deps.Orders == nil {
		return nil, errors.New("refund coordinator: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("refund coordinator: payment repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("refund coordinator: refund repository is required")
	}
	if deps.GiftCards == nil {
		return nil, errors.New("refund coordinator: gift card repository is required")
	}

	cur := deps.Currency
	if cur.Code == "" {
		cur = domain.MustParseCurrency("USD")
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := defaultLogger(deps.Logger)

	return &refundCoordinator{
		orders:     deps.Orders,
		payments:   deps.Payments,
		refunds:    deps.Refunds,
		giftCards:  deps.GiftCards,
		currency:   cur,
		gateway:    deps.Gateway,
		locker:     deps.Locker,
		unitOfWork: unit,
		metrics:    newLedgerMetrics(deps.MeterProvider),
		clock:      utcClock(deps.Clock),
		newID:      idGen,
		sink:       eventSink{events: deps.Events, logger: logger},
		logger:     logger,
	}, nil
}

// ProcessRefund walks payments most-recent-first and reverses each allocation with its tender. A
// failing allocation stops the walk; allocations already reversed stay reversed and the refund
// record is stored either way.
func (c *refundCoordinator) ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (result RefundResult, err error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return RefundResult{}, err
	}
	ctx, span := startSpan(ctx, "refunds.process",
		attribute.String("tenant.id", tenantID),
		attribute.String("order.id", orderID),
	)
	defer func() { endSpan(span, err) }()

	if c.locker != nil {
		release, err := c.locker.Acquire(ctx, orderLockKey(tenantID, orderID))
		if err != nil {
			return RefundResult{}, fmt.Errorf("%w: order is busy: %v", ErrOrderConflict, err)
		}
		defer release()
	}

	order, err := c.orders.FindByID(ctx, tenantID, orderID)
	if err != nil {
		return RefundResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if order.Status != domain.OrderStatusPaid {
		return RefundResult{}, fmt.Errorf("%w: only paid orders can be refunded, order is %s", ErrRefundInvalidState, order.Status)
	}

	prior, err := c.refunds.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return RefundResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	refundedByPayment := map[string]decimal.Decimal{}
	alreadyRefunded := decimal.Zero
	for _, r := range prior {
		for _, line := range r.Lines {
			if line.Status == domain.RefundLineFailed {
				continue
			}
			refundedByPayment[line.PaymentID] = refundedByPayment[line.PaymentID].Add(line.Amount)
			alreadyRefunded = alreadyRefunded.Add(line.Amount)
		}
	}

	total := order.Total()
	refundable := total.Sub(alreadyRefunded)
	amount := refundable
	if cmd.Amount != nil {
		amount = c.currency.Round(*cmd.Amount)
	}
	if !amount.IsPositive() {
		return RefundResult{}, fmt.Errorf("%w: refund amount must be positive", ErrRefundInvalidInput)
	}
	if amount.GreaterThan(total) {
		return RefundResult{}, fmt.Errorf("%w: refund %s exceeds order total %s", ErrRefundInvalidInput,
			amount.StringFixed(c.currency.Scale), total.StringFixed(c.currency.Scale))
	}
	if amount.GreaterThan(refundable) {
		return RefundResult{}, fmt.Errorf("%w: refund %s exceeds refundable %s", ErrRefundInvalidInput,
			amount.StringFixed(c.currency.Scale), refundable.StringFixed(c.currency.Scale))
	}

	list, err := c.payments.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return RefundResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].PaidAt.Equal(list[j].PaidAt) {
			return list[i].PaidAt.After(list[j].PaidAt)
		}
		return list[i].ID > list[j].ID
	})

	now := c.clock()
	actorID := strings.TrimSpace(cmd.ActorID)
	refund := Refund{
		ID:        refundIDPrefix + c.newID(),
		TenantID:  tenantID,
		OrderID:   orderID,
		Amount:    amount,
		Reason:    textutil.PlainText(cmd.Reason, maxRefundReasonLength),
		CreatedBy: actorID,
		CreatedAt: now,
	}

	var (
		failure       error
		failedPayment string
	)
	left := amount
	for _, p := range list {
		if !left.IsPositive() {
			break
		}
		available := p.Amount.Sub(refundedByPayment[p.ID])
		if !available.IsPositive() {
			continue
		}
		allocation := decimal.Min(left, available)
		line, err := c.reverse(ctx, refund, p, allocation)
		refund.Lines = append(refund.Lines, line)
		c.metrics.refunds.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", string(line.Method)),
			attribute.String("status", string(line.Status)),
		))
		if err != nil {
			failure = err
			failedPayment = p.ID
			c.logger(ctx, "refund.allocation.failed", map[string]any{
				"tenantId":  tenantID,
				"orderId":   orderID,
				"refundId":  refund.ID,
				"paymentId": p.ID,
				"error":     err.Error(),
			})
			break
		}
		left = left.Sub(allocation)
	}
	if failure == nil && left.IsPositive() {
		failure = fmt.Errorf("%w: payments cover only %s of %s", ErrRefundInvalidInput,
			amount.Sub(left).StringFixed(c.currency.Scale), amount.StringFixed(c.currency.Scale))
	}
	refund.Status = refundStatus(refund.Lines, failure)

	refunded := refund.Refunded()
	cancel := failure == nil && alreadyRefunded.Add(refunded).GreaterThanOrEqual(total)

	var stored Order
	err = c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := c.orders.FindForUpdate(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if err := c.refunds.Insert(txCtx, refund); err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if cancel && current.Status == domain.OrderStatusPaid {
			// Refund is the one path out of Paid.
			current.Status = domain.OrderStatusCancelled
			ts := c.clock()
			current.CancelledAt = &ts
			current.UpdatedAt = ts
			current.CancelReason = refund.Reason
			if current.CancelReason == "" {
				current.CancelReason = "refunded"
			}
		}
		stored, err = c.orders.Update(txCtx, current)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		c.logger(ctx, "refund.record.failed", map[string]any{
			"tenantId": tenantID,
			"orderId":  orderID,
			"refundId": refund.ID,
			"refunded": refunded.String(),
			"error":    err.Error(),
		})
		return RefundResult{}, err
	}

	c.sink.publish(ctx, OrderEvent{
		Type:           orderEventRefundProcessed,
		TenantID:       tenantID,
		OrderID:        orderID,
		PreviousStatus: string(domain.OrderStatusPaid),
		CurrentStatus:  string(stored.Status),
		ActorID:        actorID,
		OccurredAt:     now,
		Metadata: map[string]any{
			"refundId": refund.ID,
			"amount":   amount.String(),
			"refunded": refunded.String(),
			"status":   string(refund.Status),
		},
	})
	if stored.Status == domain.OrderStatusCancelled {
		c.sink.publish(ctx, OrderEvent{
			Type:           orderEventCancelled,
			TenantID:       tenantID,
			OrderID:        orderID,
			PreviousStatus: string(domain.OrderStatusPaid),
			CurrentStatus:  string(stored.Status),
			ActorID:        actorID,
			OccurredAt:     now,
			Metadata:       map[string]any{"reason": stored.CancelReason, "refundId": refund.ID},
		})
	}

	result = RefundResult{
		Refund:        refund,
		Lines:         refund.Lines,
		TotalRefunded: refunded,
		OrderStatus:   stored.Status,
		Order:         stored,
	}
	if failure != nil {
		return result, &RefundAllocationError{Result: result, PaymentID: failedPayment, Err: failure}
	}
	return result, nil
}

func (c *refundCoordinator) ListRefunds(ctx context.Context, tenantID, orderID string) ([]Refund, error) {
	tenantID, orderID, err := orderKey(tenantID, orderID)
	if err != nil {
		return nil, err
	}
	refunds, err := c.refunds.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	return refunds, nil
}

func (c *refundCoordinator) reverse(ctx context.Context, refund Refund, p Payment, amount decimal.Decimal) (RefundLine, error) {
	line := RefundLine{PaymentID: p.ID, Method: p.Method(), Amount: amount}

	switch details := p.Details.(type) {
	case domain.CashDetails:
		line.Status = domain.RefundLineSucceeded
		return line, nil

	case domain.CardDetails:
		if c.gateway == nil || (details.IntentID == "" && details.ChargeID == "") {
			line.Status = domain.RefundLinePending
			return line, nil
		}
		res, err := c.gateway.CreateRefund(ctx, payments.RefundRequest{
			TenantID:       refund.TenantID,
			IntentID:       details.IntentID,
			ChargeID:       details.ChargeID,
			Amount:         c.currency.MinorUnits(amount),
			Reason:         refund.Reason,
			IdempotencyKey: "refund:" + refund.ID + ":" + p.ID,
			Metadata:       map[string]string{"order_id": refund.OrderID, "refund_id": refund.ID},
		})
		if err == nil && res.Status == payments.RefundStatusFailed {
			err = fmt.Errorf("gateway refund %s failed", res.ID)
		}
		if err != nil {
			line.Status = domain.RefundLineFailed
			line.Error = err.Error()
			return line, mapGatewayError(err)
		}
		line.GatewayRefundID = res.ID
		line.Status = domain.RefundLineSucceeded
		if res.Status == payments.RefundStatusPending {
			line.Status = domain.RefundLinePending
		}
		return line, nil

	case domain.GiftCardDetails:
		err := c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
			_, err := c.giftCards.Credit(txCtx, repositories.GiftCardCreditRequest{
				TenantID: refund.TenantID,
				Code:     details.Code,
				Amount:   amount,
				Now:      c.clock(),
			})
			return err
		})
		if err != nil {
			line.Status = domain.RefundLineFailed
			line.Error = err.Error()
			return line, mapGiftCardError(err)
		}
		line.Status = domain.RefundLineSucceeded
		return line, nil
	}

	line.Status = domain.RefundLineFailed
	line.Error = "unsupported tender"
	return line, fmt.Errorf("%w: payment %s has no tender details", ErrRefundInvalidState, p.ID)
}

func refundStatus(lines []RefundLine, failure error) domain.RefundStatus {
	succeeded := 0
	pending := 0
	for _, line := range lines {
		switch line.Status {
		case domain.RefundLineSucceeded:
			succeeded++
		case domain.RefundLinePending:
			pending++
		}
	}
	switch {
	case failure == nil && pending == 0:
		return domain.RefundStatusCompleted
	case succeeded == 0 && pending == 0:
		return domain.RefundStatusFailed
	default:
		return domain.RefundStatusPartial
	}
}

// RefundAllocationError is returned when an allocation failed after earlier allocations were
// reversed. Result describes the committed partial refund.
type RefundAllocationError struct {
	Result    RefundResult
	PaymentID string
	Err       error
}

func (e *RefundAllocationError) Error() string {
	return fmt.Sprintf("refund allocation to payment %s failed after refunding %s: %v", e.PaymentID, e.Result.TotalRefunded.String(), e.Err)
}

func (e *RefundAllocationError) Unwrap() error { return e.Err }
