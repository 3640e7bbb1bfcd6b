package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/payments"
	"github.com/ledgerpos/api/internal/repositories"
)

const paymentIDPrefix = "pay_"

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders       repositories.OrderRepository
	Payments     repositories.PaymentRepository
	GiftCards    repositories.GiftCardRepository
	Pricing      *PricingEngine
	StateMachine *OrderStateMachine
	Reconciler   *ReconciliationService
	// Gateway is optional; without it card tenders are rejected.
	Gateway payments.Gateway
	// Locker is optional and serialises split payments per order across instances.
	Locker        OrderLocker
	UnitOfWork    repositories.UnitOfWork
	MeterProvider metric.MeterProvider
	Clock         func() time.Time
	IDGenerator   func() string
	Events        OrderEventPublisher
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders     repositories.OrderRepository
	payments   repositories.PaymentRepository
	giftCards  repositories.GiftCardRepository
	pricing    *PricingEngine
	machine    *OrderStateMachine
	reconciler *ReconciliationService
	gateway    payments.Gateway
	locker     OrderLocker
	unitOfWork repositories.UnitOfWork
	metrics    ledgerMetrics
	currency   domain.Currency
	clock      func() time.Time
	newID      func() string
	sink       eventSink
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.GiftCards == nil {
		return nil, errors.New("payment service: gift card repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("payment service: pricing engine is required")
	}
	if deps.StateMachine == nil {
		return nil, errors.New("payment service: state machine is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("payment service: reconciliation service is required")
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

	return &paymentService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		giftCards:  deps.GiftCards,
		pricing:    deps.Pricing,
		machine:    deps.StateMachine,
		reconciler: deps.Reconciler,
		gateway:    deps.Gateway,
		locker:     deps.Locker,
		unitOfWork: unit,
		metrics:    newLedgerMetrics(deps.MeterProvider),
		currency:   deps.Pricing.Currency(),
		clock:      utcClock(deps.Clock),
		newID:      idGen,
		sink:       eventSink{events: deps.Events, logger: logger},
		logger:     logger,
	}, nil
}

// tenderPlan is a tender that passed every check that does not need the gateway or gift card ledger.
type tenderPlan struct {
	method   domain.TenderMethod
	amount   decimal.Decimal
	received decimal.Decimal
	change   decimal.Decimal
	intentID string
	code     string
}

func (s *paymentService) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (result PaymentResult, err error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return PaymentResult{}, err
	}
	ctx, span := startSpan(ctx, "payments.create",
		attribute.String("tenant.id", tenantID),
		attribute.String("order.id", orderID),
		attribute.String("payment.method", cmd.Tender.Method),
	)
	defer func() { endSpan(span, err) }()

	if _, err := s.refreshTotals(ctx, tenantID, orderID); err != nil {
		return PaymentResult{}, err
	}
	return s.createOne(ctx, tenantID, orderID, strings.TrimSpace(cmd.ActorID), cmd.Tender, false)
}

func (s *paymentService) CreateSplitPayments(ctx context.Context, cmd CreateSplitPaymentsCommand) (result SplitPaymentResult, err error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return SplitPaymentResult{}, err
	}
	if len(cmd.Tenders) == 0 {
		return SplitPaymentResult{}, fmt.Errorf("%w: at least one tender is required", ErrPaymentInvalidInput)
	}
	ctx, span := startSpan(ctx, "payments.split",
		attribute.String("tenant.id", tenantID),
		attribute.String("order.id", orderID),
		attribute.Int("payment.entries", len(cmd.Tenders)),
	)
	defer func() { endSpan(span, err) }()

	release, err := s.acquire(ctx, tenantID, orderID)
	if err != nil {
		return SplitPaymentResult{}, err
	}
	defer release()

	order, err := s.refreshTotals(ctx, tenantID, orderID)
	if err != nil {
		return SplitPaymentResult{}, err
	}
	existing, err := s.payments.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return SplitPaymentResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	remaining := order.Total().Sub(domain.SumPayments(existing))

	sum := decimal.Zero
	for i, tender := range cmd.Tenders {
		amount := s.currency.Round(tender.Amount)
		if !amount.IsPositive() {
			return SplitPaymentResult{}, fmt.Errorf("%w: split entry %d amount must be positive", ErrPaymentInvalidInput, i)
		}
		sum = sum.Add(amount)
	}
	if !domain.WithinEpsilon(sum, remaining) {
		return SplitPaymentResult{}, fmt.Errorf("%w: split amounts total %s but remaining balance is %s",
			ErrPaymentInvalidInput, sum.StringFixed(s.currency.Scale), remaining.StringFixed(s.currency.Scale))
	}

	actorID := strings.TrimSpace(cmd.ActorID)
	entries := make([]SplitEntryResult, 0, len(cmd.Tenders))
	failed := false
	for i, tender := range cmd.Tenders {
		entry := SplitEntryResult{Index: i, Method: tender.Method, Amount: tender.Amount}
		res, err := s.createOne(ctx, tenantID, orderID, actorID, tender, true)
		if err != nil {
			entry.Err = err
			failed = true
			s.logger(ctx, "payment.split.entry.failed", map[string]any{
				"tenantId": tenantID,
				"orderId":  orderID,
				"entry":    i,
				"method":   tender.Method,
				"error":    err.Error(),
			})
		} else {
			payment := res.Payment
			entry.Payment = &payment
			entry.Change = res.Change
			result.Payments = append(result.Payments, payment)
			result.Order = res.Order
			result.TotalPaid = res.TotalPaid
			result.Remaining = res.Remaining
			result.Change = result.Change.Add(res.Change)
		}
		entries = append(entries, entry)
	}

	if failed {
		return SplitPaymentResult{}, &SplitPaymentError{Entries: entries, Partial: result}
	}
	return result, nil
}

func (s *paymentService) CreateCardIntent(ctx context.Context, cmd CreateCardIntentCommand) (CardIntent, error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return CardIntent{}, err
	}
	if s.gateway == nil {
		return CardIntent{}, fmt.Errorf("%w: card gateway is not configured", ErrPaymentTenderRejected)
	}
	balance, err := s.GetBalance(ctx, tenantID, orderID)
	if err != nil {
		return CardIntent{}, err
	}
	if !balance.Order.AwaitingPayment() {
		return CardIntent{}, fmt.Errorf("%w: %s orders do not accept payments", ErrOrderInvalidState, balance.Order.Status)
	}

	amount := balance.Remaining
	if cmd.Amount != nil {
		amount = s.currency.Round(*cmd.Amount)
	}
	if !amount.IsPositive() {
		return CardIntent{}, fmt.Errorf("%w: intent amount must be positive", ErrPaymentInvalidInput)
	}
	if amount.GreaterThan(balance.Remaining) {
		return CardIntent{}, fmt.Errorf("%w: %s exceeds remaining %s", ErrPaymentExceedsBalance,
			amount.StringFixed(s.currency.Scale), balance.Remaining.StringFixed(s.currency.Scale))
	}

	minor := s.currency.MinorUnits(amount)
	intent, err := s.gateway.CreateIntent(ctx, payments.CreateIntentRequest{
		TenantID:       tenantID,
		OrderID:        orderID,
		Amount:         minor,
		Currency:       s.currency.Code,
		IdempotencyKey: fmt.Sprintf("intent:%s:%d:%d", orderID, balance.Order.Version, minor),
		Metadata:       map[string]string{"actor_id": strings.TrimSpace(cmd.ActorID)},
	})
	if err != nil {
		return CardIntent{}, mapGatewayError(err)
	}
	return CardIntent{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       s.currency.FromMinorUnits(intent.Amount),
		Currency:     s.currency.Code,
	}, nil
}

func (s *paymentService) DeletePayment(ctx context.Context, cmd DeletePaymentCommand) (balance PaymentBalance, err error) {
	tenantID, orderID, err := orderKey(cmd.TenantID, cmd.OrderID)
	if err != nil {
		return PaymentBalance{}, err
	}
	paymentID := strings.TrimSpace(cmd.PaymentID)
	if paymentID == "" {
		return PaymentBalance{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	ctx, span := startSpan(ctx, "payments.delete",
		attribute.String("tenant.id", tenantID),
		attribute.String("order.id", orderID),
		attribute.String("payment.id", paymentID),
	)
	defer func() { endSpan(span, err) }()

	var (
		outcome ReconcileOutcome
		removed Payment
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		switch order.Status {
		case domain.OrderStatusPaid:
			return fmt.Errorf("%w: order is paid; must refund instead", ErrOrderInvalidState)
		case domain.OrderStatusCancelled:
			return fmt.Errorf("%w: order is cancelled", ErrOrderInvalidState)
		}

		list, err := s.payments.ListByOrder(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		kept := make([]Payment, 0, len(list))
		found := false
		for _, p := range list {
			if p.ID == paymentID {
				removed = p
				found = true
				continue
			}
			kept = append(kept, p)
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrPaymentNotFound, paymentID)
		}

		if details, ok := removed.Details.(domain.GiftCardDetails); ok {
			if _, err := s.giftCards.Credit(txCtx, repositories.GiftCardCreditRequest{
				TenantID: tenantID,
				Code:     details.Code,
				Amount:   removed.Amount,
				Now:      s.clock(),
			}); err != nil {
				return mapGiftCardError(err)
			}
		}
		if err := s.payments.Delete(txCtx, tenantID, orderID, paymentID); err != nil {
			return mapRepositoryError(err, ErrPaymentNotFound)
		}

		outcome, err = s.reconciler.Reconcile(txCtx, order, kept)
		if err != nil {
			return err
		}
		outcome.Order, err = s.orders.Update(txCtx, outcome.Order)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		balance = PaymentBalance{Payments: kept}
		return nil
	})
	if err != nil {
		return PaymentBalance{}, err
	}

	if _, ok := removed.Details.(domain.CardDetails); ok {
		s.logger(ctx, "payment.delete.card.manual_reversal", map[string]any{
			"tenantId":  tenantID,
			"orderId":   orderID,
			"paymentId": paymentID,
			"amount":    removed.Amount.String(),
		})
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	s.sink.publish(ctx, OrderEvent{
		Type:          orderEventPaymentDeleted,
		TenantID:      tenantID,
		OrderID:       orderID,
		CurrentStatus: string(outcome.Order.Status),
		ActorID:       actorID,
		OccurredAt:    outcome.ReconciledAt,
		Metadata: map[string]any{
			"paymentId": paymentID,
			"method":    string(removed.Method()),
			"amount":    removed.Amount.String(),
		},
	})
	s.reconciler.AfterCommit(ctx, outcome, actorID)

	balance.Order = outcome.Order
	balance.TotalPaid = outcome.TotalPaid
	balance.Remaining = outcome.Remaining
	return balance, nil
}

func (s *paymentService) ListPayments(ctx context.Context, tenantID, orderID string) ([]Payment, error) {
	tenantID, orderID, err := orderKey(tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.orders.FindByID(ctx, tenantID, orderID); err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	list, err := s.payments.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	return list, nil
}

func (s *paymentService) GetBalance(ctx context.Context, tenantID, orderID string) (PaymentBalance, error) {
	tenantID, orderID, err := orderKey(tenantID, orderID)
	if err != nil {
		return PaymentBalance{}, err
	}
	order, err := s.orders.FindByID(ctx, tenantID, orderID)
	if err != nil {
		return PaymentBalance{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	list, err := s.payments.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return PaymentBalance{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	paid := domain.SumPayments(list)
	return PaymentBalance{
		Order:     order,
		Payments:  list,
		TotalPaid: paid,
		Remaining: remainingBalance(order, paid),
	}, nil
}

// refreshTotals validates the order for payment and persists recomputed totals when catalog, tax
// or discount state moved since the order was last priced. A referenced discount that has since
// closed fails with ErrPricingDiscountNotFound; the order must be updated before it can be paid.
func (s *paymentService) refreshTotals(ctx context.Context, tenantID, orderID string) (Order, error) {
	var refreshed Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if order.TenantID != tenantID {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if !order.AwaitingPayment() {
			return fmt.Errorf("%w: %s orders do not accept payments", ErrOrderInvalidState, order.Status)
		}

		breakdown, err := s.pricing.CalculateTotals(txCtx, order, tenantID, "")
		if err != nil {
			return err
		}
		if !breakdown.Matches(order) {
			s.logger(txCtx, "payment.totals.refreshed", map[string]any{
				"tenantId":      tenantID,
				"orderId":       orderID,
				"previousTotal": order.Total().String(),
				"total":         breakdown.Total.String(),
			})
			order.Subtotal = breakdown.Subtotal
			order.Discount = breakdown.Discount
			order.Tax = breakdown.Tax
			order.UpdatedAt = s.clock()
			if order, err = s.orders.Update(txCtx, order); err != nil {
				return mapRepositoryError(err, ErrOrderNotFound)
			}
		}
		if err := s.machine.ValidateForPayment(txCtx, order); err != nil {
			return err
		}
		refreshed = order
		return nil
	})
	return refreshed, err
}

// createOne records a single tender. Every check runs once against a plain read so that no gateway
// call is made for a tender that cannot be accepted, and again under the order lock before writing.
func (s *paymentService) createOne(ctx context.Context, tenantID, orderID, actorID string, tender TenderInput, capToRemaining bool) (PaymentResult, error) {
	order, err := s.orders.FindByID(ctx, tenantID, orderID)
	if err != nil {
		return PaymentResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	existing, err := s.payments.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return PaymentResult{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	plan, err := s.planTender(order, existing, tender, capToRemaining)
	if err != nil {
		s.reject(ctx, tender.Method, err)
		return PaymentResult{}, err
	}

	var card domain.CardDetails
	if plan.method == domain.TenderCard {
		if card, err = s.verifyCardIntent(ctx, tenantID, plan); err != nil {
			s.reject(ctx, tender.Method, err)
			return PaymentResult{}, err
		}
	}

	var (
		payment Payment
		outcome ReconcileOutcome
	)
	err = s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if !order.AwaitingPayment() {
			return fmt.Errorf("%w: %s orders do not accept payments", ErrOrderInvalidState, order.Status)
		}
		if !order.Total().IsPositive() {
			return fmt.Errorf("%w: order total must be positive", ErrOrderInvalidInput)
		}
		current, err := s.payments.ListByOrder(txCtx, tenantID, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		locked, err := s.planTender(order, current, tender, capToRemaining)
		if err != nil {
			return err
		}
		if plan.method == domain.TenderCard && !domain.WithinEpsilon(locked.amount, plan.amount) {
			return fmt.Errorf("%w: balance changed while the card intent was verified", ErrOrderConflict)
		}
		plan = locked

		now := s.clock()
		payment = Payment{
			ID:        paymentIDPrefix + s.newID(),
			TenantID:  tenantID,
			OrderID:   orderID,
			CreatedBy: actorID,
			Amount:    plan.amount,
			PaidAt:    now,
		}
		switch plan.method {
		case domain.TenderCash:
			payment.Details = domain.CashDetails{Received: plan.received, Change: plan.change}
		case domain.TenderCard:
			payment.Details = card
		case domain.TenderGiftCard:
			if _, err := s.giftCards.Debit(txCtx, repositories.GiftCardDebitRequest{
				TenantID: tenantID,
				Code:     plan.code,
				Amount:   plan.amount,
				Now:      now,
			}); err != nil {
				return mapGiftCardError(err)
			}
			payment.Details = domain.GiftCardDetails{Code: plan.code}
		}

		if err := s.payments.Insert(txCtx, payment); err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsConflict() {
				return fmt.Errorf("%w: %v", ErrPaymentDuplicateTender, err)
			}
			return mapRepositoryError(err, ErrOrderNotFound)
		}

		outcome, err = s.reconciler.Reconcile(txCtx, order, append(current, payment))
		if err != nil {
			return err
		}
		outcome.Order, err = s.orders.Update(txCtx, outcome.Order)
		return mapRepositoryError(err, ErrOrderNotFound)
	})
	if err != nil {
		s.reject(ctx, tender.Method, err)
		return PaymentResult{}, err
	}

	s.metrics.recorded.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(plan.method))))
	s.logger(ctx, "payment.recorded", map[string]any{
		"tenantId":  tenantID,
		"orderId":   orderID,
		"paymentId": payment.ID,
		"method":    string(plan.method),
		"amount":    payment.Amount.String(),
		"remaining": outcome.Remaining.String(),
	})
	s.sink.publish(ctx, OrderEvent{
		Type:          orderEventPaymentRecorded,
		TenantID:      tenantID,
		OrderID:       orderID,
		CurrentStatus: string(outcome.Order.Status),
		ActorID:       actorID,
		OccurredAt:    payment.PaidAt,
		Metadata: map[string]any{
			"paymentId": payment.ID,
			"method":    string(plan.method),
			"amount":    payment.Amount.String(),
		},
	})
	s.reconciler.AfterCommit(ctx, outcome, actorID)

	return PaymentResult{
		Payment:   payment,
		Order:     outcome.Order,
		TotalPaid: outcome.TotalPaid,
		Remaining: outcome.Remaining,
		Change:    plan.change,
	}, nil
}

// planTender applies the ledger rules in order: balance, method, uniqueness, then tender fields.
func (s *paymentService) planTender(order Order, existing []Payment, tender TenderInput, capToRemaining bool) (tenderPlan, error) {
	remaining := order.Total().Sub(domain.SumPayments(existing))
	amount := s.currency.Round(tender.Amount)

	if amount.GreaterThan(remaining) {
		if capToRemaining && domain.WithinEpsilon(amount, remaining) && remaining.IsPositive() {
			amount = remaining
		} else {
			return tenderPlan{}, fmt.Errorf("%w: %s exceeds remaining %s", ErrPaymentExceedsBalance,
				amount.StringFixed(s.currency.Scale), remaining.StringFixed(s.currency.Scale))
		}
	}

	method, err := domain.ParseTenderMethod(tender.Method)
	if err != nil {
		return tenderPlan{}, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}
	plan := tenderPlan{method: method, received: s.currency.Round(tender.CashReceived)}

	if method == domain.TenderCash && amount.IsZero() {
		amount = decimal.Min(plan.received, remaining)
	}
	if !amount.IsPositive() {
		return tenderPlan{}, fmt.Errorf("%w: amount must be positive", ErrPaymentInvalidInput)
	}
	plan.amount = amount

	var candidate Payment
	switch method {
	case domain.TenderCard:
		plan.intentID = strings.TrimSpace(tender.IntentID)
		candidate.Details = domain.CardDetails{IntentID: plan.intentID}
	case domain.TenderGiftCard:
		plan.code = strings.ToUpper(strings.TrimSpace(tender.GiftCardCode))
		candidate.Details = domain.GiftCardDetails{Code: plan.code}
	}
	if key := candidate.TenderKey(); key != "" {
		for _, p := range existing {
			if p.TenderKey() == key {
				return tenderPlan{}, fmt.Errorf("%w: %s", ErrPaymentDuplicateTender, key)
			}
		}
	}

	switch method {
	case domain.TenderCash:
		if !plan.received.IsPositive() {
			return tenderPlan{}, fmt.Errorf("%w: cash received is required", ErrPaymentInvalidInput)
		}
		// A single cash tender settles the whole balance; split entries cover only their share.
		due := remaining
		if capToRemaining {
			due = decimal.Min(plan.amount, remaining)
		}
		if plan.received.LessThan(due) {
			return tenderPlan{}, fmt.Errorf("%w: cash received %s is less than %s", ErrPaymentInvalidInput,
				plan.received.StringFixed(s.currency.Scale), due.StringFixed(s.currency.Scale))
		}
		plan.amount = due
		plan.change = plan.received.Sub(due)
	case domain.TenderCard:
		if plan.intentID == "" {
			return tenderPlan{}, fmt.Errorf("%w: card intent id is required", ErrPaymentInvalidInput)
		}
	case domain.TenderGiftCard:
		if plan.code == "" {
			return tenderPlan{}, fmt.Errorf("%w: gift card code is required", ErrPaymentInvalidInput)
		}
	}
	return plan, nil
}

func (s *paymentService) verifyCardIntent(ctx context.Context, tenantID string, plan tenderPlan) (domain.CardDetails, error) {
	if s.gateway == nil {
		return domain.CardDetails{}, fmt.Errorf("%w: card gateway is not configured", ErrPaymentTenderRejected)
	}
	intent, err := s.gateway.GetIntent(ctx, payments.LookupRequest{TenantID: tenantID, IntentID: plan.intentID})
	if err != nil {
		return domain.CardDetails{}, mapGatewayError(err)
	}
	if !intent.Status.Settled() {
		return domain.CardDetails{}, fmt.Errorf("%w: intent %s is %s", ErrPaymentTenderRejected, intent.ID, intent.Status)
	}
	charged := s.currency.FromMinorUnits(intent.Amount)
	if !domain.WithinEpsilon(charged, plan.amount) {
		return domain.CardDetails{}, fmt.Errorf("%w: intent amount %s does not match %s", ErrPaymentTenderRejected,
			charged.StringFixed(s.currency.Scale), plan.amount.StringFixed(s.currency.Scale))
	}
	return domain.CardDetails{IntentID: intent.ID, ChargeID: intent.ChargeID}, nil
}

func (s *paymentService) acquire(ctx context.Context, tenantID, orderID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, orderLockKey(tenantID, orderID))
	if err != nil {
		return nil, fmt.Errorf("%w: order is busy: %v", ErrOrderConflict, err)
	}
	return release, nil
}

func (s *paymentService) reject(ctx context.Context, method string, err error) {
	s.metrics.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", strings.ToLower(strings.TrimSpace(method))),
		attribute.String("reason", rejectionReason(err)),
	))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrPaymentExceedsBalance):
		return "exceeds_balance"
	case errors.Is(err, ErrPaymentDuplicateTender):
		return "duplicate_tender"
	case errors.Is(err, ErrPaymentTenderRejected):
		return "tender_rejected"
	case errors.Is(err, ErrPaymentGatewayUnavailable):
		return "gateway_unavailable"
	case errors.Is(err, ErrOrderConflict):
		return "conflict"
	case errors.Is(err, ErrPaymentInvalidInput), errors.Is(err, ErrOrderInvalidInput):
		return "invalid_input"
	default:
		return "other"
	}
}

func orderLockKey(tenantID, orderID string) string {
	return "order:" + tenantID + ":" + orderID
}

func mapGiftCardError(err error) error {
	var cardErr *repositories.GiftCardError
	if errors.As(err, &cardErr) {
		return fmt.Errorf("%w: %s", ErrPaymentTenderRejected, cardErr.Message)
	}
	return mapRepositoryError(err, ErrPaymentTenderRejected)
}

func mapGatewayError(err error) error {
	switch {
	case errors.Is(err, payments.ErrGatewayUnavailable):
		return fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrPaymentTenderRejected, err)
	}
}

// SplitEntryResult reports the outcome of one tender of a split payment.
type SplitEntryResult struct {
	Index   int
	Method  string
	Amount  decimal.Decimal
	Payment *Payment
	Change  decimal.Decimal
	Err     error
}

// SplitPaymentError is returned when at least one split entry failed. Entries that succeeded stay
// committed and are listed alongside the failures.
type SplitPaymentError struct {
	Entries []SplitEntryResult
	Partial SplitPaymentResult
}

func (e *SplitPaymentError) Error() string {
	var parts []string
	for _, entry := range e.Failed() {
		parts = append(parts, fmt.Sprintf("entry %d (%s %s): %v", entry.Index, entry.Method, entry.Amount.String(), entry.Err))
	}
	return "split payment failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes every entry error so callers can match service sentinels.
func (e *SplitPaymentError) Unwrap() []error {
	var errs []error
	for _, entry := range e.Failed() {
		errs = append(errs, entry.Err)
	}
	return errs
}

// Failed returns the entries that did not produce a payment.
func (e *SplitPaymentError) Failed() []SplitEntryResult {
	var failed []SplitEntryResult
	for _, entry := range e.Entries {
		if entry.Err != nil {
			failed = append(failed, entry)
		}
	}
	return failed
}
