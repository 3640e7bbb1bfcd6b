package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/payments"
)

func payByCard(t *testing.T, f *fixture, order Order, intentID, amount string) Payment {
	t.Helper()
	f.cardIntent(t, intentID, domain.MustParseCurrency("USD").MinorUnits(dec(t, amount)), payments.IntentStatusSucceeded)
	res, err := f.payments.CreatePayment(context.Background(), CreatePaymentCommand{
		TenantID: testTenant, OrderID: order.ID,
		Tender: TenderInput{Method: "card", Amount: dec(t, amount), IntentID: intentID},
	})
	if err != nil {
		t.Fatalf("card payment: %v", err)
	}
	return res.Payment
}

func TestRefundCoordinator_FullCardRefundCancelsOrder(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "75")
	payment := payByCard(t, f, order, "pi_full", "75")

	res, err := f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{
		TenantID: testTenant, OrderID: order.ID, ActorID: "manager", Reason: "wrong order",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OrderStatus != domain.OrderStatusCancelled || res.Order.CancelledAt == nil {
		t.Fatalf("expected cancelled order, got %+v", res.Order)
	}
	if res.Refund.Status != domain.RefundStatusCompleted || len(res.Lines) != 1 {
		t.Fatalf("unexpected refund %+v", res.Refund)
	}
	assertAmount(t, "refunded", res.TotalRefunded, "75")

	if len(f.gateway.refunds) != 1 {
		t.Fatalf("expected one gateway refund, got %d", len(f.gateway.refunds))
	}
	req := f.gateway.refunds[0]
	if req.Amount != 7500 || req.ChargeID != "ch_pi_full" {
		t.Fatalf("unexpected gateway request %+v", req)
	}
	if req.IdempotencyKey != "refund:"+res.Refund.ID+":"+payment.ID {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}

	stored := f.loadOrder(t, order.ID)
	if stored.Status != domain.OrderStatusCancelled || stored.CancelReason != "wrong order" {
		t.Fatalf("unexpected stored order %+v", stored)
	}
	types := f.events.types()
	if !slices.Contains(types, orderEventRefundProcessed) || !slices.Contains(types, orderEventCancelled) {
		t.Fatalf("expected refund and cancel events, got %v", types)
	}
}

func TestRefundCoordinator_PartialRefundKeepsOrderPaid(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "75")
	payByCard(t, f, order, "pi_part", "75")

	res, err := f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID, Amount: decPtr(t, "25")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OrderStatus != domain.OrderStatusPaid {
		t.Fatalf("expected order to stay paid, got %s", res.OrderStatus)
	}

	_, err = f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID, Amount: decPtr(t, "60")})
	if !errors.Is(err, ErrRefundInvalidInput) {
		t.Fatalf("expected refundable amount to account for prior refunds, got %v", err)
	}

	res, err = f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID})
	if err != nil {
		t.Fatalf("refund remainder: %v", err)
	}
	assertAmount(t, "second refund", res.TotalRefunded, "50")
	if res.OrderStatus != domain.OrderStatusCancelled {
		t.Fatalf("cumulative full refund should cancel, got %s", res.OrderStatus)
	}

	refunds, err := f.refunds.ListRefunds(context.Background(), testTenant, order.ID)
	if err != nil || len(refunds) != 2 {
		t.Fatalf("expected two stored refunds, got %d (%v)", len(refunds), err)
	}
}

func TestRefundCoordinator_MostRecentPaymentFirst(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "50")
	f.giftCard(t, "GC-1", "30")

	_, err := f.payments.CreateSplitPayments(context.Background(), CreateSplitPaymentsCommand{
		TenantID: testTenant, OrderID: order.ID,
		Tenders: []TenderInput{
			{Method: "cash", Amount: dec(t, "20"), CashReceived: dec(t, "20")},
			{Method: "gift_card", Amount: dec(t, "30"), GiftCardCode: "GC-1"},
		},
	})
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	res, err := f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID, Amount: decPtr(t, "35")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("expected two lines, got %+v", res.Lines)
	}
	if res.Lines[0].Method != domain.TenderGiftCard || !res.Lines[0].Amount.Equal(dec(t, "30")) {
		t.Fatalf("gift card should be reversed first, got %+v", res.Lines[0])
	}
	if res.Lines[1].Method != domain.TenderCash || !res.Lines[1].Amount.Equal(dec(t, "5")) {
		t.Fatalf("cash should cover the rest, got %+v", res.Lines[1])
	}
	card, _ := f.store.GiftCards().FindByCode(context.Background(), testTenant, "GC-1")
	assertAmount(t, "card credited", card.Balance, "30")
}

func TestRefundCoordinator_AllocationFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "75")
	f.giftCard(t, "GC-2", "30")
	payByCard(t, f, order, "pi_mix", "45")
	if _, err := f.payments.CreatePayment(context.Background(), CreatePaymentCommand{
		TenantID: testTenant, OrderID: order.ID,
		Tender: TenderInput{Method: "gift_card", Amount: dec(t, "30"), GiftCardCode: "GC-2"},
	}); err != nil {
		t.Fatalf("gift card payment: %v", err)
	}
	f.gateway.refundErr = payments.ErrRequestRejected

	res, err := f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID})
	var allocErr *RefundAllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("expected allocation error, got %v", err)
	}
	if !errors.Is(err, ErrPaymentTenderRejected) {
		t.Fatalf("expected gateway rejection to be exposed, got %v", err)
	}
	if res.Refund.Status != domain.RefundStatusPartial || res.OrderStatus != domain.OrderStatusPaid {
		t.Fatalf("unexpected partial result %+v", res)
	}
	assertAmount(t, "refunded", res.TotalRefunded, "30")
	if res.Lines[1].Status != domain.RefundLineFailed || !strings.Contains(res.Lines[1].Error, "rejected") {
		t.Fatalf("expected failed card line, got %+v", res.Lines[1])
	}

	refunds, err := f.refunds.ListRefunds(context.Background(), testTenant, order.ID)
	if err != nil || len(refunds) != 1 {
		t.Fatalf("refund record must be stored, got %d (%v)", len(refunds), err)
	}

	// The gift card portion is already refunded; a retry only walks the card.
	f.gateway.refundErr = nil
	res, err = f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(res.Lines) != 1 || res.Lines[0].Method != domain.TenderCard {
		t.Fatalf("expected only the card to be retried, got %+v", res.Lines)
	}
	if res.OrderStatus != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled after retry, got %s", res.OrderStatus)
	}
}

func TestRefundCoordinator_NoGatewayLeavesCardPending(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "20")
	payByCard(t, f, order, "pi_manual", "20")

	coordinator, err := NewRefundCoordinator(RefundCoordinatorDeps{
		Orders:     f.store.Orders(),
		Payments:   f.store.Payments(),
		Refunds:    f.store.Refunds(),
		GiftCards:  f.store.GiftCards(),
		UnitOfWork: f.store,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	res, err := coordinator.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Lines[0].Status != domain.RefundLinePending || res.Refund.Status != domain.RefundStatusPartial {
		t.Fatalf("expected pending manual refund, got %+v", res.Refund)
	}
	if res.OrderStatus != domain.OrderStatusCancelled {
		t.Fatalf("pending lines still count toward the refunded total, got %s", res.OrderStatus)
	}
}

func TestRefundCoordinator_RejectsUnpaidOrders(t *testing.T) {
	f := newFixture(t)
	order := f.openOrder(t, "20")
	_, err := f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID})
	if !errors.Is(err, ErrRefundInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	f.payInFull(t, order)
	for _, amount := range []string{"0", "-5", "25"} {
		_, err := f.refunds.ProcessRefund(context.Background(), ProcessRefundCommand{TenantID: testTenant, OrderID: order.ID, Amount: decPtr(t, amount)})
		if !errors.Is(err, ErrRefundInvalidInput) {
			t.Fatalf("amount %s: expected invalid input, got %v", amount, err)
		}
	}
}

func TestRefundStatus(t *testing.T) {
	failure := errors.New("boom")
	cases := []struct {
		name    string
		lines   []RefundLine
		failure error
		want    domain.RefundStatus
	}{
		{"all succeeded", []RefundLine{{Status: domain.RefundLineSucceeded}}, nil, domain.RefundStatusCompleted},
		{"pending", []RefundLine{{Status: domain.RefundLinePending}}, nil, domain.RefundStatusPartial},
		{"first failed", []RefundLine{{Status: domain.RefundLineFailed}}, failure, domain.RefundStatusFailed},
		{"later failed", []RefundLine{{Status: domain.RefundLineSucceeded}, {Status: domain.RefundLineFailed}}, failure, domain.RefundStatusPartial},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := refundStatus(tc.lines, tc.failure); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
