package firestore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	pfirestore "github.com/ledgerpos/api/internal/platform/firestore"
)

type paymentDocument struct {
	TenantID     string    `firestore:"tenantId"`
	OrderID      string    `firestore:"orderId"`
	CreatedBy    string    `firestore:"createdBy,omitempty"`
	Amount       string    `firestore:"amount"`
	Method       string    `firestore:"method"`
	CashReceived string    `firestore:"cashReceived,omitempty"`
	ChangeDue    string    `firestore:"changeDue,omitempty"`
	IntentID     string    `firestore:"intentId,omitempty"`
	ChargeID     string    `firestore:"chargeId,omitempty"`
	GiftCardCode string    `firestore:"giftCardCode,omitempty"`
	PaidAt       time.Time `firestore:"paidAt"`
}

type tenderClaimDocument struct {
	PaymentID string    `firestore:"paymentId"`
	ClaimedAt time.Time `firestore:"claimedAt"`
}

func newPaymentDocument(p domain.Payment) (paymentDocument, error) {
	doc := paymentDocument{
		TenantID:  p.TenantID,
		OrderID:   p.OrderID,
		CreatedBy: p.CreatedBy,
		Amount:    p.Amount.String(),
		Method:    string(p.Method()),
		PaidAt:    p.PaidAt,
	}
	switch d := p.Details.(type) {
	case domain.CashDetails:
		doc.CashReceived, doc.ChangeDue = d.Received.String(), d.Change.String()
	case domain.CardDetails:
		doc.IntentID, doc.ChargeID = d.IntentID, d.ChargeID
	case domain.GiftCardDetails:
		doc.GiftCardCode = strings.ToUpper(d.Code)
	default:
		return paymentDocument{}, fmt.Errorf("unsupported payment details %T", p.Details)
	}
	return doc, nil
}

func (d paymentDocument) toDomain(id string) (domain.Payment, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return domain.Payment{}, fmt.Errorf("decode payment %s amount: %w", id, err)
	}
	p := domain.Payment{
		ID:        id,
		TenantID:  d.TenantID,
		OrderID:   d.OrderID,
		CreatedBy: d.CreatedBy,
		Amount:    amount,
		PaidAt:    d.PaidAt.UTC(),
	}
	switch domain.TenderMethod(d.Method) {
	case domain.TenderCash:
		details := domain.CashDetails{Received: decimal.Zero, Change: decimal.Zero}
		if d.CashReceived != "" {
			if details.Received, err = decimal.NewFromString(d.CashReceived); err != nil {
				return domain.Payment{}, fmt.Errorf("decode payment %s cash received: %w", id, err)
			}
		}
		if d.ChangeDue != "" {
			if details.Change, err = decimal.NewFromString(d.ChangeDue); err != nil {
				return domain.Payment{}, fmt.Errorf("decode payment %s change: %w", id, err)
			}
		}
		p.Details = details
	case domain.TenderCard:
		p.Details = domain.CardDetails{IntentID: d.IntentID, ChargeID: d.ChargeID}
	case domain.TenderGiftCard:
		p.Details = domain.GiftCardDetails{Code: d.GiftCardCode}
	default:
		return domain.Payment{}, fmt.Errorf("payment %s has unknown method %q", id, d.Method)
	}
	return p, nil
}

// tenderDocID turns a tender key into a valid document id.
func tenderDocID(key string) string {
	return strings.NewReplacer("/", "_", ".", "_").Replace(key)
}

// PaymentRepository stores payments under their order. A tender claim document per card intent or
// gift card code enforces per-order uniqueness at commit time.
type PaymentRepository struct {
	base
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	orderRef, err := r.orderDoc(ctx, payment.TenantID, payment.OrderID)
	if err != nil {
		return err
	}
	doc, err := newPaymentDocument(payment)
	if err != nil {
		return err
	}

	return r.runTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if key := payment.TenderKey(); key != "" {
			claim := tenderClaimDocument{PaymentID: payment.ID, ClaimedAt: payment.PaidAt}
			if err := tx.Create(orderRef.Collection(tendersCollection).Doc(tenderDocID(key)), claim); err != nil {
				return pfirestore.WrapError("payments.claim_tender", err)
			}
		}
		return pfirestore.WrapError("payments.insert", tx.Create(orderRef.Collection(paymentsCollection).Doc(payment.ID), doc))
	})
}

func (r *PaymentRepository) Delete(ctx context.Context, tenantID, orderID, paymentID string) error {
	orderRef, err := r.orderDoc(ctx, tenantID, orderID)
	if err != nil {
		return err
	}
	ref := orderRef.Collection(paymentsCollection).Doc(paymentID)
	joined := pfirestore.TxFromContext(ctx) != nil

	var payment domain.Payment
	if joined {
		// Reads are not allowed after writes inside a transaction, so the caller is expected to
		// have loaded the payment already; re-read it outside the transaction for the claim key.
		snap, err := ref.Get(ctx)
		if err != nil {
			return pfirestore.WrapError("payments.delete", err)
		}
		if payment, err = decodePayment(snap); err != nil {
			return err
		}
	}

	return r.runTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if !joined {
			snap, err := tx.Get(ref)
			if err != nil {
				return pfirestore.WrapError("payments.delete", err)
			}
			if payment, err = decodePayment(snap); err != nil {
				return err
			}
		}
		if key := payment.TenderKey(); key != "" {
			if err := tx.Delete(orderRef.Collection(tendersCollection).Doc(tenderDocID(key))); err != nil {
				return pfirestore.WrapError("payments.release_tender", err)
			}
		}
		return pfirestore.WrapError("payments.delete", tx.Delete(ref, firestore.Exists))
	})
}

func (r *PaymentRepository) FindByID(ctx context.Context, tenantID, orderID, paymentID string) (domain.Payment, error) {
	orderRef, err := r.orderDoc(ctx, tenantID, orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	snap, err := get(ctx, orderRef.Collection(paymentsCollection).Doc(paymentID))
	if err != nil {
		return domain.Payment{}, pfirestore.WrapError("payments.find", err)
	}
	return decodePayment(snap)
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Payment, error) {
	orderRef, err := r.orderDoc(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	snaps, err := documents(ctx, orderRef.Collection(paymentsCollection).Query)
	if err != nil {
		return nil, pfirestore.WrapError("payments.list", err)
	}
	payments := make([]domain.Payment, 0, len(snaps))
	for _, snap := range snaps {
		p, err := decodePayment(snap)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	sort.SliceStable(payments, func(i, j int) bool {
		if payments[i].PaidAt.Equal(payments[j].PaidAt) {
			return payments[i].ID < payments[j].ID
		}
		return payments[i].PaidAt.Before(payments[j].PaidAt)
	})
	return payments, nil
}

func decodePayment(snap *firestore.DocumentSnapshot) (domain.Payment, error) {
	var doc paymentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Payment{}, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID)
}

type refundLineDocument struct {
	PaymentID       string `firestore:"paymentId"`
	Method          string `firestore:"method"`
	Amount          string `firestore:"amount"`
	Status          string `firestore:"status"`
	GatewayRefundID string `firestore:"gatewayRefundId,omitempty"`
	Error           string `firestore:"error,omitempty"`
}

type refundDocument struct {
	TenantID  string               `firestore:"tenantId"`
	OrderID   string               `firestore:"orderId"`
	Amount    string               `firestore:"amount"`
	Reason    string               `firestore:"reason,omitempty"`
	Status    string               `firestore:"status"`
	Lines     []refundLineDocument `firestore:"lines"`
	CreatedBy string               `firestore:"createdBy,omitempty"`
	CreatedAt time.Time            `firestore:"createdAt"`
}

// RefundRepository stores refund records under their order.
type RefundRepository struct {
	base
}

func (r *RefundRepository) Insert(ctx context.Context, refund domain.Refund) error {
	orderRef, err := r.orderDoc(ctx, refund.TenantID, refund.OrderID)
	if err != nil {
		return err
	}
	doc := refundDocument{
		TenantID:  refund.TenantID,
		OrderID:   refund.OrderID,
		Amount:    refund.Amount.String(),
		Reason:    refund.Reason,
		Status:    string(refund.Status),
		CreatedBy: refund.CreatedBy,
		CreatedAt: refund.CreatedAt,
	}
	for _, line := range refund.Lines {
		doc.Lines = append(doc.Lines, refundLineDocument{
			PaymentID:       line.PaymentID,
			Method:          string(line.Method),
			Amount:          line.Amount.String(),
			Status:          string(line.Status),
			GatewayRefundID: line.GatewayRefundID,
			Error:           line.Error,
		})
	}
	return r.runTx(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return pfirestore.WrapError("refunds.insert", tx.Create(orderRef.Collection(refundsCollection).Doc(refund.ID), doc))
	})
}

func (r *RefundRepository) ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Refund, error) {
	orderRef, err := r.orderDoc(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	snaps, err := documents(ctx, orderRef.Collection(refundsCollection).OrderBy("createdAt", firestore.Asc))
	if err != nil {
		return nil, pfirestore.WrapError("refunds.list", err)
	}
	refunds := make([]domain.Refund, 0, len(snaps))
	for _, snap := range snaps {
		var doc refundDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode refund %s: %w", snap.Ref.ID, err)
		}
		amount, err := decimal.NewFromString(doc.Amount)
		if err != nil {
			return nil, fmt.Errorf("decode refund %s amount: %w", snap.Ref.ID, err)
		}
		refund := domain.Refund{
			ID:        snap.Ref.ID,
			TenantID:  doc.TenantID,
			OrderID:   doc.OrderID,
			Amount:    amount,
			Reason:    doc.Reason,
			Status:    domain.RefundStatus(doc.Status),
			CreatedBy: doc.CreatedBy,
			CreatedAt: doc.CreatedAt.UTC(),
		}
		for _, line := range doc.Lines {
			lineAmount, err := decimal.NewFromString(line.Amount)
			if err != nil {
				return nil, fmt.Errorf("decode refund %s line amount: %w", snap.Ref.ID, err)
			}
			refund.Lines = append(refund.Lines, domain.RefundLine{
				PaymentID:       line.PaymentID,
				Method:          domain.TenderMethod(line.Method),
				Amount:          lineAmount,
				Status:          domain.RefundLineStatus(line.Status),
				GatewayRefundID: line.GatewayRefundID,
				Error:           line.Error,
			})
		}
		refunds = append(refunds, refund)
	}
	return refunds, nil
}
