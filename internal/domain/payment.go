package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TenderMethod identifies how a payment was settled.
type TenderMethod string

const (
	TenderCash     TenderMethod = "cash"
	TenderCard     TenderMethod = "card"
	TenderGiftCard TenderMethod = "gift_card"
)

// ParseTenderMethod normalises client input such as "Cash", "CARD" or "giftcard".
func ParseTenderMethod(raw string) (TenderMethod, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)
	switch normalized {
	case "cash":
		return TenderCash, nil
	case "card":
		return TenderCard, nil
	case "giftcard":
		return TenderGiftCard, nil
	}
	return "", fmt.Errorf("unsupported tender method %q", raw)
}

// PaymentDetails holds tender-specific metadata. Implementations are CashDetails, CardDetails
// and GiftCardDetails.
type PaymentDetails interface {
	Method() TenderMethod
	isPaymentDetails()
}

// CashDetails records what the customer handed over and the change returned.
type CashDetails struct {
	Received decimal.Decimal
	Change   decimal.Decimal
}

// CardDetails correlates the payment with the gateway intent and charge.
type CardDetails struct {
	IntentID string
	ChargeID string
}

// GiftCardDetails references the redeemed card.
type GiftCardDetails struct {
	Code string
}

func (CashDetails) Method() TenderMethod     { return TenderCash }
func (CardDetails) Method() TenderMethod     { return TenderCard }
func (GiftCardDetails) Method() TenderMethod { return TenderGiftCard }

func (CashDetails) isPaymentDetails()     {}
func (CardDetails) isPaymentDetails()     {}
func (GiftCardDetails) isPaymentDetails() {}

// Payment is an immutable settlement entry against an order. It is never updated in place.
type Payment struct {
	ID        string
	TenantID  string
	OrderID   string
	CreatedBy string
	Amount    decimal.Decimal
	Details   PaymentDetails
	PaidAt    time.Time
}

// Method returns the tender method carried by the payment details.
func (p Payment) Method() TenderMethod {
	if p.Details == nil {
		return ""
	}
	return p.Details.Method()
}

// TenderKey returns the per-order uniqueness key of the tender, or "" when the tender may repeat.
func (p Payment) TenderKey() string {
	switch d := p.Details.(type) {
	case CardDetails:
		if d.IntentID == "" {
			return ""
		}
		return string(TenderCard) + ":" + d.IntentID
	case GiftCardDetails:
		if d.Code == "" {
			return ""
		}
		return string(TenderGiftCard) + ":" + strings.ToUpper(d.Code)
	}
	return ""
}

// SumPayments totals the amounts of the supplied payments.
func SumPayments(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// RefundLineStatus reports the outcome of reversing a single payment allocation.
type RefundLineStatus string

const (
	RefundLineSucceeded RefundLineStatus = "succeeded"
	RefundLinePending   RefundLineStatus = "pending"
	RefundLineFailed    RefundLineStatus = "failed"
)

// RefundStatus summarises a refund as a whole.
type RefundStatus string

const (
	RefundStatusCompleted RefundStatus = "completed"
	RefundStatusPartial   RefundStatus = "partial"
	RefundStatusFailed    RefundStatus = "failed"
)

// RefundLine is the allocation of part of a refund to one payment.
type RefundLine struct {
	PaymentID       string
	Method          TenderMethod
	Amount          decimal.Decimal
	Status          RefundLineStatus
	GatewayRefundID string
	Error           string
}

// Refund records a refund request and the per-payment reversals it produced.
type Refund struct {
	ID        string
	TenantID  string
	OrderID   string
	Amount    decimal.Decimal
	Reason    string
	Status    RefundStatus
	Lines     []RefundLine
	CreatedBy string
	CreatedAt time.Time
}

// Refunded totals the amount of lines that did not fail.
func (r Refund) Refunded() decimal.Decimal {
	total := decimal.Zero
	for _, line := range r.Lines {
		if line.Status == RefundLineFailed {
			continue
		}
		total = total.Add(line.Amount)
	}
	return total
}
