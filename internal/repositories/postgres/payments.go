package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/repositories"
)

// PaymentRepository stores payment rows. Tender details map to dedicated nullable columns.
type PaymentRepository struct {
	q querier
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	var (
		cashReceived, changeDue     *string
		intentID, chargeID, giftRef *string
	)
	switch d := payment.Details.(type) {
	case domain.CashDetails:
		received, change := d.Received.String(), d.Change.String()
		cashReceived, changeDue = &received, &change
	case domain.CardDetails:
		intentID, chargeID = nullable(d.IntentID), nullable(d.ChargeID)
	case domain.GiftCardDetails:
		giftRef = nullable(strings.ToUpper(d.Code))
	default:
		return fmt.Errorf("payments.insert: unsupported details %T", payment.Details)
	}

	const stmt = `
INSERT INTO payments (tenant_id, id, order_id, created_by, amount, method, cash_received, change_due,
	intent_id, charge_id, gift_card_code, paid_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.q.exec(ctx, stmt,
		payment.TenantID, payment.ID, payment.OrderID, payment.CreatedBy, payment.Amount.String(),
		string(payment.Method()), cashReceived, changeDue, intentID, chargeID, giftRef, payment.PaidAt)
	return wrapError("payments.insert", err)
}

func (r *PaymentRepository) Delete(ctx context.Context, tenantID, orderID, paymentID string) error {
	tag, err := r.q.exec(ctx, `DELETE FROM payments WHERE tenant_id = $1 AND order_id = $2 AND id = $3`, tenantID, orderID, paymentID)
	if err != nil {
		return wrapError("payments.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return repositories.NewNotFoundError("payments.delete", "payment")
	}
	return nil
}

const paymentColumns = `id, tenant_id, order_id, created_by, amount::text, method, cash_received::text, change_due::text,
	intent_id, charge_id, gift_card_code, paid_at`

func (r *PaymentRepository) FindByID(ctx context.Context, tenantID, orderID, paymentID string) (domain.Payment, error) {
	row := r.q.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tenant_id = $1 AND order_id = $2 AND id = $3`,
		tenantID, orderID, paymentID)
	payment, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, repositories.NewNotFoundError("payments.find", "payment")
	}
	if err != nil {
		return domain.Payment{}, wrapError("payments.find", err)
	}
	return payment, nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Payment, error) {
	rows, err := r.q.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tenant_id = $1 AND order_id = $2 ORDER BY paid_at, id`,
		tenantID, orderID)
	if err != nil {
		return nil, wrapError("payments.list", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, wrapError("payments.list", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("payments.list", err)
	}
	return payments, nil
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p                           domain.Payment
		amount, method              string
		cashReceived, changeDue     *string
		intentID, chargeID, giftRef *string
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.OrderID, &p.CreatedBy, &amount, &method,
		&cashReceived, &changeDue, &intentID, &chargeID, &giftRef, &p.PaidAt); err != nil {
		return domain.Payment{}, err
	}

	var err error
	if p.Amount, err = parseDecimal(amount); err != nil {
		return domain.Payment{}, err
	}
	p.PaidAt = p.PaidAt.UTC()

	switch domain.TenderMethod(method) {
	case domain.TenderCash:
		details := domain.CashDetails{}
		if details.Received, err = parseOptionalDecimal(cashReceived); err != nil {
			return domain.Payment{}, err
		}
		if details.Change, err = parseOptionalDecimal(changeDue); err != nil {
			return domain.Payment{}, err
		}
		p.Details = details
	case domain.TenderCard:
		p.Details = domain.CardDetails{IntentID: deref(intentID), ChargeID: deref(chargeID)}
	case domain.TenderGiftCard:
		p.Details = domain.GiftCardDetails{Code: deref(giftRef)}
	default:
		return domain.Payment{}, fmt.Errorf("unknown payment method %q", method)
	}
	return p, nil
}

// RefundRepository stores refund records; lines are kept as a JSONB document.
type RefundRepository struct {
	q querier
}

type refundLineRecord struct {
	PaymentID       string `json:"paymentId"`
	Method          string `json:"method"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	GatewayRefundID string `json:"gatewayRefundId,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (r *RefundRepository) Insert(ctx context.Context, refund domain.Refund) error {
	records := make([]refundLineRecord, 0, len(refund.Lines))
	for _, line := range refund.Lines {
		records = append(records, refundLineRecord{
			PaymentID:       line.PaymentID,
			Method:          string(line.Method),
			Amount:          line.Amount.String(),
			Status:          string(line.Status),
			GatewayRefundID: line.GatewayRefundID,
			Error:           line.Error,
		})
	}
	lines, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("refunds.insert: encode lines: %w", err)
	}

	const stmt = `
INSERT INTO refunds (tenant_id, id, order_id, amount, reason, status, lines, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.q.exec(ctx, stmt, refund.TenantID, refund.ID, refund.OrderID, refund.Amount.String(),
		refund.Reason, string(refund.Status), string(lines), refund.CreatedBy, refund.CreatedAt)
	return wrapError("refunds.insert", err)
}

func (r *RefundRepository) ListByOrder(ctx context.Context, tenantID, orderID string) ([]domain.Refund, error) {
	rows, err := r.q.query(ctx, `
SELECT id, tenant_id, order_id, amount::text, reason, status, lines::text, created_by, created_at
FROM refunds WHERE tenant_id = $1 AND order_id = $2 ORDER BY created_at, id`, tenantID, orderID)
	if err != nil {
		return nil, wrapError("refunds.list", err)
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		var (
			refund                domain.Refund
			amount, status, lines string
			createdAt             time.Time
		)
		if err := rows.Scan(&refund.ID, &refund.TenantID, &refund.OrderID, &amount, &refund.Reason, &status,
			&lines, &refund.CreatedBy, &createdAt); err != nil {
			return nil, wrapError("refunds.list", err)
		}
		if refund.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		refund.Status = domain.RefundStatus(status)
		refund.CreatedAt = createdAt.UTC()

		var records []refundLineRecord
		if err := json.Unmarshal([]byte(lines), &records); err != nil {
			return nil, fmt.Errorf("refunds.list: decode lines: %w", err)
		}
		for _, rec := range records {
			lineAmount, err := parseDecimal(rec.Amount)
			if err != nil {
				return nil, err
			}
			refund.Lines = append(refund.Lines, domain.RefundLine{
				PaymentID:       rec.PaymentID,
				Method:          domain.TenderMethod(rec.Method),
				Amount:          lineAmount,
				Status:          domain.RefundLineStatus(rec.Status),
				GatewayRefundID: rec.GatewayRefundID,
				Error:           rec.Error,
			})
		}
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("refunds.list", err)
	}
	return refunds, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
