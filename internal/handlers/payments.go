package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/platform/httpx"
	"github.com/ledgerpos/api/internal/platform/requestctx"
	"github.com/ledgerpos/api/internal/services"
)

const maxSplitTenders = 16

// Amounts are accepted as JSON strings or numbers.
type tenderRequest struct {
	Method       string          `json:"method"`
	Amount       decimal.Decimal `json:"amount"`
	CashReceived decimal.Decimal `json:"cashReceived"`
	IntentID     string          `json:"intentId"`
	GiftCardCode string          `json:"giftCardCode"`
}

type splitPaymentRequest struct {
	Tenders []tenderRequest `json:"tenders"`
}

type cardIntentRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

type paymentPayload struct {
	ID           string `json:"id"`
	Method       string `json:"method"`
	Amount       string `json:"amount"`
	CashReceived string `json:"cashReceived,omitempty"`
	Change       string `json:"change,omitempty"`
	IntentID     string `json:"intentId,omitempty"`
	ChargeID     string `json:"chargeId,omitempty"`
	GiftCardCode string `json:"giftCardCode,omitempty"`
	CreatedBy    string `json:"createdBy,omitempty"`
	PaidAt       string `json:"paidAt"`
}

type paymentResponse struct {
	Payment   paymentPayload `json:"payment"`
	Order     orderPayload   `json:"order"`
	TotalPaid string         `json:"totalPaid"`
	Remaining string         `json:"remaining"`
	Change    string         `json:"change"`
}

type splitPaymentResponse struct {
	Payments  []paymentPayload `json:"payments"`
	Order     orderPayload     `json:"order"`
	TotalPaid string           `json:"totalPaid"`
	Remaining string           `json:"remaining"`
	Change    string           `json:"change"`
}

type balanceResponse struct {
	Order     orderPayload     `json:"order"`
	Payments  []paymentPayload `json:"payments"`
	TotalPaid string           `json:"totalPaid"`
	Remaining string           `json:"remaining"`
}

type cardIntentResponse struct {
	IntentID     string `json:"intentId"`
	ClientSecret string `json:"clientSecret"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

func (h *OrderHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	balance, err := h.payments.GetBalance(ctx, requestctx.Tenant(ctx), orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.buildBalanceResponse(balance))
}

func (h *OrderHandlers) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req tenderRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	result, err := h.payments.CreatePayment(ctx, services.CreatePaymentCommand{
		TenantID: requestctx.Tenant(ctx),
		OrderID:  orderID,
		ActorID:  requestctx.Actor(ctx),
		Tender:   req.toInput(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, paymentResponse{
		Payment:   h.buildPaymentPayload(result.Payment),
		Order:     h.buildOrderPayload(result.Order),
		TotalPaid: h.money(result.TotalPaid),
		Remaining: h.money(result.Remaining),
		Change:    h.money(result.Change),
	})
}

func (h *OrderHandlers) createSplitPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req splitPaymentRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if len(req.Tenders) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one tender is required", http.StatusBadRequest))
		return
	}
	if len(req.Tenders) > maxSplitTenders {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "too many tenders in one split", http.StatusBadRequest))
		return
	}

	tenders := make([]services.TenderInput, 0, len(req.Tenders))
	for _, tender := range req.Tenders {
		tenders = append(tenders, tender.toInput())
	}

	result, err := h.payments.CreateSplitPayments(ctx, services.CreateSplitPaymentsCommand{
		TenantID: requestctx.Tenant(ctx),
		OrderID:  orderID,
		ActorID:  requestctx.Actor(ctx),
		Tenders:  tenders,
	})
	if err != nil {
		var splitErr *services.SplitPaymentError
		if errors.As(err, &splitErr) {
			h.writeSplitError(ctx, w, splitErr)
			return
		}
		writeServiceError(ctx, w, err)
		return
	}

	payments := make([]paymentPayload, 0, len(result.Payments))
	for _, payment := range result.Payments {
		payments = append(payments, h.buildPaymentPayload(payment))
	}
	httpx.WriteJSON(w, http.StatusCreated, splitPaymentResponse{
		Payments:  payments,
		Order:     h.buildOrderPayload(result.Order),
		TotalPaid: h.money(result.TotalPaid),
		Remaining: h.money(result.Remaining),
		Change:    h.money(result.Change),
	})
}

func (h *OrderHandlers) createCardIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req cardIntentRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(ctx, w, err)
		return
	}

	intent, err := h.payments.CreateCardIntent(ctx, services.CreateCardIntentCommand{
		TenantID: requestctx.Tenant(ctx),
		OrderID:  orderID,
		ActorID:  requestctx.Actor(ctx),
		Amount:   req.Amount,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, cardIntentResponse{
		IntentID:     intent.IntentID,
		ClientSecret: intent.ClientSecret,
		Amount:       h.money(intent.Amount),
		Currency:     intent.Currency,
	})
}

func (h *OrderHandlers) deletePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentID"))
	if paymentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment id is required", http.StatusBadRequest))
		return
	}

	balance, err := h.payments.DeletePayment(ctx, services.DeletePaymentCommand{
		TenantID:  requestctx.Tenant(ctx),
		OrderID:   orderID,
		PaymentID: paymentID,
		ActorID:   requestctx.Actor(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.buildBalanceResponse(balance))
}

func (t tenderRequest) toInput() services.TenderInput {
	return services.TenderInput{
		Method:       strings.TrimSpace(t.Method),
		Amount:       t.Amount,
		CashReceived: t.CashReceived,
		IntentID:     strings.TrimSpace(t.IntentID),
		GiftCardCode: strings.TrimSpace(t.GiftCardCode),
	}
}

func (h *OrderHandlers) buildBalanceResponse(balance services.PaymentBalance) balanceResponse {
	payments := make([]paymentPayload, 0, len(balance.Payments))
	for _, payment := range balance.Payments {
		payments = append(payments, h.buildPaymentPayload(payment))
	}
	return balanceResponse{
		Order:     h.buildOrderPayload(balance.Order),
		Payments:  payments,
		TotalPaid: h.money(balance.TotalPaid),
		Remaining: h.money(balance.Remaining),
	}
}

func (h *OrderHandlers) buildPaymentPayload(payment services.Payment) paymentPayload {
	payload := paymentPayload{
		ID:        payment.ID,
		Method:    string(payment.Method()),
		Amount:    h.money(payment.Amount),
		CreatedBy: payment.CreatedBy,
		PaidAt:    formatTime(payment.PaidAt),
	}
	switch d := payment.Details.(type) {
	case domain.CashDetails:
		payload.CashReceived = h.money(d.Received)
		payload.Change = h.money(d.Change)
	case domain.CardDetails:
		payload.IntentID = d.IntentID
		payload.ChargeID = d.ChargeID
	case domain.GiftCardDetails:
		payload.GiftCardCode = maskGiftCardCode(d.Code)
	}
	return payload
}

// maskGiftCardCode keeps the last four characters.
func maskGiftCardCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) <= 4 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-4) + code[len(code)-4:]
}

func (h *OrderHandlers) money(amount decimal.Decimal) string {
	return h.currency.Round(amount).StringFixed(h.currency.Scale)
}
