package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ledgerpos/api/internal/platform/httpx"
	"github.com/ledgerpos/api/internal/platform/requestctx"
	"github.com/ledgerpos/api/internal/services"
)

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type refundLinePayload struct {
	PaymentID       string `json:"paymentId"`
	Method          string `json:"method"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	GatewayRefundID string `json:"gatewayRefundId,omitempty"`
	Error           string `json:"error,omitempty"`
}

type refundPayload struct {
	ID        string              `json:"id"`
	Amount    string              `json:"amount"`
	Refunded  string              `json:"refunded"`
	Reason    string              `json:"reason,omitempty"`
	Status    string              `json:"status"`
	Lines     []refundLinePayload `json:"lines"`
	CreatedBy string              `json:"createdBy,omitempty"`
	CreatedAt string              `json:"createdAt"`
}

type refundResponse struct {
	Refund        refundPayload `json:"refund"`
	TotalRefunded string        `json:"totalRefunded"`
	OrderStatus   string        `json:"orderStatus"`
	Order         orderPayload  `json:"order"`
}

type refundListResponse struct {
	Items []refundPayload `json:"items"`
}

func (h *OrderHandlers) processRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		writeServiceUnavailable(ctx, w, "refund")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req refundRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(ctx, w, err)
		return
	}

	result, err := h.refunds.ProcessRefund(ctx, services.ProcessRefundCommand{
		TenantID: requestctx.Tenant(ctx),
		OrderID:  orderID,
		ActorID:  requestctx.Actor(ctx),
		Amount:   req.Amount,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		var allocErr *services.RefundAllocationError
		if errors.As(err, &allocErr) {
			httpx.WriteError(ctx, w, httpx.NewError("refund_incomplete", "one or more payments could not be refunded", http.StatusBadGateway).
				WithDetails(map[string]any{
					"paymentId": allocErr.PaymentID,
					"refund":    h.buildRefundResponse(allocErr.Result),
				}))
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, h.buildRefundResponse(result))
}

func (h *OrderHandlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		writeServiceUnavailable(ctx, w, "refund")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	refunds, err := h.refunds.ListRefunds(ctx, requestctx.Tenant(ctx), orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]refundPayload, 0, len(refunds))
	for _, refund := range refunds {
		items = append(items, h.buildRefundPayload(refund))
	}
	httpx.WriteJSON(w, http.StatusOK, refundListResponse{Items: items})
}

func (h *OrderHandlers) buildRefundResponse(result services.RefundResult) refundResponse {
	refund := result.Refund
	if len(refund.Lines) == 0 && len(result.Lines) > 0 {
		refund.Lines = result.Lines
	}
	return refundResponse{
		Refund:        h.buildRefundPayload(refund),
		TotalRefunded: h.money(result.TotalRefunded),
		OrderStatus:   string(result.OrderStatus),
		Order:         h.buildOrderPayload(result.Order),
	}
}

func (h *OrderHandlers) buildRefundPayload(refund services.Refund) refundPayload {
	lines := make([]refundLinePayload, 0, len(refund.Lines))
	for _, line := range refund.Lines {
		lines = append(lines, refundLinePayload{
			PaymentID:       line.PaymentID,
			Method:          string(line.Method),
			Amount:          h.money(line.Amount),
			Status:          string(line.Status),
			GatewayRefundID: line.GatewayRefundID,
			Error:           line.Error,
		})
	}
	return refundPayload{
		ID:        refund.ID,
		Amount:    h.money(refund.Amount),
		Refunded:  h.money(refund.Refunded()),
		Reason:    refund.Reason,
		Status:    string(refund.Status),
		Lines:     lines,
		CreatedBy: refund.CreatedBy,
		CreatedAt: formatTime(refund.CreatedAt),
	}
}
