package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ledgerpos/api/internal/platform/httpx"
	"github.com/ledgerpos/api/internal/repositories"
	"github.com/ledgerpos/api/internal/services"
)

type errorMapping struct {
	target error
	code   string
	status int
}

// Ordered: the first sentinel matched wins.
var serviceErrorMappings = []errorMapping{
	{services.ErrOrderInvalidInput, "invalid_request", http.StatusBadRequest},
	{services.ErrPaymentInvalidInput, "invalid_tender", http.StatusBadRequest},
	{services.ErrRefundInvalidInput, "invalid_refund", http.StatusBadRequest},
	{services.ErrOrderNotFound, "order_not_found", http.StatusNotFound},
	{services.ErrPaymentNotFound, "payment_not_found", http.StatusNotFound},
	{services.ErrOrderConflict, "order_conflict", http.StatusConflict},
	{services.ErrPaymentDuplicateTender, "duplicate_tender", http.StatusConflict},
	{services.ErrOrderInvalidTransition, "invalid_transition", http.StatusUnprocessableEntity},
	{services.ErrOrderInvalidState, "order_invalid_state", http.StatusUnprocessableEntity},
	{services.ErrRefundInvalidState, "refund_not_allowed", http.StatusUnprocessableEntity},
	{services.ErrPaymentExceedsBalance, "amount_exceeds_balance", http.StatusUnprocessableEntity},
	{services.ErrPaymentTenderRejected, "tender_rejected", http.StatusUnprocessableEntity},
	{services.ErrPricingDiscountNotFound, "discount_not_found", http.StatusUnprocessableEntity},
	{services.ErrPaymentGatewayUnavailable, "gateway_unavailable", http.StatusBadGateway},
	{services.ErrPricingUnavailable, "pricing_unavailable", http.StatusServiceUnavailable},
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, m := range serviceErrorMappings {
		if errors.Is(err, m.target) {
			httpx.WriteError(ctx, w, httpx.NewError(m.code, err.Error(), m.status))
			return
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		httpx.WriteError(ctx, w, httpx.NewError("store_unavailable", "order store is temporarily unavailable", http.StatusServiceUnavailable))
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		httpx.WriteError(ctx, w, httpx.NewError("request_timeout", "request did not complete in time", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body: "+err.Error(), http.StatusBadRequest))
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_service_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

// writeSplitError reports each tender's outcome. Tenders that succeeded stay recorded.
func (h *OrderHandlers) writeSplitError(ctx context.Context, w http.ResponseWriter, splitErr *services.SplitPaymentError) {
	status := http.StatusUnprocessableEntity
	entries := make([]map[string]any, 0, len(splitErr.Entries))
	for _, entry := range splitErr.Entries {
		item := map[string]any{
			"index":  entry.Index,
			"method": entry.Method,
			"amount": h.money(entry.Amount),
		}
		if entry.Err != nil {
			item["error"] = entry.Err.Error()
			if errors.Is(entry.Err, services.ErrPaymentGatewayUnavailable) {
				status = http.StatusBadGateway
			}
		} else if entry.Payment != nil {
			item["payment"] = h.buildPaymentPayload(*entry.Payment)
			item["change"] = h.money(entry.Change)
		}
		entries = append(entries, item)
	}
	details := map[string]any{
		"entries":   entries,
		"totalPaid": h.money(splitErr.Partial.TotalPaid),
		"remaining": h.money(splitErr.Partial.Remaining),
	}
	if splitErr.Partial.Order.ID != "" {
		details["order"] = h.buildOrderPayload(splitErr.Partial.Order)
	}
	httpx.WriteError(ctx, w, httpx.NewError("split_payment_failed", "one or more tenders failed", status).WithDetails(details))
}
