package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ledgerpos/api/internal/domain"
	"github.com/ledgerpos/api/internal/platform/httpx"
	"github.com/ledgerpos/api/internal/platform/requestctx"
	"github.com/ledgerpos/api/internal/services"
)

const maxOrderBodySize = 64 * 1024

// OrderHandlersDeps wires the services behind /v1/orders.
type OrderHandlersDeps struct {
	Orders   services.OrderService
	Payments services.PaymentService
	Refunds  services.RefundService
	Currency domain.Currency
	// Idempotency guards tender and refund submissions. Nil leaves them unguarded.
	Idempotency func(http.Handler) http.Handler
}

// OrderHandlers exposes the order lifecycle, payment and refund endpoints.
type OrderHandlers struct {
	orders      services.OrderService
	payments    services.PaymentService
	refunds     services.RefundService
	currency    domain.Currency
	idempotency func(http.Handler) http.Handler
}

func NewOrderHandlers(deps OrderHandlersDeps) *OrderHandlers {
	cur := deps.Currency
	if cur.Code == "" {
		cur = domain.MustParseCurrency("USD")
	}
	return &OrderHandlers{
		orders:      deps.Orders,
		payments:    deps.Payments,
		refunds:     deps.Refunds,
		currency:    cur,
		idempotency: deps.Idempotency,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	guarded := r
	if h.idempotency != nil {
		guarded = r.With(h.idempotency)
	}

	r.Post("/", h.createOrder)
	r.Get("/{orderID}", h.getOrder)
	r.Patch("/{orderID}", h.updateOrder)
	r.Post("/{orderID}:place", h.placeOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)

	r.Get("/{orderID}/payments", h.listPayments)
	guarded.Post("/{orderID}/payments", h.createPayment)
	guarded.Post("/{orderID}/payments:split", h.createSplitPayments)
	r.Post("/{orderID}/payments:intent", h.createCardIntent)
	r.Delete("/{orderID}/payments/{paymentID}", h.deletePayment)

	guarded.Post("/{orderID}:refund", h.processRefund)
	r.Get("/{orderID}/refunds", h.listRefunds)
}

type orderItemRequest struct {
	ProductID       string `json:"productId"`
	ModificationKey string `json:"modificationKey"`
	Quantity        int    `json:"quantity"`
	Notes           string `json:"notes"`
}

type createOrderRequest struct {
	SpotID     string             `json:"spotId"`
	DiscountID string             `json:"discountId"`
	Items      []orderItemRequest `json:"items"`
}

type updateOrderRequest struct {
	Items           *[]orderItemRequest `json:"items"`
	DiscountID      *string             `json:"discountId"`
	ExpectedVersion *int64              `json:"expectedVersion"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID           string             `json:"id"`
	SpotID       string             `json:"spotId"`
	Status       string             `json:"status"`
	Items        []orderItemPayload `json:"items"`
	DiscountID   string             `json:"discountId,omitempty"`
	Totals       orderTotalsPayload `json:"totals"`
	CancelReason string             `json:"cancelReason,omitempty"`
	CreatedBy    string             `json:"createdBy,omitempty"`
	PlacedAt     string             `json:"placedAt,omitempty"`
	PaidAt       string             `json:"paidAt,omitempty"`
	CancelledAt  string             `json:"cancelledAt,omitempty"`
	CreatedAt    string             `json:"createdAt"`
	UpdatedAt    string             `json:"updatedAt"`
	Version      int64              `json:"version"`
}

type orderItemPayload struct {
	ProductID       string `json:"productId"`
	ModificationKey string `json:"modificationKey,omitempty"`
	Quantity        int    `json:"quantity"`
	UnitPrice       string `json:"unitPrice"`
	LineTotal       string `json:"lineTotal"`
	Notes           string `json:"notes,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal string `json:"subtotal"`
	Discount string `json:"discount"`
	Tax      string `json:"tax"`
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}

	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		TenantID:   requestctx.Tenant(ctx),
		SpotID:     strings.TrimSpace(req.SpotID),
		ActorID:    requestctx.Actor(ctx),
		DiscountID: strings.TrimSpace(req.DiscountID),
		Items:      toItemInputs(req.Items),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: h.buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, requestctx.Tenant(ctx), orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: h.buildOrderPayload(order)})
}

func (h *OrderHandlers) updateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req updateOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}
	if req.Items == nil && req.DiscountID == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "items or discountId must be provided", http.StatusBadRequest))
		return
	}

	cmd := services.UpdateOrderCommand{
		TenantID:        requestctx.Tenant(ctx),
		OrderID:         orderID,
		ActorID:         requestctx.Actor(ctx),
		DiscountID:      req.DiscountID,
		ExpectedVersion: req.ExpectedVersion,
	}
	if req.Items != nil {
		items := toItemInputs(*req.Items)
		cmd.Items = &items
	}

	order, err := h.orders.UpdateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: h.buildOrderPayload(order)})
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.orders.PlaceOrder(ctx, services.PlaceOrderCommand{
		TenantID: requestctx.Tenant(ctx),
		OrderID:  orderID,
		ActorID:  requestctx.Actor(ctx),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: h.buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req cancelOrderRequest
	if err := httpx.DecodeJSON(r, &req, maxOrderBodySize); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.CancelOrder(ctx, services.CancelOrderCommand{
		TenantID: requestctx.Tenant(ctx),
		OrderID:  orderID,
		ActorID:  requestctx.Actor(ctx),
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: h.buildOrderPayload(order)})
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func toItemInputs(items []orderItemRequest) []services.OrderItemInput {
	inputs := make([]services.OrderItemInput, 0, len(items))
	for _, item := range items {
		inputs = append(inputs, services.OrderItemInput{
			ProductID:       strings.TrimSpace(item.ProductID),
			ModificationKey: strings.TrimSpace(item.ModificationKey),
			Quantity:        item.Quantity,
			Notes:           strings.TrimSpace(item.Notes),
		})
	}
	return inputs
}

func (h *OrderHandlers) buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID:       item.ProductID,
			ModificationKey: item.ModificationKey,
			Quantity:        item.Quantity,
			UnitPrice:       h.money(item.UnitPrice),
			LineTotal:       h.money(item.LineTotal()),
			Notes:           item.Notes,
		})
	}
	return orderPayload{
		ID:         order.ID,
		SpotID:     order.SpotID,
		Status:     string(order.Status),
		Items:      items,
		DiscountID: order.DiscountID,
		Totals: orderTotalsPayload{
			Subtotal: h.money(order.Subtotal),
			Discount: h.money(order.Discount),
			Tax:      h.money(order.Tax),
			Total:    h.money(order.Total()),
			Currency: h.currency.Code,
		},
		CancelReason: order.CancelReason,
		CreatedBy:    order.CreatedBy,
		PlacedAt:     formatOptionalTime(order.PlacedAt),
		PaidAt:       formatOptionalTime(order.PaidAt),
		CancelledAt:  formatOptionalTime(order.CancelledAt),
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		Version:      order.Version,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
