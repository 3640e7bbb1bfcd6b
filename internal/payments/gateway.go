package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// IntentStatus enumerates the normalised card intent states shared across gateways.
type IntentStatus string

const (
	// IntentStatusPending indicates the intent still awaits customer action or confirmation.
	IntentStatusPending IntentStatus = "pending"
	// IntentStatusProcessing indicates the gateway accepted the charge and is settling it.
	IntentStatusProcessing IntentStatus = "processing"
	// IntentStatusSucceeded indicates the charge was captured.
	IntentStatusSucceeded IntentStatus = "succeeded"
	// IntentStatusFailed indicates the intent was cancelled or can no longer succeed.
	IntentStatusFailed IntentStatus = "failed"
)

// Settled reports whether a payment may be recorded against the intent.
func (s IntentStatus) Settled() bool {
	return s == IntentStatusSucceeded || s == IntentStatusProcessing
}

// RefundStatus enumerates normalised refund outcomes.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

var (
	// ErrIntentNotFound is returned when the gateway does not know the referenced intent.
	ErrIntentNotFound = errors.New("payments: intent not found")
	// ErrGatewayUnavailable is returned when the gateway could not be reached or failed internally.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrRequestRejected is returned when the gateway refused the request parameters.
	ErrRequestRejected = errors.New("payments: request rejected")
	// ErrUnsupportedTenant is returned when the router has no gateway for the tenant.
	ErrUnsupportedTenant = errors.New("payments: no gateway for tenant")
)

// CreateIntentRequest asks the gateway for a card intent. Amount is in currency minor units.
type CreateIntentRequest struct {
	TenantID       string
	OrderID        string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest identifies an intent to read back from the gateway.
type LookupRequest struct {
	TenantID string
	IntentID string
}

// Intent is the gateway view of a card payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
	ChargeID     string
}

// RefundRequest reverses part or all of a captured intent. Amount is in currency minor units.
type RefundRequest struct {
	TenantID       string
	IntentID       string
	ChargeID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// Refund is the gateway record created by CreateRefund.
type Refund struct {
	ID     string
	Status RefundStatus
	Amount int64
}

// Gateway is the card capability consumed by the payment ledger and refund coordinator.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	GetIntent(ctx context.Context, req LookupRequest) (Intent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
}

// Router selects a gateway per tenant, falling back to a default for tenants without their own
// connected account.
type Router struct {
	tenants  map[string]Gateway
	fallback Gateway
}

// RouterOption configures optional behaviour when building a Router.
type RouterOption func(*Router)

// WithTenantGateway registers a dedicated gateway for the tenant.
func WithTenantGateway(tenantID string, gateway Gateway) RouterOption {
	return func(r *Router) {
		if gateway == nil {
			return
		}
		r.tenants[strings.TrimSpace(tenantID)] = gateway
	}
}

// NewRouter constructs a Router. fallback may be nil when every tenant is registered explicitly.
func NewRouter(fallback Gateway, opts ...RouterOption) (*Router, error) {
	r := &Router{tenants: map[string]Gateway{}, fallback: fallback}
	for _, opt := range opts {
		opt(r)
	}
	if r.fallback == nil && len(r.tenants) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	return r, nil
}

func (r *Router) resolve(tenantID string) (Gateway, error) {
	if r == nil {
		return nil, errors.New("payments: router is nil")
	}
	if gw, ok := r.tenants[strings.TrimSpace(tenantID)]; ok {
		return gw, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedTenant, tenantID)
}

// CreateIntent delegates to the tenant's gateway.
func (r *Router) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	gw, err := r.resolve(req.TenantID)
	if err != nil {
		return Intent{}, err
	}
	return gw.CreateIntent(ctx, req)
}

// GetIntent delegates to the tenant's gateway.
func (r *Router) GetIntent(ctx context.Context, req LookupRequest) (Intent, error) {
	gw, err := r.resolve(req.TenantID)
	if err != nil {
		return Intent{}, err
	}
	return gw.GetIntent(ctx, req)
}

// CreateRefund delegates to the tenant's gateway.
func (r *Router) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	gw, err := r.resolve(req.TenantID)
	if err != nil {
		return Refund{}, err
	}
	return gw.CreateRefund(ctx, req)
}
