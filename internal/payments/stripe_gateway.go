package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/ledgerpos/api/internal/platform/textutil"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey string
	// AccountID routes calls to a connected account when set.
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeGateway implements Gateway using Stripe payment intents.
type StripeGateway struct {
	api     stripeClients
	account string
	logger  StripeLogger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// CreateIntent creates a card payment intent for the order balance.
func (g *StripeGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("%w: amount must be positive", ErrRequestRejected)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.Metadata = map[string]string{}
	maps.Copy(params.Metadata, textutil.NormalizeMetadata(req.Metadata))
	if req.OrderID != "" {
		params.Metadata["order_id"] = req.OrderID
	}
	if req.TenantID != "" {
		params.Metadata["tenant_id"] = req.TenantID
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		return Intent{}, mapStripeError("create payment intent", err)
	}

	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"amount":        intent.Amount,
	})
	return stripeIntent(intent), nil
}

// GetIntent reads the intent with its latest charge.
func (g *StripeGateway) GetIntent(ctx context.Context, req LookupRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Get(req.IntentID, params)
	if err != nil {
		return Intent{}, mapStripeError("lookup payment intent", err)
	}
	return stripeIntent(intent), nil
}

// CreateRefund refunds the charge, or the intent when no charge reference is known.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	if g == nil {
		return Refund{}, errors.New("stripe: gateway is nil")
	}
	params := &stripe.RefundParams{}
	switch {
	case strings.TrimSpace(req.ChargeID) != "":
		params.Charge = stripe.String(req.ChargeID)
	case strings.TrimSpace(req.IntentID) != "":
		params.PaymentIntent = stripe.String(req.IntentID)
	default:
		return Refund{}, fmt.Errorf("%w: charge or intent reference is required", ErrRequestRejected)
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if metadata := textutil.NormalizeMetadata(req.Metadata); metadata != nil {
		params.Metadata = metadata
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		return Refund{}, mapStripeError("create refund", err)
	}
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"refund":        refund.ID,
		"paymentIntent": req.IntentID,
		"charge":        req.ChargeID,
		"status":        refund.Status,
	})
	return Refund{ID: refund.ID, Status: stripeRefundStatus(refund.Status), Amount: refund.Amount}, nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}

	status := IntentStatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = IntentStatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		status = IntentStatusProcessing
	case stripe.PaymentIntentStatusCanceled:
		status = IntentStatusFailed
	}

	chargeID := ""
	if intent.LatestCharge != nil {
		chargeID = intent.LatestCharge.ID
	}

	return Intent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       status,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		ChargeID:     chargeID,
	}
}

func stripeRefundStatus(status stripe.RefundStatus) RefundStatus {
	switch status {
	case stripe.RefundStatusSucceeded:
		return RefundStatusSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return RefundStatusFailed
	default:
		return RefundStatusPending
	}
}

func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("stripe: %s: %w: %s", op, ErrIntentNotFound, stripeErr.Msg)
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError || stripeErr.Type == stripe.ErrorTypeAPI:
			return fmt.Errorf("stripe: %s: %w: %s", op, ErrGatewayUnavailable, stripeErr.Msg)
		default:
			return fmt.Errorf("stripe: %s: %w: %s", op, ErrRequestRejected, stripeErr.Msg)
		}
	}
	return fmt.Errorf("stripe: %s: %w: %v", op, ErrGatewayUnavailable, err)
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
