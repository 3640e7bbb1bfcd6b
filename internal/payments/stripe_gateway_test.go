package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntentAPI struct {
	lastNew *stripe.PaymentIntentParams
	lastID  string
	intent  *stripe.PaymentIntent
	err     error
}

func (f *fakeIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.lastNew = params
	return f.intent, f.err
}

func (f *fakeIntentAPI) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.lastID = id
	return f.intent, f.err
}

type fakeRefundAPI struct {
	last   *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (f *fakeRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.last = params
	return f.refund, f.err
}

func newTestGateway(t *testing.T, intents *fakeIntentAPI, refunds *fakeRefundAPI) *StripeGateway {
	t.Helper()
	gw, err := NewStripeGateway(StripeGatewayConfig{
		AccountID: "acct_123",
		Clients:   &stripeClients{intents: intents, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

func TestStripeGatewayCreateIntent(t *testing.T) {
	intents := &fakeIntentAPI{intent: &stripe.PaymentIntent{
		ID:           "pi_1",
		Amount:       7500,
		Currency:     stripe.CurrencyUSD,
		ClientSecret: "secret",
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
	}}
	gw := newTestGateway(t, intents, &fakeRefundAPI{})

	intent, err := gw.CreateIntent(context.Background(), CreateIntentRequest{
		TenantID:       "t1",
		OrderID:        "ord_1",
		Amount:         7500,
		Currency:       "USD",
		IdempotencyKey: "intent:ord_1",
		Metadata:       map[string]string{" actor_id ": "<b>clerk-7</b>", "": "dropped"},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "pi_1" || intent.ClientSecret != "secret" || intent.Status != IntentStatusPending {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if got := *intents.lastNew.Currency; got != "usd" {
		t.Fatalf("expected lowercase currency, got %q", got)
	}
	if intents.lastNew.Metadata["order_id"] != "ord_1" || intents.lastNew.Metadata["actor_id"] != "clerk-7" {
		t.Fatalf("expected order metadata, got %v", intents.lastNew.Metadata)
	}
	if _, ok := intents.lastNew.Metadata[""]; ok {
		t.Fatalf("expected empty metadata keys to be dropped")
	}
	if intents.lastNew.StripeAccount == nil || *intents.lastNew.StripeAccount != "acct_123" {
		t.Fatalf("expected connected account to be set")
	}
}

func TestStripeGatewayCreateIntentRejectsNonPositiveAmount(t *testing.T) {
	gw := newTestGateway(t, &fakeIntentAPI{}, &fakeRefundAPI{})
	if _, err := gw.CreateIntent(context.Background(), CreateIntentRequest{Amount: 0, Currency: "USD"}); !errors.Is(err, ErrRequestRejected) {
		t.Fatalf("expected ErrRequestRejected, got %v", err)
	}
}

func TestStripeGatewayGetIntentNormalisesStatus(t *testing.T) {
	cases := map[stripe.PaymentIntentStatus]IntentStatus{
		stripe.PaymentIntentStatusSucceeded:      IntentStatusSucceeded,
		stripe.PaymentIntentStatusProcessing:     IntentStatusProcessing,
		stripe.PaymentIntentStatusCanceled:       IntentStatusFailed,
		stripe.PaymentIntentStatusRequiresAction: IntentStatusPending,
	}
	for stripeStatus, want := range cases {
		intents := &fakeIntentAPI{intent: &stripe.PaymentIntent{
			ID:           "pi_2",
			Amount:       1000,
			Status:       stripeStatus,
			LatestCharge: &stripe.Charge{ID: "ch_2"},
		}}
		gw := newTestGateway(t, intents, &fakeRefundAPI{})
		intent, err := gw.GetIntent(context.Background(), LookupRequest{IntentID: "pi_2"})
		if err != nil {
			t.Fatalf("get intent: %v", err)
		}
		if intent.Status != want {
			t.Fatalf("status %s: expected %s, got %s", stripeStatus, want, intent.Status)
		}
		if intent.ChargeID != "ch_2" {
			t.Fatalf("expected charge id, got %q", intent.ChargeID)
		}
	}
}

func TestStripeGatewayGetIntentMapsMissingResource(t *testing.T) {
	intents := &fakeIntentAPI{err: &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound, Msg: "No such payment_intent"}}
	gw := newTestGateway(t, intents, &fakeRefundAPI{})
	_, err := gw.GetIntent(context.Background(), LookupRequest{IntentID: "pi_missing"})
	if !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound, got %v", err)
	}
}

func TestStripeGatewayCreateRefundPrefersCharge(t *testing.T) {
	refunds := &fakeRefundAPI{refund: &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded, Amount: 7500}}
	gw := newTestGateway(t, &fakeIntentAPI{}, refunds)

	refund, err := gw.CreateRefund(context.Background(), RefundRequest{
		IntentID:       "pi_1",
		ChargeID:       "ch_1",
		Amount:         7500,
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund:rfd_1:pay_1",
	})
	if err != nil {
		t.Fatalf("create refund: %v", err)
	}
	if refund.ID != "re_1" || refund.Status != RefundStatusSucceeded {
		t.Fatalf("unexpected refund %+v", refund)
	}
	if refunds.last.Charge == nil || *refunds.last.Charge != "ch_1" {
		t.Fatalf("expected charge reference to be used")
	}
	if refunds.last.PaymentIntent != nil {
		t.Fatalf("expected intent reference to be omitted when charge is known")
	}
	if refunds.last.IdempotencyKey == nil || *refunds.last.IdempotencyKey != "refund:rfd_1:pay_1" {
		t.Fatalf("expected idempotency key to be forwarded")
	}
	if refunds.last.Reason == nil || *refunds.last.Reason != "requested_by_customer" {
		t.Fatalf("expected refund reason to be mapped")
	}
}

func TestStripeGatewayCreateRefundGatewayFailure(t *testing.T) {
	refunds := &fakeRefundAPI{err: &stripe.Error{HTTPStatusCode: http.StatusBadGateway, Type: stripe.ErrorTypeAPI, Msg: "upstream"}}
	gw := newTestGateway(t, &fakeIntentAPI{}, refunds)
	_, err := gw.CreateRefund(context.Background(), RefundRequest{IntentID: "pi_1", Amount: 100})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

type fakeGateway struct {
	name string
}

func (f fakeGateway) CreateIntent(context.Context, CreateIntentRequest) (Intent, error) {
	return Intent{ID: f.name}, nil
}

func (f fakeGateway) GetIntent(context.Context, LookupRequest) (Intent, error) {
	return Intent{ID: f.name}, nil
}

func (f fakeGateway) CreateRefund(context.Context, RefundRequest) (Refund, error) {
	return Refund{ID: f.name}, nil
}

func TestRouterResolvesTenantGateway(t *testing.T) {
	router, err := NewRouter(fakeGateway{name: "default"}, WithTenantGateway("t2", fakeGateway{name: "tenant"}))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	intent, _ := router.GetIntent(context.Background(), LookupRequest{TenantID: "t2"})
	if intent.ID != "tenant" {
		t.Fatalf("expected tenant gateway, got %q", intent.ID)
	}
	intent, _ = router.GetIntent(context.Background(), LookupRequest{TenantID: "t1"})
	if intent.ID != "default" {
		t.Fatalf("expected default gateway, got %q", intent.ID)
	}
}

func TestRouterWithoutFallback(t *testing.T) {
	router, err := NewRouter(nil, WithTenantGateway("t2", fakeGateway{name: "tenant"}))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if _, err := router.CreateRefund(context.Background(), RefundRequest{TenantID: "t1"}); !errors.Is(err, ErrUnsupportedTenant) {
		t.Fatalf("expected ErrUnsupportedTenant, got %v", err)
	}
	if _, err := NewRouter(nil); err == nil {
		t.Fatalf("expected error for empty router")
	}
}
