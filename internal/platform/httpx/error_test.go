package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerpos/api/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "abc"})

	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("order_conflict", "order changed\nretry", http.StatusConflict).
		WithDetails(map[string]any{"order_id": "ord_1", "status": "ignored"}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "order_conflict" || body["message"] != "order changed retry" {
		t.Fatalf("unexpected envelope %#v", body)
	}
	if body["status"] != float64(http.StatusConflict) {
		t.Fatalf("details must not override status: %#v", body["status"])
	}
	if body["request_id"] != "req-1" || body["trace_id"] != "abc" || body["order_id"] != "ord_1" {
		t.Fatalf("missing metadata %#v", body)
	}
}

func TestNewErrorDefaultsStatus(t *testing.T) {
	if got := NewError("x", "y", 0).Status; got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Amount string `json:"amount"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"10.00"}`))
	var dst payload
	if err := DecodeJSON(req, &dst, 0); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.Amount != "10.00" {
		t.Fatalf("unexpected amount %q", dst.Amount)
	}

	for name, body := range map[string]string{
		"unknown field": `{"amount":"1","extra":true}`,
		"trailing":      `{"amount":"1"}{"amount":"2"}`,
		"malformed":     `{"amount":`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		if err := DecodeJSON(req, &payload{}, 0); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
