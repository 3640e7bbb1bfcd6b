package handlers

import (
	"net/http"
	"strings"

	"github.com/ledgerpos/api/internal/platform/httpx"
	"github.com/ledgerpos/api/internal/platform/observability"
	"github.com/ledgerpos/api/internal/platform/requestctx"
)

const (
	tenantHeader = "X-Tenant-ID"
	actorHeader  = "X-Actor-ID"
)

// TenantMiddleware requires X-Tenant-ID and records tenant and actor on the request context.
// Authentication happens upstream; the headers are trusted as given.
func TenantMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := observability.SanitizeID(strings.TrimSpace(r.Header.Get(tenantHeader)))
			if tenant == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError("tenant_required", tenantHeader+" header is required", http.StatusBadRequest))
				return
			}
			ctx := requestctx.WithTenant(r.Context(), tenant)
			if actor := observability.SanitizeID(strings.TrimSpace(r.Header.Get(actorHeader))); actor != "" {
				ctx = requestctx.WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
