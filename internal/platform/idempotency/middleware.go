package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ledgerpos/api/internal/platform/httpx"
	"github.com/ledgerpos/api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	required   bool
	clock      func() time.Time
	logger     *zap.Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header carrying the key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithTTL configures how long records are retained.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// Optional lets requests without a key through unguarded instead of rejecting them.
func Optional() MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.required = false }
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.logger = logger }
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware guards POST requests: the first request for a key runs the handler and stores the
// response, retries with the same body replay it, and a different body under the same key is
// rejected with 409.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		required:   true,
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				if !cfg.required {
					next.ServeHTTP(w, r)
					return
				}
				respondError(ctx, w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
				return
			}
			if len(key) > maxKeyLength {
				respondError(ctx, w, http.StatusBadRequest, "idempotency_key_invalid", "idempotency key too long")
				return
			}

			body, err := readAndReplayBody(r)
			if err != nil {
				respondError(ctx, w, http.StatusBadRequest, "idempotency_read_body_failed", "unable to read request body")
				return
			}

			scope := requestScope(ctx)
			fingerprint := requestFingerprint(r, body, scope)
			scoped := scopedKey(key, scope)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if err != nil {
				handleStoreError(ctx, w, cfg.logger, err)
				return
			}
			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				respondError(ctx, w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			}

			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			// Server errors are not cached so the client can retry with the same key.
			if recorder.Status() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					cfg.logger.Warn("idempotency: release failed", zap.Error(err))
				}
				if err := recorder.Commit(); err != nil {
					cfg.logger.Warn("idempotency: flush failed", zap.Error(err))
				}
				return
			}

			response := Response{
				Status:  recorder.Status(),
				Headers: recorder.HeaderSnapshot(),
				Body:    recorder.Body(),
			}
			if err := store.SaveResponse(ctx, scoped, fingerprint, response, cfg.clock().UTC(), cfg.ttl); err != nil {
				cfg.logger.Error("idempotency: persist response failed", zap.String("scope", scope), zap.Error(err))
				if releaseErr := store.Release(ctx, scoped, fingerprint); releaseErr != nil {
					cfg.logger.Warn("idempotency: release failed", zap.Error(releaseErr))
				}
				respondError(ctx, w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
				return
			}
			if err := recorder.Commit(); err != nil {
				cfg.logger.Warn("idempotency: flush failed", zap.Error(err))
			}
		})
	}
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte, scope string) string {
	builder := strings.Builder{}
	builder.WriteString(strings.ToUpper(r.Method))
	builder.WriteString("|")
	builder.WriteString(r.URL.Path)
	builder.WriteString("|")
	builder.WriteString(r.URL.RawQuery)
	builder.WriteString("|")
	builder.WriteString(scope)
	builder.WriteString("|")
	builder.WriteString(hashBody(body))

	return sha256Hex([]byte(builder.String()))
}

// requestScope keys records by tenant and actor so two tills never share a key space.
func requestScope(ctx context.Context) string {
	tenant := strings.TrimSpace(requestctx.Tenant(ctx))
	actor := strings.TrimSpace(requestctx.Actor(ctx))
	if actor == "" {
		actor = "anonymous"
	}
	return tenant + "/" + actor
}

func hashBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return sha256Hex(body)
}

func scopedKey(key, scope string) string {
	return scope + "|" + strings.TrimSpace(key)
}

func handleStoreError(ctx context.Context, w http.ResponseWriter, logger *zap.Logger, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		respondError(ctx, w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	}
	logger.Error("idempotency: store error", zap.Error(err))
	respondError(ctx, w, http.StatusServiceUnavailable, "idempotency_store_unavailable", "unable to process idempotency key")
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	for key, values := range headersFromRecord(record.ResponseHeaders) {
		w.Header()[key] = values
	}
	w.Header().Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func respondError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

// responseRecorder buffers the handler's response so it can be stored before reaching the client.
type responseRecorder struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder(parent http.ResponseWriter) *responseRecorder {
	return &responseRecorder{parent: parent, header: make(http.Header)}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status <= 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) Body() []byte {
	return append([]byte(nil), r.body.Bytes()...)
}

func (r *responseRecorder) HeaderSnapshot() http.Header {
	return r.header.Clone()
}

// Commit copies the buffered response to the client.
func (r *responseRecorder) Commit() error {
	dst := r.parent.Header()
	for key, values := range r.header {
		dst[key] = values
	}
	r.parent.WriteHeader(r.Status())
	if r.body.Len() == 0 {
		return nil
	}
	_, err := r.parent.Write(r.body.Bytes())
	return err
}
