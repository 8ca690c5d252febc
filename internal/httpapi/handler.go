// Package httpapi exposes the pipeline over HTTP.
//
// Endpoints:
//
//	POST /v1/resolve
//	GET  /v1/traces/{id}
//	POST /v1/replay
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/tracing"
)

// TenantHeader carries the caller tenant for trace reads.
const TenantHeader = "X-Tenant-ID"

const maxBodyBytes = 1 << 20

// Resolver is the pipeline surface the handler drives.
type Resolver interface {
	Handle(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
	Replay(ctx context.Context, scope models.Scope, traceID string) (*pipeline.Response, error)
	Trace(ctx context.Context, tenantID, traceID string) (*pipeline.Trace, error)
}

// Handler serves the resolve, trace and replay endpoints.
type Handler struct {
	resolver Resolver
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHandler constructs a handler. timeout bounds each request; zero means
// the request context alone decides.
func NewHandler(r Resolver, timeout time.Duration, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{resolver: r, timeout: timeout, logger: logger}
}

// RegisterRoutes registers the endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/resolve", h.instrument("resolve", h.handleResolve))
	mux.Handle("GET /v1/traces/{id}", h.instrument("traces", h.handleTrace))
	mux.Handle("POST /v1/replay", h.instrument("replay", h.handleReplay))
}

type replayRequest struct {
	Scope   models.Scope `json:"scope"`
	TraceID string       `json:"trace_id"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if !h.decode(w, r, &req) {
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	resp, err := h.resolver.Handle(ctx, req)
	if err != nil {
		h.fail(w, "resolve", err)
		return
	}
	h.write(w, http.StatusOK, resp)
}

func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	tenant := r.Header.Get(TenantHeader)
	if tenant == "" {
		tenant = r.URL.Query().Get("tenant_id")
	}
	if tenant == "" {
		h.writeError(w, http.StatusBadRequest, "tenant_id required")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	t, err := h.resolver.Trace(ctx, tenant, r.PathValue("id"))
	if err != nil {
		h.fail(w, "trace", err)
		return
	}
	h.write(w, http.StatusOK, t)
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Scope.TenantID == "" || req.TraceID == "" {
		h.writeError(w, http.StatusBadRequest, "scope.tenant_id and trace_id required")
		return
	}
	ctx, cancel := h.context(r)
	defer cancel()
	resp, err := h.resolver.Replay(ctx, req.Scope, req.TraceID)
	if err != nil {
		h.fail(w, "replay", err)
		return
	}
	h.write(w, http.StatusOK, resp)
}

func (h *Handler) context(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("op", op), zap.Int("code", code), zap.Error(err))
	} else {
		h.logger.Warn("Request rejected", zap.String("op", op), zap.Int("code", code), zap.Error(err))
	}
	var pe *models.PlanError
	if errors.As(err, &pe) {
		h.write(w, code, map[string]interface{}{"error": "invalid plan", "issues": pe.Issues})
		return
	}
	h.writeError(w, code, err.Error())
}

func (h *Handler) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	h.write(w, code, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "http."+route, "http.route", route)
		defer span.End()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		fn(rec, r.WithContext(ctx))
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}
