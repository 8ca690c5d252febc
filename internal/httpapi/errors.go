package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/Kocoro-lab/Shannon/go/resolver/internal/arbiter"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/models"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/resultcache"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/retrieval"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/runstore"
	"github.com/Kocoro-lab/Shannon/go/resolver/internal/workflow"
)

// StatusFor maps pipeline errors to HTTP status codes.
func StatusFor(err error) int {
	var (
		planErr *models.PlanError
		stepErr *models.StepError
		retErr  *retrieval.RetrievalError
	)
	switch {
	case errors.As(err, &planErr), errors.Is(err, arbiter.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrTraceNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrScope):
		return http.StatusForbidden
	case errors.Is(err, pipeline.ErrWorkflowUnavailable):
		return http.StatusConflict
	case errors.As(err, &stepErr) && stepErr.Kind == models.ErrorInput:
		return http.StatusUnprocessableEntity
	case errors.As(err, &retErr):
		return http.StatusBadGateway
	case errors.Is(err, resultcache.ErrStoreUnavailable), errors.Is(err, runstore.ErrUnavailable),
		errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
