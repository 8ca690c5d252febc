package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retrieval metrics
	AdapterRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_retrieval_adapter_requests_total",
			Help: "Retriever adapter calls by target and outcome",
		},
		[]string{"target", "status"},
	)

	AdapterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_retrieval_adapter_duration_seconds",
			Help:    "Retriever adapter latency",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"target"},
	)

	CandidatesReturned = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_retrieval_candidates",
			Help:    "Candidates surviving tenant scoping per fusion call",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"outcome"},
	)

	CandidatesExcluded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_retrieval_candidates_excluded_total",
			Help: "Candidates dropped by tenant scoping",
		},
		[]string{"target"},
	)

	// Decision metrics
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_decisions_total",
			Help: "Committed decision outcomes",
		},
		[]string{"action", "source"},
	)

	OracleAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_oracle_attempts_total",
			Help: "Decision oracle attempts by result",
		},
		[]string{"result"},
	)

	OracleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_oracle_duration_seconds",
			Help:    "Oracle call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "status"},
	)

	PolicyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_policy_evaluations_total",
			Help: "Workflow risk policy evaluations by verdict",
		},
		[]string{"decision"},
	)

	// Workflow metrics
	WorkflowRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_workflow_runs_total",
			Help: "Workflow runs by final status",
		},
		[]string{"workflow", "status"},
	)

	WorkflowReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_workflow_idempotent_replays_total",
			Help: "Executions answered from an existing run",
		},
		[]string{"workflow", "status"},
	)

	WorkflowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_workflow_definitions_loaded_total",
			Help: "Workflow definitions loaded into the registry",
		},
		[]string{"workflow"},
	)

	WorkflowValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_workflow_validation_errors_total",
			Help: "Workflow definition load failures by issue code",
		},
		[]string{"code"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_workflow_step_duration_seconds",
			Help:    "Workflow step latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	// Result cache metrics
	ResultLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_result_cache_lookups_total",
			Help: "Result cache lookups by classification",
		},
		[]string{"status"},
	)

	ResultWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_result_cache_writes_total",
			Help: "Result record writes",
		},
		[]string{"outcome"},
	)

	// Evidence metrics
	EvidenceItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_evidence_items_total",
			Help: "Evidence items emitted",
		},
		[]string{"type", "sanitized"},
	)

	// Pipeline metrics
	PipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_pipeline_requests_total",
			Help: "Resolved requests by committed action and mode",
		},
		[]string{"action", "mode"},
	)

	AnswerGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_answer_generations_total",
			Help: "Generation oracle calls by outcome",
		},
		[]string{"status"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_embedding_requests_total",
			Help: "Embedding lookups by source",
		},
		[]string{"model", "source"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_embedding_duration_seconds",
			Help:    "Embedding request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	VectorSearches = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_vector_search_duration_seconds",
			Help:    "Qdrant search latency by collection and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection", "status"},
	)

	// HTTP edge
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resolver_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// RecordAdapter records one adapter call.
func RecordAdapter(target, status string, seconds float64) {
	AdapterRequests.WithLabelValues(target, status).Inc()
	AdapterLatency.WithLabelValues(target).Observe(seconds)
}

// RecordEmbedding records an embedding lookup. seconds is zero for cache hits.
func RecordEmbedding(model, source string, seconds float64) {
	EmbeddingRequests.WithLabelValues(model, source).Inc()
	if seconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(seconds)
	}
}
