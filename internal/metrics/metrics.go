package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orchestration metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_runs_started_total",
			Help: "Total number of orchestration runs started",
		},
		[]string{"tenant"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_runs_completed_total",
			Help: "Total number of orchestration runs completed",
		},
		[]string{"tenant", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_run_duration_seconds",
			Help:    "Orchestration run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Intent metrics
	IntentClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_intent_classifications_total",
			Help: "Total number of intent classifications",
		},
		[]string{"intent", "source"},
	)

	// Entity resolution metrics
	EntityResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_entity_resolutions_total",
			Help: "Total number of entity resolution attempts",
		},
		[]string{"tier", "status"},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_policy_decisions_total",
			Help: "Total number of policy decisions",
		},
		[]string{"class", "outcome"},
	)

	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_rate_limit_rejections_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"class"},
	)

	// Workflow execution metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_steps_executed_total",
			Help: "Total number of workflow steps executed",
		},
		[]string{"platform", "tool", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_step_duration_seconds",
			Help:    "Workflow step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform", "tool"},
	)

	WorkflowExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_workflow_executions_total",
			Help: "Total number of workflow executions",
		},
		[]string{"workflow", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_workflow_duration_seconds",
			Help:    "End-to-end workflow execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	WorkflowsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meridian_workflows_loaded",
			Help: "Number of workflow definitions currently registered",
		},
	)

	WorkflowValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_workflow_validation_errors_total",
			Help: "Total number of workflow definition validation errors by issue code",
		},
		[]string{"code"},
	)

	// Approval metrics
	ApprovalsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_approvals_created_total",
			Help: "Total number of approval requests created",
		},
	)

	ApprovalsDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_approvals_decided_total",
			Help: "Total number of approval decisions",
		},
		[]string{"status"},
	)

	// Audit metrics
	AuditWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_audit_write_failures_total",
			Help: "Total number of swallowed audit write failures",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// Vector DB metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Connector metrics
	ConnectorCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_connector_calls_total",
			Help: "Total number of connector tool invocations",
		},
		[]string{"platform", "status"},
	)
)

// RecordRun records the terminal metrics for a finished run.
func RecordRun(tenant, status string, durationSeconds float64) {
	RunsCompleted.WithLabelValues(tenant, status).Inc()
	RunDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordWorkflow records the terminal metrics for one workflow execution.
func RecordWorkflow(workflow, status string, durationSeconds float64) {
	WorkflowExecutions.WithLabelValues(workflow, status).Inc()
	WorkflowDuration.WithLabelValues(workflow).Observe(durationSeconds)
}

// RecordStep records the execution of a single workflow step.
func RecordStep(platform, tool, status string, durationSeconds float64) {
	StepsExecuted.WithLabelValues(platform, tool, status).Inc()
	StepDuration.WithLabelValues(platform, tool).Observe(durationSeconds)
}
