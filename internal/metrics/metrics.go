package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Message processing metrics
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coworker_messages_processed_total",
			Help: "Total number of user messages processed",
		},
		[]string{"outcome"}, // direct, clarification, research, error
	)

	MessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coworker_message_duration_seconds",
			Help:    "End-to-end message processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Intent classification metrics
	IntentClassifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coworker_intent_classifications_total",
			Help: "Total number of intent classification calls",
		},
		[]string{"kind"}, // direct, needs_clarification
	)

	ClassificationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_classification_retries_total",
			Help: "Total number of classification retries after schema-invalid responses",
		},
	)

	ClassificationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_classification_errors_total",
			Help: "Total number of failed classifications after retry",
		},
	)

	QuestionsClamped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_clarification_questions_clamped_total",
			Help: "Times the model returned out-of-range question counts that were clamped",
		},
	)

	// Clarification metrics
	ClarificationRoundsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_clarification_rounds_started_total",
			Help: "Total number of clarification rounds started",
		},
	)

	ClarificationRoundsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_clarification_rounds_completed_total",
			Help: "Total number of clarification rounds finalized",
		},
	)

	ClarificationQuestions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coworker_clarification_questions_per_round",
			Help:    "Number of questions asked per clarification round",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Research synthesis metrics
	ResearchSyntheses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coworker_research_syntheses_total",
			Help: "Total number of research synthesis attempts",
		},
		[]string{"status"}, // ok, retried, error
	)

	ResearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coworker_research_duration_seconds",
			Help:    "Research synthesis round-trip duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Completion provider metrics
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coworker_provider_requests_total",
			Help: "Total number of completion provider requests",
		},
		[]string{"operation", "outcome"}, // outcome: ok, transient_error, error, schema_invalid
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coworker_provider_request_duration_seconds",
			Help:    "Completion provider request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	// Session metrics
	SessionsAttached = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_sessions_attached_total",
			Help: "Total number of task sessions attached",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coworker_sessions_active",
			Help: "Number of live task sessions",
		},
	)

	SessionsBusyRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_sessions_busy_rejected_total",
			Help: "Messages rejected because a session call was already in flight",
		},
	)

	StaleResultsDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_stale_results_discarded_total",
			Help: "In-flight results discarded because the session was detached or reset",
		},
	)

	// History store metrics
	HistoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_history_cache_hits_total",
			Help: "History store local cache hits",
		},
	)

	HistoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_history_cache_misses_total",
			Help: "History store local cache misses",
		},
	)

	HistoryCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coworker_history_cache_size",
			Help: "Number of task histories in the local cache",
		},
	)

	HistoryCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coworker_history_cache_evictions_total",
			Help: "History store local cache evictions",
		},
	)

	// Findings archive metrics
	FindingWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coworker_finding_writes_total",
			Help: "Total number of finding archive writes",
		},
		[]string{"status"}, // ok, error, dropped
	)

	FindingWriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coworker_finding_write_queue_depth",
			Help: "Pending writes in the findings archive queue",
		},
	)
)
