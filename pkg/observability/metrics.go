package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"agent"},
	)

	sessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_sessions_ended_total",
			Help: "Total number of sessions ended",
		},
		[]string{"agent", "reason"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoflow_active_sessions",
			Help: "Number of live sessions in the registry",
		},
	)

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoflow_session_duration_seconds",
			Help:    "End-to-end session duration in seconds",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"agent"},
	)

	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_turns_total",
			Help: "Total number of conversation turns",
		},
		[]string{"agent", "status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoflow_turn_duration_seconds",
			Help:    "Engine turn latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	tokensConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_tokens_consumed_total",
			Help: "Total tokens consumed by turns",
		},
		[]string{"agent"},
	)

	// Resource metrics
	allocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_allocations_total",
			Help: "Total number of resource allocation attempts",
		},
		[]string{"pool", "status"},
	)

	allocatedMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoflow_allocated_memory_mb",
			Help: "Memory currently allocated per pool in MB",
		},
		[]string{"pool"},
	)

	scalingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_scaling_decisions_total",
			Help: "Total number of scaling decisions",
		},
		[]string{"pool", "action"},
	)

	// Coordination metrics
	handoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_handoffs_total",
			Help: "Total number of handoffs",
		},
		[]string{"team", "status"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_escalations_total",
			Help: "Total number of human escalations",
		},
		[]string{"urgency"},
	)

	// Quality metrics
	qualityScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoflow_quality_score",
			Help:    "Conversation quality score distribution",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"agent"},
	)

	qualityAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_quality_alerts_total",
			Help: "Total number of quality alerts fired",
		},
		[]string{"metric"},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus collectors. Safe to call more
// than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsCreatedTotal,
			sessionsEndedTotal,
			activeSessions,
			sessionDuration,
			turnsTotal,
			turnDuration,
			tokensConsumedTotal,
			allocationsTotal,
			allocatedMemoryMB,
			scalingDecisionsTotal,
			handoffsTotal,
			escalationsTotal,
			qualityScore,
			qualityAlertsTotal,
		)
	})
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionCreated counts a new session.
func RecordSessionCreated(agent string) {
	sessionsCreatedTotal.WithLabelValues(agent).Inc()
}

// RecordSessionEnded counts a finished session and observes its
// duration.
func RecordSessionEnded(agent, reason string, duration time.Duration) {
	sessionsEndedTotal.WithLabelValues(agent, reason).Inc()
	sessionDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// SetActiveSessions sets the live session gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordTurn counts one conversation turn and its latency and tokens.
func RecordTurn(agent, status string, duration time.Duration, tokens int) {
	turnsTotal.WithLabelValues(agent, status).Inc()
	turnDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if tokens > 0 {
		tokensConsumedTotal.WithLabelValues(agent).Add(float64(tokens))
	}
}

// RecordAllocation counts one allocation attempt.
func RecordAllocation(pool, status string) {
	allocationsTotal.WithLabelValues(pool, status).Inc()
}

// SetAllocatedMemory sets a pool's allocated-memory gauge.
func SetAllocatedMemory(pool string, mb int) {
	allocatedMemoryMB.WithLabelValues(pool).Set(float64(mb))
}

// RecordScalingDecision counts one scaling decision.
func RecordScalingDecision(pool, action string) {
	scalingDecisionsTotal.WithLabelValues(pool, action).Inc()
}

// RecordHandoff counts one handoff outcome.
func RecordHandoff(team, status string) {
	handoffsTotal.WithLabelValues(team, status).Inc()
}

// RecordEscalation counts one human escalation.
func RecordEscalation(urgency string) {
	escalationsTotal.WithLabelValues(urgency).Inc()
}

// ObserveQualityScore records a quality score sample.
func ObserveQualityScore(agent string, score float64) {
	qualityScore.WithLabelValues(agent).Observe(score)
}

// RecordQualityAlert counts one quality alert firing.
func RecordQualityAlert(metric string) {
	qualityAlertsTotal.WithLabelValues(metric).Inc()
}
