package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the pipeline subsystem.
// A nil *Metrics is valid and records nothing, which keeps tests quiet.
type Metrics struct {
	StageRunsTotal  *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	StageTokens     *prometheus.HistogramVec
	LLMCallsTotal   *prometheus.CounterVec
	LLMRetriesTotal *prometheus.CounterVec
	RoutesTotal     *prometheus.CounterVec
	DedupTotal      *prometheus.CounterVec
	RiskScore       prometheus.Histogram
	CasesOpened     prometheus.Counter
	CaseTransitions *prometheus.CounterVec
	SubmitsTotal    *prometheus.CounterVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_stage_runs_total",
			Help: "Pipeline stage runs by stage and final status.",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_stage_duration_seconds",
			Help:    "Duration of pipeline stage runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"stage"}),
		StageTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_stage_tokens",
			Help:    "Model tokens consumed per stage run.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100 .. ~51200
		}, []string{"stage"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_llm_calls_total",
			Help: "Model provider calls by stage and outcome.",
		}, []string{"stage", "outcome"}),
		LLMRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_llm_retries_total",
			Help: "Model provider retries after transient failures.",
		}, []string{"stage"}),
		RoutesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_triage_routes_total",
			Help: "Completed triages by route.",
		}, []string{"route"}),
		DedupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_dedup_decisions_total",
			Help: "Dedup decisions by outcome.",
		}, []string{"decision"}),
		RiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_correlation_risk_score",
			Help:    "Risk scores of completed correlation bundles.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 .. 100
		}),
		CasesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_cases_opened_total",
			Help: "Living cases opened by the hypothesis stage.",
		}),
		CaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_case_transitions_total",
			Help: "Case status transitions by source and target status.",
		}, []string{"from", "to"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_alert_submits_total",
			Help: "Alert submissions by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.StageRunsTotal,
		m.StageDuration,
		m.StageTokens,
		m.LLMCallsTotal,
		m.LLMRetriesTotal,
		m.RoutesTotal,
		m.DedupTotal,
		m.RiskScore,
		m.CasesOpened,
		m.CaseTransitions,
		m.SubmitsTotal,
	)

	return m
}

func (m *Metrics) observeStage(stage, status string, seconds float64, tokens int) {
	if m == nil {
		return
	}
	m.StageRunsTotal.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
	m.StageTokens.WithLabelValues(stage).Observe(float64(tokens))
}

func (m *Metrics) incLLMCall(stage, outcome string) {
	if m == nil {
		return
	}
	m.LLMCallsTotal.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) incLLMRetry(stage string) {
	if m == nil {
		return
	}
	m.LLMRetriesTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) incRoute(route string) {
	if m == nil {
		return
	}
	m.RoutesTotal.WithLabelValues(route).Inc()
}

func (m *Metrics) incDedup(duplicate bool) {
	if m == nil {
		return
	}
	decision := "novel"
	if duplicate {
		decision = "duplicate"
	}
	m.DedupTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) observeRisk(score float64) {
	if m == nil {
		return
	}
	m.RiskScore.Observe(score)
}

func (m *Metrics) incCaseOpened() {
	if m == nil {
		return
	}
	m.CasesOpened.Inc()
}

func (m *Metrics) incCaseTransition(from, to string) {
	if m == nil {
		return
	}
	m.CaseTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) incSubmit(result string) {
	if m == nil {
		return
	}
	m.SubmitsTotal.WithLabelValues(result).Inc()
}
