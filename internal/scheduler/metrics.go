package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	promPromptTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "prompt_tokens_total",
		Help:      "Number of prompt tokens processed",
	})
	promTokensPredicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "tokens_predicted_total",
		Help:      "Number of generated tokens",
	})
	promPromptSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "prompt_seconds_total",
		Help:      "Prompt processing time",
	})
	promPredictSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "tokens_predicted_seconds_total",
		Help:      "Token generation time",
	})
	promDecodeCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "decode_total",
		Help:      "Forward passes executed",
	})
	promDraftTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "draft_tokens_total",
		Help:      "Draft tokens proposed by the speculative path",
	})
	promDraftAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "draft_tokens_accepted_total",
		Help:      "Draft tokens accepted by the target sampler",
	})
	promRequestsProcessing = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "requests_processing",
		Help:      "Slots currently processing a task",
	})
	promRequestsDeferred = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "requests_deferred",
		Help:      "Tasks parked waiting for a free slot",
	})
	promKvCacheTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "kv_cache_tokens",
		Help:      "Occupied KV cache cells",
	})
	promKvCacheUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "slotd",
		Subsystem: "sched",
		Name:      "kv_cache_usage_ratio",
		Help:      "Fraction of the KV cache in use",
	})
)

func init() {
	prometheus.MustRegister(
		promPromptTokens, promTokensPredicted,
		promPromptSeconds, promPredictSeconds,
		promDecodeCalls, promDraftTokens, promDraftAccepted,
		promRequestsProcessing, promRequestsDeferred,
		promKvCacheTokens, promKvCacheUsage,
	)
}

// Metrics holds the scheduler's running counters. Mutated only by the
// scheduler goroutine; snapshots travel through the result queue.
type Metrics struct {
	// Totals since process start.
	PromptTokensProcessedTotal int     `json:"n_prompt_tokens_processed_total"`
	PromptSecondsTotal         float64 `json:"t_prompt_processing_total"`
	TokensPredictedTotal       int     `json:"n_tokens_predicted_total"`
	PredictSecondsTotal        float64 `json:"t_tokens_generation_total"`
	DecodeTotal                int     `json:"n_decode_total"`
	BusySlotsTotal             int     `json:"n_busy_slots_total"`

	// Resettable bucket (POST /metrics?reset=true).
	PromptTokensProcessed int     `json:"n_prompt_tokens_processed"`
	PromptSeconds         float64 `json:"t_prompt_processing"`
	TokensPredicted       int     `json:"n_tokens_predicted"`
	PredictSeconds        float64 `json:"t_tokens_generation"`

	DraftTokens         int `json:"n_draft_tokens"`
	DraftTokensAccepted int `json:"n_draft_tokens_accepted"`
}

func (m *Metrics) onPromptEval(slot *Slot) {
	m.PromptTokensProcessedTotal += slot.nPromptTokensProcessed
	m.PromptTokensProcessed += slot.nPromptTokensProcessed
	m.PromptSecondsTotal += slot.promptProcessingMS
	m.PromptSeconds += slot.promptProcessingMS

	promPromptTokens.Add(float64(slot.nPromptTokensProcessed))
	promPromptSeconds.Add(slot.promptProcessingMS / 1e3)
}

func (m *Metrics) onPrediction(slot *Slot) {
	m.TokensPredictedTotal += slot.nDecoded
	m.TokensPredicted += slot.nDecoded
	m.PredictSecondsTotal += slot.tokenGenerationMS
	m.PredictSeconds += slot.tokenGenerationMS

	promTokensPredicted.Add(float64(slot.nDecoded))
	promPredictSeconds.Add(slot.tokenGenerationMS / 1e3)
}

func (m *Metrics) onDecoded(busySlots int) {
	m.DecodeTotal++
	m.BusySlotsTotal += busySlots
	promDecodeCalls.Inc()
}

func (m *Metrics) onDraft(proposed, accepted int) {
	m.DraftTokens += proposed
	m.DraftTokensAccepted += accepted
	promDraftTokens.Add(float64(proposed))
	promDraftAccepted.Add(float64(accepted))
}

func (m *Metrics) resetBucket() {
	m.PromptTokensProcessed = 0
	m.PromptSeconds = 0
	m.TokensPredicted = 0
	m.PredictSeconds = 0
}

// MetricsSnapshot is the METRICS task result: counters plus the
// point-in-time queue and cache gauges.
type MetricsSnapshot struct {
	Metrics

	IdleSlots          int     `json:"idle"`
	ProcessingSlots    int     `json:"processing"`
	RequestsDeferred   int     `json:"deferred"`
	KvCacheTokens      int     `json:"kv_cache_tokens_count"`
	KvCacheUsageRatio  float64 `json:"kv_cache_usage_ratio"`
	Slots              []SlotStatus `json:"slots,omitempty"`
}

// Publish pushes the snapshot gauges to the Prometheus registry.
// Called by the /metrics handler after the scheduler answers the
// METRICS task, so gauge values are scheduler-coherent.
func (s *MetricsSnapshot) Publish() {
	promRequestsProcessing.Set(float64(s.ProcessingSlots))
	promRequestsDeferred.Set(float64(s.RequestsDeferred))
	promKvCacheTokens.Set(float64(s.KvCacheTokens))
	promKvCacheUsage.Set(s.KvCacheUsageRatio)
}
