package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SlotAcquireCounter tracks AcquireSlot calls by result
	// (granted, refreshed, denied, error).
	SlotAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdlock_slot_acquire_total",
		Help: "Total number of slot acquisitions by result",
	}, []string{"result"})
	// SlotReleaseCounter tracks released slots.
	SlotReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crowdlock_slot_release_total",
		Help: "Total number of released slots",
	})
	// StoreErrorCounter tracks lock store failures by operation.
	StoreErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdlock_store_errors_total",
		Help: "Total number of lock store failures",
	}, []string{"op"})
	// OfferCounter tracks NextTask outcomes.
	OfferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdlock_offers_total",
		Help: "Total number of task requests by outcome",
	}, []string{"outcome"})
	// GoldInjectionCounter tracks requests answered from the gold pool.
	GoldInjectionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crowdlock_gold_injections_total",
		Help: "Total number of requests restricted to gold tasks",
	})
	// SubmissionCounter tracks submissions by result.
	SubmissionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdlock_submissions_total",
		Help: "Total number of answer submissions by result",
	}, []string{"result"})
	// CompletedTaskCounter tracks tasks moved to completed.
	CompletedTaskCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crowdlock_tasks_completed_total",
		Help: "Total number of tasks transitioned to completed",
	})
	// SelectLatency observes NextTask latency.
	SelectLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crowdlock_select_latency_seconds",
		Help:    "Latency of task selection",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterSchedulerMetrics registers crowdlock metrics on the provided registry.
func RegisterSchedulerMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		SlotAcquireCounter,
		SlotReleaseCounter,
		StoreErrorCounter,
		OfferCounter,
		GoldInjectionCounter,
		SubmissionCounter,
		CompletedTaskCounter,
		SelectLatency,
	)
}
