package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ScopeCounter counts scoped accesses per resource.
	ScopeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fazbot_scope_total",
		Help: "Total number of scoped resource accesses",
	}, []string{"resource"})
	// LockWaitHistogram observes how long callers waited for a resource lock.
	LockWaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fazbot_lock_wait_seconds",
		Help:    "Time spent waiting for a resource lock",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"resource"})
	// ReloadCounter counts reloads by resource and result.
	ReloadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fazbot_reload_total",
		Help: "Total number of resource reloads",
	}, []string{"resource", "result"})
	// LifecycleGauge reports the current runtime state as an ordinal.
	LifecycleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fazbot_lifecycle_state",
		Help: "Current runtime lifecycle state (0 created .. 4 stopped)",
	})
	// CommandCounter counts dispatched commands by name and result.
	CommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fazbot_command_total",
		Help: "Total number of dispatched commands",
	}, []string{"command", "result"})
	// SessionCounter counts owned storage sessions by outcome.
	SessionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fazbot_session_total",
		Help: "Total number of owned storage sessions",
	}, []string{"outcome"})
)

// Result labels shared by the counters above.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers fazbot metrics on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		ScopeCounter,
		LockWaitHistogram,
		ReloadCounter,
		LifecycleGauge,
		CommandCounter,
		SessionCounter,
	)
}

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
