package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	revshareMetricsOnce sync.Once
	revshareRegistry    *RevshareMetrics
)

// API returns the lazily-initialised registry used to record admin API
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total admin API errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "revshare",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of admin API requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an admin request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, method, statusLabel(status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter.
func (m *apiMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// RevshareMetrics wraps collectors tracking calculation and settlement health.
type RevshareMetrics struct {
	recordsWritten    *prometheus.CounterVec
	capClamps         *prometheus.CounterVec
	integrityWarnings *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	settleLatency     *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	rateAge           *prometheus.GaugeVec
	rateStale         *prometheus.GaugeVec
	budgetRemaining   *prometheus.GaugeVec
	budgetUtilization *prometheus.GaugeVec
	pauseEngaged      prometheus.Gauge
}

// Revshare exposes the metrics registry for revshared.
func Revshare() *RevshareMetrics {
	revshareMetricsOnce.Do(func() {
		revshareRegistry = &RevshareMetrics{
			recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "calculator",
				Name:      "records_total",
				Help:      "Revenue share records written by calculation passes, by outcome.",
			}, []string{"outcome"}),
			capClamps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "calculator",
				Name:      "cap_clamps_total",
				Help:      "Records whose final amount was reduced by the personal income cap.",
			}, []string{"policy"}),
			integrityWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "calculator",
				Name:      "integrity_warnings_total",
				Help:      "Data integrity findings (cycles, missing partners) by kind.",
			}, []string{"kind"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "attempts_total",
				Help:      "Settlement attempts segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			settleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "latency_seconds",
				Help:      "Latency distribution for completed settlements.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"asset"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Settlement obligations per status.",
			}, []string{"status"}),
			rateAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "rates",
				Name:      "age_seconds",
				Help:      "Age of the exchange rate served for a pair.",
			}, []string{"pair"}),
			rateStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "rates",
				Name:      "stale",
				Help:      "Indicates whether the served rate for a pair is stale (1) or fresh (0).",
			}, []string{"pair"}),
			budgetRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "budget_remaining",
				Help:      "Remaining payout run budget in on-chain units.",
			}, []string{"asset"}),
			budgetUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "budget_utilization",
				Help:      "Ratio of consumed payout run budget (0-1).",
			}, []string{"asset"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "revshare",
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			revshareRegistry.recordsWritten,
			revshareRegistry.capClamps,
			revshareRegistry.integrityWarnings,
			revshareRegistry.settlements,
			revshareRegistry.settleLatency,
			revshareRegistry.queueDepth,
			revshareRegistry.rateAge,
			revshareRegistry.rateStale,
			revshareRegistry.budgetRemaining,
			revshareRegistry.budgetUtilization,
			revshareRegistry.pauseEngaged,
		)
	})
	return revshareRegistry
}

// RecordWrite counts records upserted or removed by a calculation pass.
func (m *RevshareMetrics) RecordWrite(upserted, removed int) {
	if m == nil {
		return
	}
	m.recordsWritten.WithLabelValues("upserted").Add(float64(upserted))
	m.recordsWritten.WithLabelValues("removed").Add(float64(removed))
}

// RecordCapClamp counts a record reduced by the cap.
func (m *RevshareMetrics) RecordCapClamp(policy string) {
	if m == nil {
		return
	}
	m.capClamps.WithLabelValues(policy).Inc()
}

// RecordIntegrityWarning counts a non-fatal data integrity finding.
func (m *RevshareMetrics) RecordIntegrityWarning(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unspecified"
	}
	m.integrityWarnings.WithLabelValues(kind).Inc()
}

// RecordSettlement counts a settlement attempt outcome.
func (m *RevshareMetrics) RecordSettlement(asset, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(labelAsset(asset), outcome).Inc()
}

// ObserveLatency records the processing latency for a settlement.
func (m *RevshareMetrics) ObserveLatency(asset string, d time.Duration) {
	if m == nil {
		return
	}
	m.settleLatency.WithLabelValues(labelAsset(asset)).Observe(d.Seconds())
}

// SetQueueDepth publishes obligation counts per status.
func (m *RevshareMetrics) SetQueueDepth(depth map[string]int) {
	if m == nil {
		return
	}
	for status, count := range depth {
		m.queueDepth.WithLabelValues(status).Set(float64(count))
	}
}

// RecordRate publishes the age and staleness of a served rate.
func (m *RevshareMetrics) RecordRate(pair string, age time.Duration, stale bool) {
	if m == nil {
		return
	}
	m.rateAge.WithLabelValues(pair).Set(age.Seconds())
	if stale {
		m.rateStale.WithLabelValues(pair).Set(1)
		return
	}
	m.rateStale.WithLabelValues(pair).Set(0)
}

// RecordBudget updates the remaining budget and utilisation gauges for an asset.
func (m *RevshareMetrics) RecordBudget(asset string, remaining, total decimal.Decimal) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	remainingVal := remaining.InexactFloat64()
	m.budgetRemaining.WithLabelValues(label).Set(remainingVal)
	totalVal := total.InexactFloat64()
	utilisation := 0.0
	if totalVal > 0 {
		used := totalVal - remainingVal
		if used < 0 {
			used = 0
		}
		utilisation = used / totalVal
		if utilisation > 1 {
			utilisation = 1
		}
	}
	m.budgetUtilization.WithLabelValues(label).Set(utilisation)
}

// SetPause toggles the pause_engaged gauge.
func (m *RevshareMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
