package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the storefront collectors.
	Registry = prometheus.NewRegistry()

	purchaseOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "purchase",
			Name:      "outcomes_total",
			Help:      "Purchase attempts by resulting outcome.",
		},
		[]string{"outcome"},
	)

	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "transactions",
			Name:      "processed_total",
			Help:      "Transactions applied from the platform by source and verification result.",
		},
		[]string{"source", "verified"},
	)

	catalogLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "catalog",
			Name:      "loads_total",
			Help:      "Catalog fetches by result.",
		},
		[]string{"result"},
	)

	entitlementSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "entitlement",
			Name:      "saves_total",
			Help:      "Entitlement map writes by result.",
		},
		[]string{"result"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method"},
	)
)

func init() {
	Registry.MustRegister(
		purchaseOutcomes,
		transactions,
		catalogLoads,
		entitlementSaves,
		httpRequests,
		httpDuration,
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordPurchase counts a purchase attempt ending in outcome.
func RecordPurchase(outcome string) {
	purchaseOutcomes.WithLabelValues(outcome).Inc()
}

// RecordTransaction counts a transaction applied from source.
func RecordTransaction(source string, verified bool) {
	transactions.WithLabelValues(source, strconv.FormatBool(verified)).Inc()
}

// RecordCatalogLoad counts a catalog fetch.
func RecordCatalogLoad(result string) {
	catalogLoads.WithLabelValues(result).Inc()
}

// RecordEntitlementSave counts an entitlement map write.
func RecordEntitlementSave(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	entitlementSaves.WithLabelValues(result).Inc()
}

// InstrumentHandler wraps next with request counters.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
