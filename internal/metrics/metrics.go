package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "datastorer"

	ingestionsTotal       = "ingestions_total"
	recordsLoadedTotal    = "records_loaded_total"
	ingestionDurationSecs = "ingestion_duration_seconds"
	retriesScheduledTotal = "retries_scheduled_total"

	// Labels
	resultLabel = "result"
)

// Ingestion results
const (
	ResultLoaded  = "loaded"
	ResultSkipped = "skipped"
)

var ingestionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      ingestionsTotal,
		Help:      "number of finished ingestions by result",
	},
	[]string{resultLabel},
)

var recordsLoadedTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      recordsLoadedTotal,
		Help:      "number of records written to the datastore",
	},
)

var ingestionDurationMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      ingestionDurationSecs,
		Help:      "time spent on a single ingestion",
		Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900},
	},
)

var retriesScheduledTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      retriesScheduledTotal,
		Help:      "number of failed jobs rescheduled for another attempt",
	},
)

// IncreaseIngestionsTotal counts a finished ingestion. result is one of the
// Result constants or an error class name.
func IncreaseIngestionsTotal(result string) {
	ingestionsTotalMetric.With(prometheus.Labels{resultLabel: result}).Inc()
}

func AddRecordsLoaded(n int) {
	recordsLoadedTotalMetric.Add(float64(n))
}

func ObserveIngestionDuration(d time.Duration) {
	ingestionDurationMetric.Observe(d.Seconds())
}

func IncreaseRetriesScheduled() {
	retriesScheduledTotalMetric.Inc()
}

// Handler serves the default registry together with collectors, which are
// registered on a private registry so that several handlers may coexist.
func Handler(collectors ...prometheus.Collector) http.Handler {
	if len(collectors) == 0 {
		return promhttp.Handler()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors...)
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer, registry}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(ingestionsTotalMetric)
	prometheus.MustRegister(recordsLoadedTotalMetric)
	prometheus.MustRegister(ingestionDurationMetric)
	prometheus.MustRegister(retriesScheduledTotalMetric)
}
