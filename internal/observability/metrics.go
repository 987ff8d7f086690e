package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	VendorFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ats_vendor_fetches_total",
		Help: "Vendor endpoint fetches attempted, by endpoint kind",
	}, []string{"kind"})
	VendorFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ats_vendor_fetch_errors_total",
		Help: "Vendor fetches that failed after retries, by endpoint kind",
	}, []string{"kind"})
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_parse_errors_total",
		Help: "Vendor payloads rejected as malformed or failing validation",
	})
	FilesStaged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_files_staged_total",
		Help: "Raw payload files uploaded and registered as pending",
	})
	StateMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ats_file_state_moves_total",
		Help: "Staging file state transitions, by target state",
	}, []string{"to"})
	StateMoveErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_file_state_move_errors_total",
		Help: "Staging file state transitions that failed in the store",
	})
	InvalidOffsets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_invalid_gmt_offsets_total",
		Help: "Devices whose GMT offset was out of range and coerced to 0",
	})
	BatchesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_batches_dispatched_total",
		Help: "Observation batches accepted by the sensors API",
	})
	ObservationsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_observations_dispatched_total",
		Help: "Observations accepted by the sensors API",
	})
	DispatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ats_dispatch_errors_total",
		Help: "Observation batches that failed after retries",
	})
	ProcessLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ats_process_latency_seconds",
		Help:    "Latency of processing one staged file end to end",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveProcessLatency(start time.Time) {
	ProcessLatency.Observe(time.Since(start).Seconds())
}

func StartMetricsServer(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})
	_ = http.ListenAndServe(":"+port, mux)
}
