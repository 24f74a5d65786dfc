package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Update engine metrics
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_updates_total",
			Help: "Total number of bundle updates by result",
		},
		[]string{"result"},
	)

	RevertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_reverts_total",
			Help: "Total number of bundle reverts by reason",
		},
		[]string{"reason"},
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kioskd_download_duration_seconds",
			Help:    "Time taken to download an update archive in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Supervisor metrics
	AppRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kioskd_app_running",
			Help: "Whether the supervised bundle is running (1 = running, 0 = stopped)",
		},
	)

	AppStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_app_starts_total",
			Help: "Total number of bundle process starts",
		},
	)

	CrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kioskd_crashes_total",
			Help: "Total number of crash packets received from the bundle",
		},
	)

	// Telemetry metrics
	LogFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_log_flushes_total",
			Help: "Total number of log history flushes by result",
		},
		[]string{"result"},
	)

	// Orchestrator metrics
	Online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kioskd_online",
			Help: "Whether the fleet backend was reachable on the last check (1 = online)",
		},
	)

	IterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kioskd_iteration_duration_seconds",
			Help:    "Time taken by one orchestrator iteration, excluding idle time",
			Buckets: prometheus.DefBuckets,
		},
	)

	IterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kioskd_iterations_total",
			Help: "Total number of orchestrator iterations by result",
		},
		[]string{"result"},
	)

	// Fleet API metrics
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kioskd_api_request_duration_seconds",
			Help:    "Fleet API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(UpdatesTotal)
	prometheus.MustRegister(RevertsTotal)
	prometheus.MustRegister(DownloadDuration)
	prometheus.MustRegister(AppRunning)
	prometheus.MustRegister(AppStartsTotal)
	prometheus.MustRegister(CrashesTotal)
	prometheus.MustRegister(LogFlushes)
	prometheus.MustRegister(Online)
	prometheus.MustRegister(IterationDuration)
	prometheus.MustRegister(IterationsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBool sets a gauge to 1 or 0
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
