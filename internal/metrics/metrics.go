// Package metrics exposes Prometheus collectors for the download worker.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	imagesTotal          *prometheus.CounterVec
	imageBytesTotal      *prometheus.CounterVec
	jobsTotal            *prometheus.CounterVec
	sourceLimit          *prometheus.GaugeVec
	admissionWaitSeconds *prometheus.HistogramVec
	deadLettersTotal     prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mangadl_images_total",
				Help: "Image fetch completions, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		imageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mangadl_image_bytes_total",
				Help: "Bytes written to disk, labeled by source.",
			},
			[]string{"source"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mangadl_jobs_total",
				Help: "Chapter jobs processed, labeled by result.",
			},
			[]string{"result"},
		)

		sourceLimit = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mangadl_source_limit",
				Help: "Current per-source admission limit.",
			},
			[]string{"source"},
		)

		admissionWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mangadl_admission_wait_seconds",
				Help:    "Time spent waiting for a per-source admission slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		)

		deadLettersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mangadl_dead_letters_total",
				Help: "Malformed queue payloads moved to the dead-letter list.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveImage counts one image fetch completion.
func ObserveImage(source, status string, bytesWritten int64) {
	imagesTotal.WithLabelValues(source, status).Inc()
	if bytesWritten > 0 {
		imageBytesTotal.WithLabelValues(source).Add(float64(bytesWritten))
	}
}

// ObserveJob counts one completed chapter job.
func ObserveJob(result string) {
	jobsTotal.WithLabelValues(result).Inc()
}

// SetSourceLimit records the current admission limit for a source.
func SetSourceLimit(source string, limit int64) {
	sourceLimit.WithLabelValues(source).Set(float64(limit))
}

// ObserveAdmissionWait records how long an acquire call waited for a slot.
func ObserveAdmissionWait(source string, d time.Duration) {
	admissionWaitSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// ObserveDeadLetter counts one dead-lettered payload.
func ObserveDeadLetter() {
	deadLettersTotal.Inc()
}
