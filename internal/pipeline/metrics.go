package pipeline

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for meowmung_receipts_processed_total besides error kinds.
const (
	outcomeOK         = "ok"
	outcomeNotReceipt = "not_receipt"
)

// Enhancement outcome labels.
const (
	enhanceApplied     = "applied"
	enhanceUnavailable = "unavailable"
	enhanceFailed      = "failed"
	enhanceSkipped     = "skipped"
	enhanceDiscarded   = "discarded"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	processed          *prometheus.CounterVec
	enhancements       *prometheus.CounterVec
	extractionDuration prometheus.Histogram
	unreadableFields   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meowmung_receipts_processed_total",
			Help: "Receipt images processed, by outcome.",
		}, []string{"outcome"}),
		enhancements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meowmung_enhancements_total",
			Help: "Super-resolution attempts, by scale factor and outcome.",
		}, []string{"factor", "outcome"}),
		extractionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meowmung_extraction_duration_seconds",
			Help:    "Duration of external model extraction calls, retries included.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		unreadableFields: factory.NewCounter(prometheus.CounterOpts{
			Name: "meowmung_unreadable_fields_total",
			Help: "Fields of extracted records that hold the unreadable sentinel.",
		}),
	}
}

func (m *Metrics) enhancement(factor int, outcome string) {
	m.enhancements.WithLabelValues(strconv.Itoa(factor), outcome).Inc()
}
