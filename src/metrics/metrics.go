package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	namespace = "gateway"

	// Arbiter
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "queue_depth",
			Help:      "Exchange requests waiting for the instrument",
		},
	)
	inFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "in_flight",
			Help:      "1 while an exchange holds the instrument",
		},
	)
	exchangeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "exchanges_total",
			Help:      "Exchange requests by outcome",
		},
		[]string{"outcome"},
	)
	exchangeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "exchange_duration_seconds",
			Help:      "Time an exchange held the instrument",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120},
		},
	)

	// Broadcaster
	subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "subscribers",
			Help:      "Registered subscribers by kind",
		},
		[]string{"kind"},
	)
	samplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "samples_total",
			Help:      "Sampling ticks by result",
		},
		[]string{"result"},
	)
	droppedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped on send timeout or transport error",
		},
	)
	removals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "removals_total",
			Help:      "Subscribers removed from the registry by reason",
		},
		[]string{"reason"},
	)

	// Journal
	journalDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "dropped_records_total",
			Help:      "Exchange records dropped because the journal buffer was full",
		},
	)
)

// -----------------------------------------------------------------------------

func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

func SetInFlight(busy bool) {
	if busy {
		inFlight.Set(1)
		return
	}
	inFlight.Set(0)
}

func ObserveExchange(outcome string, d time.Duration) {
	exchangeOutcomes.WithLabelValues(outcome).Inc()
	if d > 0 {
		exchangeDuration.Observe(d.Seconds())
	}
}

// -----------------------------------------------------------------------------

func SetSubscribers(kind string, n int) { subscribers.WithLabelValues(kind).Set(float64(n)) }

func SampleTaken(ok bool) {
	if ok {
		samplesTotal.WithLabelValues("ok").Inc()
		return
	}
	samplesTotal.WithLabelValues("error").Inc()
}

func FrameDropped() { droppedFrames.Inc() }

func SubscriberRemoved(reason string) { removals.WithLabelValues(reason).Inc() }

func JournalDropped() { journalDropped.Inc() }

// -----------------------------------------------------------------------------

// Handler exposes the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
