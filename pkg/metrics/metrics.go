package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActorsPending tracks write actors whose outbound sync is executing.
	// An actor is counted from the end of its debounce window, not while
	// the sync is only scheduled.
	ActorsPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replicate_actors_pending",
			Help: "Number of write actors with an outbound sync executing, by collection",
		},
		[]string{"collection"},
	)

	ActorRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicate_actor_retries_total",
			Help: "Total number of retriable sync failures observed by write actors",
		},
		[]string{"collection"},
	)

	ActorSyncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicate_actor_sync_duration_seconds",
			Help:    "Time taken by a write actor's outbound sync, including its retries and backoff waits",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// CursorValue is the last acknowledged server sequence number, by collection.
	CursorValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replicate_cursor_value",
			Help: "Current sync cursor value, by collection",
		},
		[]string{"collection"},
	)

	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replicate_documents_total",
			Help: "Number of live sub-documents held by the sub-document manager, by collection",
		},
		[]string{"collection"},
	)

	// AwarenessParticipants is the number of remote participants currently
	// visible to the awareness provider, by collection and document.
	AwarenessParticipants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "replicate_awareness_participants",
			Help: "Number of remote awareness participants currently visible",
		},
		[]string{"collection", "document"},
	)

	StreamApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replicate_stream_apply_duration_seconds",
			Help:    "Time taken to apply one change-stream response batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	StreamBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replicate_stream_batches_total",
			Help: "Total number of change-stream response batches applied",
		},
	)

	PersistenceReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replicate_persistence_replay_duration_seconds",
			Help:    "Time taken to replay stored updates for a document on startup",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(ActorsPending)
	prometheus.MustRegister(ActorRetriesTotal)
	prometheus.MustRegister(ActorSyncDuration)
	prometheus.MustRegister(CursorValue)
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(AwarenessParticipants)
	prometheus.MustRegister(StreamApplyDuration)
	prometheus.MustRegister(StreamBatchesTotal)
	prometheus.MustRegister(PersistenceReplayDuration)
}

// Handler returns the Prometheus HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
