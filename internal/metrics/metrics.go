package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments. It implements the
// observer interfaces of the cache, scheduler and stage packages so those
// stay free of a metrics dependency.
type Metrics struct {
	EventsAccepted       *prometheus.CounterVec
	EventsRejected       prometheus.Counter
	CacheHits            prometheus.Counter
	CacheMisses          prometheus.Counter
	CacheInvalidations   prometheus.Counter
	ScheduledRecomputes  *prometheus.CounterVec
	BatchQueueDepth      prometheus.Gauge
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	DispatchFailures     prometheus.Counter
	ProcessingDuration   prometheus.Histogram
}

// New registers the engine's instruments on reg. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_events_accepted_total",
			Help: "Raw PBX events accepted at ingestion",
		}, []string{"event_type"}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_events_rejected_total",
			Help: "Raw PBX events rejected by validation",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_cache_hits_total",
			Help: "Derived-view reads served from the cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_cache_misses_total",
			Help: "Derived-view reads that recomputed from raw events",
		}),
		CacheInvalidations: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_cache_invalidations_total",
			Help: "Derived views invalidated by new events",
		}),
		ScheduledRecomputes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_scheduled_recomputes_total",
			Help: "Recomputations routed onto a processing path",
		}, []string{"path"}),
		BatchQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "callrelay_batch_queue_depth",
			Help: "Calls waiting in the batch queue",
		}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_notifications_sent_total",
			Help: "Notifications delivered to recipient channels",
		}, []string{"stage"}),
		NotificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_notifications_suppressed_total",
			Help: "Notifications withheld by dedup or suppression policy",
		}, []string{"reason"}),
		DispatchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_dispatch_failures_total",
			Help: "Raw-event deliveries that failed or were dropped",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "callrelay_event_processing_duration_seconds",
			Help:    "End-to-end time to process one accepted event",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
