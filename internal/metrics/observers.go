package metrics

import (
	"time"

	"callrelay/internal/event"
	"callrelay/internal/notify"
)

// eventcache.Observer

func (m *Metrics) CacheHit()         { m.CacheHits.Inc() }
func (m *Metrics) CacheMiss()        { m.CacheMisses.Inc() }
func (m *Metrics) CacheInvalidated() { m.CacheInvalidations.Inc() }

// scheduler.Observer

func (m *Metrics) Scheduled(path string) { m.ScheduledRecomputes.WithLabelValues(path).Inc() }
func (m *Metrics) QueueDepth(n int)      { m.BatchQueueDepth.Set(float64(n)) }

// ingest.Observer

func (m *Metrics) EventRejected() { m.EventsRejected.Inc() }

// stage.Observer

func (m *Metrics) EventAccepted(t event.Type) {
	m.EventsAccepted.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) EventProcessed(d time.Duration) {
	m.ProcessingDuration.Observe(d.Seconds())
}

func (m *Metrics) NotificationSent(stage event.Type) {
	m.NotificationsSent.WithLabelValues(string(stage)).Inc()
}

func (m *Metrics) NotificationSuppressed(reason notify.SuppressReason) {
	m.NotificationsDropped.WithLabelValues(string(reason)).Inc()
}

// dispatch.Pool failure hook

func (m *Metrics) DispatchFailed() { m.DispatchFailures.Inc() }
