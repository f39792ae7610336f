package ingest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"callrelay/internal/archive"
	"callrelay/internal/callflow"
	"callrelay/internal/event"
	"callrelay/internal/eventcache"
	"callrelay/internal/scheduler"
	"callrelay/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Stage     stageRunner
	Cache     *eventcache.Cache
	Scheduler *scheduler.Scheduler

	// Archive is optional; without it the history endpoint reports 404.
	Archive *archive.Service

	// Limiter is optional; nil disables webhook rate limiting.
	Limiter RateLimiter

	// Observer counts webhook rejections; nil is valid.
	Observer Observer

	Now func() time.Time
}

// Observer receives ingestion signals. Implemented by the metrics package.
type Observer interface {
	EventRejected()
}

// stageRunner is the slice of the stage pipeline the webhook drives.
type stageRunner interface {
	HandleEvent(ctx context.Context, rec event.Record) error
}

// RateLimiter caps webhook throughput per tenant token.
type RateLimiter interface {
	Allow(ctx context.Context, token string) (bool, error)
}

// --- Webhook ---

type webhookRequest struct {
	EventType      string            `json:"event_type"`
	UniqueID       string            `json:"unique_id"`
	BridgeUniqueID string            `json:"bridge_unique_id"`
	Token          string            `json:"token"`
	Timestamp      string            `json:"timestamp"`
	Extensions     []string          `json:"extensions"`
	Fields         map[string]string `json:"fields"`
}

// HandleWebhook accepts one raw PBX event. Validation failures are hard 400s;
// anything past validation is accepted with 202 and failures are logged, so
// the PBX never retries an event the engine already took ownership of.
func (h Handlers) HandleWebhook(c *gin.Context) {
	log := logger.FromGin(c)

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejected()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	t, ok := event.ParseType(req.EventType)
	if !ok {
		h.rejected()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown event_type"})
		return
	}

	rec := event.Record{
		Type:           t,
		UniqueID:       req.UniqueID,
		BridgeUniqueID: req.BridgeUniqueID,
		Token:          req.Token,
		Extensions:     req.Extensions,
		Fields:         req.Fields,
	}
	if err := rec.Validate(); err != nil {
		h.rejected()
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec.Timestamp = h.parseTimestamp(req.Timestamp)

	if h.Limiter != nil {
		allowed, err := h.Limiter.Allow(c.Request.Context(), rec.Token)
		if err != nil {
			log.Warn("rate limiter unavailable, admitting event", "err", err)
		} else if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
	}

	if err := h.Stage.HandleEvent(c.Request.Context(), rec); err != nil {
		log.Error("event pipeline reported failures", "unique_id", rec.EffectiveUniqueID(), "event_type", rec.Type, "err", err)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h Handlers) rejected() {
	if h.Observer != nil {
		h.Observer.EventRejected()
	}
}

func (h Handlers) parseTimestamp(raw string) time.Time {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if raw == "" {
		return now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return now().UTC()
}

// --- Query API ---

// GetCallEvents returns one consumer's view of a call. The consumer query
// param defaults to crm; crm_all returns the unfiltered sequence.
func (h Handlers) GetCallEvents(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}
	consumer, ok := parseConsumer(c.DefaultQuery("consumer", string(callflow.ConsumerCRM)))
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown consumer"})
		return
	}

	events, err := h.Cache.GetFiltered(c.Request.Context(), callID, consumer)
	if err != nil {
		if errors.Is(err, eventcache.ErrUnavailable) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event store unavailable"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id":  callID,
		"consumer": consumer,
		"events":   events,
	})
}

// GetCallMetadata summarizes one call. An unreachable store yields the
// explicit available=false shape rather than an error status.
func (h Handlers) GetCallMetadata(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}
	md, err := h.Cache.GetMetadata(c.Request.Context(), callID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "metadata lookup failed"})
		return
	}
	c.JSON(http.StatusOK, md)
}

// GetCallHistory returns a call's long-term archived events, the record that
// outlives the cache's retention window. 404 without a configured archive.
func (h Handlers) GetCallHistory(c *gin.Context) {
	if h.Archive == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "archive not configured"})
		return
	}
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	entries, err := h.Archive.History(c.Request.Context(), callID, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "archive unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"call_id": callID,
		"entries": entries,
	})
}

// GetEngineHealth reports scheduler occupancy.
func (h Handlers) GetEngineHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.Scheduler.Health())
}

// FlushDerived drops all memoized filter results, used after threshold
// changes so every call reclassifies on its next read.
func (h Handlers) FlushDerived(c *gin.Context) {
	if err := h.Cache.InvalidateAll(c.Request.Context()); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event store unavailable"})
		return
	}
	logger.FromGin(c).Info("derived views flushed")
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

// GetCacheStats reports cache population by namespace.
func (h Handlers) GetCacheStats(c *gin.Context) {
	stats, err := h.Cache.Stats(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event store unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseConsumer(s string) (callflow.Consumer, bool) {
	for _, consumer := range callflow.Consumers() {
		if string(consumer) == s {
			return consumer, true
		}
	}
	return "", false
}
