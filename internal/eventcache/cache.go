package eventcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"callrelay/internal/callflow"
	"callrelay/internal/event"
	"callrelay/pkg/utils"
)

// ErrUnavailable signals that the backing store is unreachable and the raw
// events could not be obtained. Callers should degrade (report an explicit
// unavailable status) rather than fail their request.
var ErrUnavailable = errors.New("eventcache: store unavailable")

// CallStatus drives the retention class of a call's cached data.
type CallStatus string

const (
	StatusActive   CallStatus = "active"
	StatusFinished CallStatus = "finished"
)

// Key prefixes. One namespace per concern so invalidation and stats can work
// by prefix.
const (
	keyEvents   = "call:events:"
	keyFiltered = "call:filtered:"
	keyStatus   = "call:status:"
	keyLink     = "call:bridge-link:"
	keyPhone    = "call:by-phone:"
)

// Observer receives cache activity signals. Implemented by the metrics
// package; a nil observer is valid.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheInvalidated()
}

// Metadata summarizes one call's derived state.
type Metadata struct {
	CallID          string                    `json:"call_id"`
	Complexity      callflow.Complexity       `json:"complexity"`
	PrimaryUniqueID string                    `json:"primary_unique_id"`
	Counts          map[callflow.Consumer]int `json:"counts"`
	EventCount      int                       `json:"event_count"`
	Status          CallStatus                `json:"status"`
	UpdatedAt       time.Time                 `json:"updated_at"`

	// Available is false when the store was unreachable and nothing could be
	// derived; the zero values of the other fields then carry no meaning.
	Available bool `json:"available"`
}

// Stats reports cache population by namespace.
type Stats struct {
	Calls         int `json:"calls"`
	FilteredViews int `json:"filtered_views"`
	BridgeLinks   int `json:"bridge_links"`
	PhoneIndex    int `json:"phone_index"`
}

// Cache stores raw events per call with TTL and memoizes derived
// FilterResults. Adding an event always invalidates the derived view for
// that call before returning, so no consumer ever reads a stale result after
// new input arrived.
type Cache struct {
	store Store
	th    callflow.Thresholds

	activeTTL   time.Duration
	finishedTTL time.Duration

	log *slog.Logger
	obs Observer

	// locks serializes work per call id so that a write for one call never
	// contends with reads or writes for another.
	locks *utils.KeyedMutex
}

type Options struct {
	Thresholds  callflow.Thresholds
	ActiveTTL   time.Duration
	FinishedTTL time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

func New(store Store, opts Options) *Cache {
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = 4 * time.Hour
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:       store,
		th:          opts.Thresholds,
		activeTTL:   opts.ActiveTTL,
		finishedTTL: opts.FinishedTTL,
		log:         opts.Logger,
		obs:         opts.Observer,
		locks:       utils.NewKeyedMutex(),
	}
}

type cachedResult struct {
	Result    callflow.Result `json:"result"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Add correlates rec to a call, appends it to that call's raw-event list and
// invalidates the call's derived results. Returns the call id the event was
// attached to.
func (c *Cache) Add(ctx context.Context, rec event.Record) (string, error) {
	callID, err := c.resolveCallID(ctx, rec)
	if err != nil {
		return "", err
	}

	unlock := c.locks.Lock(callID)
	defer unlock()

	events, _, err := c.loadEvents(ctx, callID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	events = append(events, rec)

	status := StatusActive
	for _, e := range events {
		if e.Type == event.TypeHangup {
			status = StatusFinished
			break
		}
	}
	ttl := c.ttlFor(status)

	raw, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("eventcache: encode events: %w", err)
	}
	if err := c.store.Set(ctx, keyEvents+callID, raw, ttl); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := c.store.Set(ctx, keyStatus+callID, []byte(status), ttl); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Correlation indexes: a start event anchors its external number, any
	// event carrying a bridge id links that bridge to this call.
	if rec.Type == event.TypeStart {
		if p := rec.Phone(); p != "" {
			if err := c.store.Set(ctx, keyPhone+p, []byte(callID), ttl); err != nil {
				c.log.Warn("phone index write failed", "call_id", callID, "err", err)
			}
		}
	}
	if rec.BridgeUniqueID != "" {
		if err := c.store.Set(ctx, keyLink+rec.BridgeUniqueID, []byte(callID), ttl); err != nil {
			c.log.Warn("bridge link write failed", "call_id", callID, "err", err)
		}
	}

	// Invalidate the derived view before returning; a failed invalidation
	// would let a stale filtered result survive new input, so it is an error.
	if err := c.store.Delete(ctx, keyFiltered+callID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if c.obs != nil {
		c.obs.CacheInvalidated()
	}
	return callID, nil
}

// resolveCallID maps an incoming event onto the logical call it belongs to:
// its own leg id when that call is already known or no correlation applies,
// the call linked to its bridge id, or the call anchored at the external
// number it carries.
func (c *Cache) resolveCallID(ctx context.Context, rec event.Record) (string, error) {
	id := rec.EffectiveUniqueID()
	if id != "" {
		if _, ok, err := c.store.Get(ctx, keyEvents+id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		} else if ok {
			return id, nil
		}
	}

	if rec.BridgeUniqueID != "" {
		if v, ok, err := c.store.Get(ctx, keyLink+rec.BridgeUniqueID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		} else if ok {
			return string(v), nil
		}
	}

	if isBridgeKind(rec.Type) {
		for _, num := range []string{rec.CallerIDNum(), rec.ConnectedLineNum()} {
			if num == "" || event.IsInternalNumber(num) {
				continue
			}
			if v, ok, err := c.lookupPhone(ctx, num); err != nil {
				return "", err
			} else if ok {
				return v, nil
			}
		}
	}

	if id == "" {
		return "", fmt.Errorf("eventcache: event has no correlatable id (type %s)", rec.Type)
	}
	return id, nil
}

func (c *Cache) lookupPhone(ctx context.Context, num string) (string, bool, error) {
	// The PBX may report either the raw or the stripped form of a number.
	candidates := []string{num}
	if trimmed := strings.TrimPrefix(num, "+"); trimmed != num {
		candidates = append(candidates, trimmed)
	} else {
		candidates = append(candidates, "+"+num)
	}
	for _, cand := range candidates {
		v, ok, err := c.store.Get(ctx, keyPhone+cand)
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			return string(v), true, nil
		}
	}
	return "", false, nil
}

// GetFiltered returns the cached subset for one consumer, recomputing and
// memoizing the full FilterResult on a miss. Store failures on the derived
// key degrade to recompute-from-raw; only an unreachable raw list yields
// ErrUnavailable.
func (c *Cache) GetFiltered(ctx context.Context, callID string, consumer callflow.Consumer) ([]event.Record, error) {
	unlock := c.locks.Lock(callID)
	defer unlock()

	cr, err := c.result(ctx, callID)
	if err != nil {
		return nil, err
	}
	return cr.Result.Subset(consumer), nil
}

// Recompute drops any memoized result and derives a fresh one for all
// consumers. Used by the scheduler's synchronous and batched paths.
func (c *Cache) Recompute(ctx context.Context, callID string) (callflow.Result, error) {
	unlock := c.locks.Lock(callID)
	defer unlock()

	if err := c.store.Delete(ctx, keyFiltered+callID); err != nil {
		c.log.Warn("derived-view delete failed, recomputing anyway", "call_id", callID, "err", err)
	}
	cr, err := c.result(ctx, callID)
	if err != nil {
		return callflow.Result{}, err
	}
	return cr.Result, nil
}

// InvalidateAll drops every memoized derived view at once, forcing
// recomputation from raw events on the next read. Operators use this after
// changing classification thresholds.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if err := c.store.DeleteMatching(ctx, keyFiltered); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if c.obs != nil {
		c.obs.CacheInvalidated()
	}
	return nil
}

// GetMetadata summarizes the call. Store unavailability yields an explicit
// not-available metadata instead of an error.
func (c *Cache) GetMetadata(ctx context.Context, callID string) (Metadata, error) {
	unlock := c.locks.Lock(callID)
	defer unlock()

	cr, err := c.result(ctx, callID)
	if errors.Is(err, ErrUnavailable) {
		return Metadata{CallID: callID, Available: false}, nil
	}
	if err != nil {
		return Metadata{}, err
	}

	status := StatusActive
	if v, ok, err := c.store.Get(ctx, keyStatus+callID); err == nil && ok {
		status = CallStatus(v)
	}

	return Metadata{
		CallID:          callID,
		Complexity:      cr.Result.Complexity,
		PrimaryUniqueID: cr.Result.PrimaryUniqueID,
		Counts:          cr.Result.Counts(),
		EventCount:      len(cr.Result.Subset(callflow.ConsumerCRMAll)),
		Status:          status,
		UpdatedAt:       cr.UpdatedAt,
		Available:       true,
	}, nil
}

// RawEvents returns the stored raw sequence for a call, nil when unknown.
func (c *Cache) RawEvents(ctx context.Context, callID string) ([]event.Record, error) {
	events, _, err := c.loadEvents(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return events, nil
}

// Stats counts cache population by namespace.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	var err error
	if out.Calls, err = c.store.Count(ctx, keyEvents); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.FilteredViews, err = c.store.Count(ctx, keyFiltered); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.BridgeLinks, err = c.store.Count(ctx, keyLink); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.PhoneIndex, err = c.store.Count(ctx, keyPhone); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// result returns the memoized FilterResult, deriving and caching it when
// absent. Must be called with the call's lock held.
func (c *Cache) result(ctx context.Context, callID string) (cachedResult, error) {
	if raw, ok, err := c.store.Get(ctx, keyFiltered+callID); err == nil && ok {
		var cr cachedResult
		if jsonErr := json.Unmarshal(raw, &cr); jsonErr == nil {
			if c.obs != nil {
				c.obs.CacheHit()
			}
			return cr, nil
		}
		c.log.Warn("corrupt derived view, recomputing", "call_id", callID)
	} else if err != nil {
		c.log.Warn("derived-view read failed, recomputing from raw", "call_id", callID, "err", err)
	}
	if c.obs != nil {
		c.obs.CacheMiss()
	}

	events, _, err := c.loadEvents(ctx, callID)
	if err != nil {
		return cachedResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	cx := callflow.Classify(events, c.th)
	cr := cachedResult{
		Result:    callflow.Filter(events, cx, c.th),
		UpdatedAt: time.Now().UTC(),
	}

	status := StatusActive
	for _, e := range events {
		if e.Type == event.TypeHangup {
			status = StatusFinished
			break
		}
	}
	if raw, err := json.Marshal(cr); err == nil {
		if setErr := c.store.Set(ctx, keyFiltered+callID, raw, c.ttlFor(status)); setErr != nil {
			c.log.Warn("derived-view write failed", "call_id", callID, "err", setErr)
		}
	}
	return cr, nil
}

func (c *Cache) loadEvents(ctx context.Context, callID string) ([]event.Record, bool, error) {
	raw, ok, err := c.store.Get(ctx, keyEvents+callID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var events []event.Record
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, false, fmt.Errorf("eventcache: corrupt event list for %s: %w", callID, err)
	}
	return events, true, nil
}

func (c *Cache) ttlFor(status CallStatus) time.Duration {
	if status == StatusFinished {
		return c.finishedTTL
	}
	return c.activeTTL
}

func isBridgeKind(t event.Type) bool {
	switch t {
	case event.TypeBridge, event.TypeBridgeCreate, event.TypeBridgeLeave, event.TypeBridgeDestroy:
		return true
	}
	return false
}
