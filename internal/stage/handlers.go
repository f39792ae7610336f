package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callrelay/internal/archive"
	"callrelay/internal/dispatch"
	"callrelay/internal/event"
	"callrelay/internal/eventcache"
	"callrelay/internal/notify"
	"callrelay/internal/scheduler"
	"callrelay/internal/tenant"
)

// Observer receives stage-level signals. Implemented by the metrics package;
// nil is valid.
type Observer interface {
	EventAccepted(t event.Type)
	EventProcessed(d time.Duration)
	NotificationSent(stage event.Type)
	NotificationSuppressed(reason notify.SuppressReason)
}

// Handlers runs the per-event pipeline: cache the event, schedule derived
// recomputation, forward the raw event downstream, and drive the notification
// lifecycle for the owning tenant's channels.
//
// Cache or notification trouble never rejects an event that passed
// validation; the pipeline degrades a leg and keeps the rest flowing.
type Handlers struct {
	cache   *eventcache.Cache
	sched   *scheduler.Scheduler
	tracker *notify.Tracker
	tenants tenant.Resolver
	msg     Messenger
	crm     *dispatch.Pool
	arch    *archive.Service

	log *slog.Logger
	obs Observer
}

type Options struct {
	Cache     *eventcache.Cache
	Scheduler *scheduler.Scheduler
	Tracker   *notify.Tracker
	Tenants   tenant.Resolver
	Messenger Messenger
	CRM       *dispatch.Pool

	// Archive is optional; nil disables long-term archiving.
	Archive *archive.Service

	Logger   *slog.Logger
	Observer Observer
}

func NewHandlers(opts Options) *Handlers {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handlers{
		cache:   opts.Cache,
		sched:   opts.Scheduler,
		tracker: opts.Tracker,
		tenants: opts.Tenants,
		msg:     opts.Messenger,
		crm:     opts.CRM,
		arch:    opts.Archive,
		log:     opts.Logger,
		obs:     opts.Observer,
	}
}

// HandleEvent processes one validated event end to end.
func (h *Handlers) HandleEvent(ctx context.Context, rec event.Record) error {
	if h.obs != nil {
		h.obs.EventAccepted(rec.Type)
		start := time.Now()
		defer func() { h.obs.EventProcessed(time.Since(start)) }()
	}

	callID, err := h.cache.Add(ctx, rec)
	if err != nil {
		// The raw-event dispatch below still runs off the record itself, so
		// downstream consumers do not lose the event with the cache.
		h.log.Error("event cache rejected event", "unique_id", rec.EffectiveUniqueID(), "event_type", rec.Type, "err", err)
		callID = rec.EffectiveUniqueID()
	} else if err := h.sched.HandleEvent(ctx, callID, rec.Type); err != nil {
		h.log.Warn("scheduling failed", "call_id", callID, "event_type", rec.Type, "err", err)
	}

	h.forwardRaw(rec, callID)

	if h.arch != nil {
		if err := h.arch.ArchiveRecord(ctx, callID, rec); err != nil {
			h.log.Warn("archive append failed", "call_id", callID, "err", err)
		}
	}

	ent, err := h.tenants.Resolve(ctx, rec.Token)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			h.log.Info("unknown tenant, skipping notifications", "call_id", callID)
			return nil
		}
		return fmt.Errorf("stage: resolve tenant: %w", err)
	}

	switch rec.Type {
	case event.TypeStart, event.TypeDial:
		return h.notifyChannels(ctx, rec, ent.Channels)
	case event.TypeBridge:
		return h.handleBridge(ctx, rec, ent.Channels)
	case event.TypeHangup:
		return h.handleHangup(ctx, rec, ent.Channels)
	default:
		// Bridge sub-events and caller-id updates shape classification but
		// carry no notification of their own.
		return nil
	}
}

// forwardRaw hands the unfiltered event to the CRM dispatch pool.
func (h *Handlers) forwardRaw(rec event.Record, callID string) {
	if h.crm == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		h.log.Error("encode event for dispatch", "call_id", callID, "err", err)
		return
	}
	h.crm.Submit(rec.Token, callID, rec.Type, payload)
}

// handleBridge applies the bridge announce policy once, then notifies every
// channel. A suppressed bridge produces no notification anywhere.
func (h *Handlers) handleBridge(ctx context.Context, rec event.Record, channels []string) error {
	ok, reason, err := h.tracker.ShouldAnnounceBridge(ctx, rec)
	if err != nil {
		return fmt.Errorf("stage: bridge announce check: %w", err)
	}
	if !ok {
		h.log.Debug("bridge notification suppressed",
			"bridge_unique_id", rec.BridgeUniqueID,
			"reason", string(reason),
		)
		if h.obs != nil {
			h.obs.NotificationSuppressed(reason)
		}
		return nil
	}
	return h.notifyChannels(ctx, rec, channels)
}

// handleHangup delivers the outcome: any still-standing bridge message is
// deleted first, the outcome threads to the original announce when one
// survives, and the tracker's references for the call are purged.
func (h *Handlers) handleHangup(ctx context.Context, rec event.Record, channels []string) error {
	key := groupingKeyFor(rec)
	text := renderText(rec)

	var errs []error
	for _, ch := range channels {
		if err := h.hangupChannel(ctx, rec, key, ch, text); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Handlers) hangupChannel(ctx context.Context, rec event.Record, key, channel, text string) error {
	unlock := h.tracker.Lock(key, channel)
	defer unlock()

	if prev, ok, err := h.tracker.PendingBridge(ctx, key, channel); err != nil {
		h.log.Warn("pending-bridge lookup failed", "grouping_key", key, "channel", channel, "err", err)
	} else if ok {
		if err := h.msg.Delete(ctx, channel, prev.MessageID); err != nil {
			h.log.Warn("delete of superseded bridge message failed",
				"channel", channel, "message_id", prev.MessageID, "err", err)
		}
	}

	d, err := h.tracker.Decide(ctx, key, channel, rec.Type)
	if err != nil {
		return err
	}

	replyTo := ""
	if d.Action == notify.ActionThread {
		replyTo = d.Previous.MessageID
	}
	if _, err := h.msg.Send(ctx, channel, text, replyTo); err != nil {
		return err
	}
	if h.obs != nil {
		h.obs.NotificationSent(rec.Type)
	}

	// The call is over; nothing should replace or thread to its messages.
	if err := h.tracker.Purge(ctx, key, channel); err != nil {
		h.log.Warn("tracker purge failed", "grouping_key", key, "channel", channel, "err", err)
	}
	return nil
}

// notifyChannels runs the replace-or-thread lifecycle for one stage across
// all of the tenant's channels. A failing channel does not block the others.
func (h *Handlers) notifyChannels(ctx context.Context, rec event.Record, channels []string) error {
	key := groupingKeyFor(rec)
	text := renderText(rec)

	var errs []error
	for _, ch := range channels {
		if err := h.notifyChannel(ctx, rec, key, ch, text); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Handlers) notifyChannel(ctx context.Context, rec event.Record, key, channel, text string) error {
	unlock := h.tracker.Lock(key, channel)
	defer unlock()

	d, err := h.tracker.Decide(ctx, key, channel, rec.Type)
	if err != nil {
		return err
	}

	replyTo := ""
	switch d.Action {
	case notify.ActionReplace:
		if err := h.msg.Delete(ctx, channel, d.Previous.MessageID); err != nil {
			h.log.Warn("delete of superseded message failed",
				"channel", channel, "message_id", d.Previous.MessageID, "err", err)
		}
	case notify.ActionThread:
		replyTo = d.Previous.MessageID
	}

	msgID, err := h.msg.Send(ctx, channel, text, replyTo)
	if err != nil {
		return err
	}
	if h.obs != nil {
		h.obs.NotificationSent(rec.Type)
	}
	return h.tracker.RecordSent(ctx, key, channel, rec.Type, msgID)
}

// groupingKeyFor picks the notification grouping key for a record: the
// external party when the event carries one, otherwise the internal pair.
// Queue and follow-me legs list the dialed extensions instead of filling the
// caller-id fields, so the extensions take precedence for the pair.
func groupingKeyFor(rec event.Record) string {
	external := ""
	for _, n := range []string{rec.Phone(), rec.CallerIDNum(), rec.ConnectedLineNum()} {
		if n == "" || event.IsPlaceholderNumber(n) || event.IsInternalNumber(n) {
			continue
		}
		external = n
		break
	}

	extA, extB := rec.CallerIDNum(), rec.ConnectedLineNum()
	switch {
	case len(rec.Extensions) >= 2:
		extA, extB = rec.Extensions[0], rec.Extensions[1]
	case len(rec.Extensions) == 1:
		extA = rec.Extensions[0]
		extB = rec.ConnectedLineNum()
		if extB == "" || extB == extA {
			extB = rec.CallerIDNum()
		}
	}
	return notify.GroupingKey(external, extA, extB)
}
