package notify

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"callrelay/internal/event"
	"callrelay/pkg/utils"
)

// Action is what a stage handler should do with a new notification relative
// to the previous one for the same grouping key and channel.
type Action int

const (
	// ActionSend delivers the notification standalone.
	ActionSend Action = iota
	// ActionReplace deletes the previous message first; it carried stale
	// information that the new one supersedes.
	ActionReplace
	// ActionThread delivers the notification as a reply to the previous
	// message, which is still informationally relevant.
	ActionThread
)

// Decision pairs the action with the previous record it applies to.
// Previous is meaningful for ActionReplace (what to delete) and ActionThread
// (what to reply to).
type Decision struct {
	Action   Action
	Previous Record
}

// Tracker owns the notification lifecycle per (grouping key, recipient
// channel): whether a new notification replaces, threads to, or stands apart
// from the previous one, and which bridges have already been announced.
type Tracker struct {
	store  Store
	window time.Duration
	log    *slog.Logger
	locks  *utils.KeyedMutex
}

func NewTracker(store Store, dedupWindow time.Duration, log *slog.Logger) *Tracker {
	if dedupWindow <= 0 {
		dedupWindow = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:  store,
		window: dedupWindow,
		log:    log,
		locks:  utils.NewKeyedMutex(),
	}
}

// GroupingKey derives the key notifications group under: the call's external
// number, or for internal-to-internal calls the sorted pair of extensions.
func GroupingKey(externalPhone, extA, extB string) string {
	if p := strings.TrimSpace(externalPhone); p != "" {
		return p
	}
	pair := []string{strings.TrimSpace(extA), strings.TrimSpace(extB)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// Lock serializes the read-decide-write sequence for one (key, channel)
// pair. Callers hold the returned unlock across Decide, the messenger call
// and RecordSent, so near-simultaneous events for the same call cannot both
// believe they act first. The entry is released with the lock, so the set of
// held keys tracks in-flight notifications rather than call history.
func (t *Tracker) Lock(key, channel string) func() {
	return t.locks.Lock(channel + "|" + key)
}

// Decide determines how a notification for newStage relates to the previous
// one. Replace and thread are mutually exclusive by construction: the
// decision is a single switch over the (previous, new) stage pair.
func (t *Tracker) Decide(ctx context.Context, key, channel string, newStage event.Type) (Decision, error) {
	prev, ok, err := t.store.Get(ctx, key, channel)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Action: ActionSend}, nil
	}
	return Decision{Action: relate(prev.Stage, newStage), Previous: prev}, nil
}

// relate encodes the supersession matrix.
//
// A ringing announce (start/dial) becomes stale the moment the parties are
// connected; an in-progress message becomes stale the moment the call ends.
// The original announce stays relevant for the final outcome, so the outcome
// threads to it.
func relate(prev, next event.Type) Action {
	isAnnounce := func(t event.Type) bool { return t == event.TypeStart || t == event.TypeDial }

	switch {
	case next == event.TypeBridge && isAnnounce(prev):
		return ActionReplace
	case next == event.TypeBridge && prev == event.TypeBridge:
		return ActionReplace
	case next == event.TypeHangup && prev == event.TypeBridge:
		return ActionReplace
	case next == event.TypeHangup && isAnnounce(prev):
		return ActionThread
	case next == event.TypeDial && prev == event.TypeStart:
		return ActionReplace
	default:
		return ActionSend
	}
}

// ShouldReplacePrevious and ShouldSendAsComment expose the two sides of the
// matrix separately for callers that only need the predicate.
func (t *Tracker) ShouldReplacePrevious(ctx context.Context, key, channel string, newStage event.Type) (bool, error) {
	d, err := t.Decide(ctx, key, channel, newStage)
	return err == nil && d.Action == ActionReplace, err
}

func (t *Tracker) ShouldSendAsComment(ctx context.Context, key, channel string, newStage event.Type) (bool, error) {
	d, err := t.Decide(ctx, key, channel, newStage)
	return err == nil && d.Action == ActionThread, err
}

// SuppressReason explains why a bridge notification was withheld.
type SuppressReason string

const (
	SuppressNone         SuppressReason = ""
	SuppressPlaceholder  SuppressReason = "placeholder_number"
	SuppressTransitional SuppressReason = "transitional_bridge"
	SuppressDuplicate    SuppressReason = "duplicate_bridge"
)

// ShouldAnnounceBridge applies the bridge dedup policy: one announce per
// bridge id within the window, no announces for placeholder parties, and no
// announces for the transitional internal-to-external leg that briefly forms
// before the real two-party bridge.
func (t *Tracker) ShouldAnnounceBridge(ctx context.Context, rec event.Record) (bool, SuppressReason, error) {
	caller := rec.CallerIDNum()
	connected := rec.ConnectedLineNum()
	if event.IsPlaceholderNumber(caller) || event.IsPlaceholderNumber(connected) {
		return false, SuppressPlaceholder, nil
	}
	if rec.ExternalInitiated() && event.IsInternalNumber(caller) && !event.IsInternalNumber(connected) {
		return false, SuppressTransitional, nil
	}
	if rec.BridgeUniqueID != "" {
		ok, err := t.store.ClaimBridge(ctx, rec.BridgeUniqueID, t.window)
		if err != nil {
			return false, SuppressNone, err
		}
		if !ok {
			return false, SuppressDuplicate, nil
		}
	}
	return true, SuppressNone, nil
}

// RecordSent overwrites the tracker's memory after a successful delivery.
func (t *Tracker) RecordSent(ctx context.Context, key, channel string, stage event.Type, messageID string) error {
	return t.store.Put(ctx, Record{
		GroupingKey: key,
		Channel:     channel,
		Stage:       stage,
		MessageID:   messageID,
		SentAt:      time.Now().UTC(),
	})
}

// PendingBridge returns the channel's still-standing bridge notification for
// the key, if any. On hangup the stage handler deletes that message before
// delivering the outcome.
func (t *Tracker) PendingBridge(ctx context.Context, key, channel string) (Record, bool, error) {
	prev, ok, err := t.store.Get(ctx, key, channel)
	if err != nil || !ok {
		return Record{}, false, err
	}
	if prev.Stage != event.TypeBridge {
		return Record{}, false, nil
	}
	return prev, true, nil
}

// Purge drops the tracker's references for a finished call.
func (t *Tracker) Purge(ctx context.Context, key, channel string) error {
	return t.store.Delete(ctx, key, channel)
}
