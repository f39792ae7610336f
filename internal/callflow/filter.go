package callflow

import (
	"callrelay/internal/event"
)

// Consumer names one downstream subscriber of filtered events.
type Consumer string

const (
	// ConsumerCRM receives the minimal meaningful subset for CRM cards.
	ConsumerCRM Consumer = "crm"
	// ConsumerMessaging receives the reduced subset used for human
	// notifications.
	ConsumerMessaging Consumer = "messaging"
	// ConsumerAudit receives every event the engine kept for any consumer.
	ConsumerAudit Consumer = "audit"
	// ConsumerCRMAll receives the raw sequence unfiltered.
	ConsumerCRMAll Consumer = "crm_all"
)

// Consumers lists all known consumers in a stable order.
func Consumers() []Consumer {
	return []Consumer{ConsumerCRM, ConsumerMessaging, ConsumerAudit, ConsumerCRMAll}
}

// Result is the outcome of filtering one call's event sequence: one ordered
// subset per consumer plus the derived complexity and primary id.
//
// Invariants:
// - Ordering inside each subset preserves arrival order.
// - The audit subset contains every event any specific consumer received.
// - crm_all is always the full raw sequence.
type Result struct {
	Complexity      Complexity                  `json:"complexity"`
	PrimaryUniqueID string                      `json:"primary_unique_id"`
	Subsets         map[Consumer][]event.Record `json:"subsets"`
}

// Subset returns the events for one consumer, nil when the consumer is
// unknown or the subset is empty.
func (r Result) Subset(c Consumer) []event.Record {
	if r.Subsets == nil {
		return nil
	}
	return r.Subsets[c]
}

// Counts reports per-consumer subset sizes.
func (r Result) Counts() map[Consumer]int {
	out := make(map[Consumer]int, len(r.Subsets))
	for c, evs := range r.Subsets {
		out[c] = len(evs)
	}
	return out
}

// Filter derives the per-consumer event subsets for one correlated call.
// Pure and idempotent: filtering the same input twice yields identical
// results. Strategies that cannot find their anchor event fall back to the
// simple strategy rather than failing.
func Filter(events []event.Record, cx Complexity, th Thresholds) Result {
	th = th.withDefaults()
	res := Result{
		Complexity:      cx,
		PrimaryUniqueID: PrimaryUniqueID(events),
		Subsets:         make(map[Consumer][]event.Record, 4),
	}
	res.Subsets[ConsumerCRMAll] = append([]event.Record(nil), events...)

	var crm, messaging []event.Record
	switch cx {
	case ComplexityEmpty:
		// all subsets empty
	case ComplexityMultipleTransfer, ComplexityComplexTransfer:
		crm, messaging = filterMultipleTransfer(events, res.PrimaryUniqueID)
	case ComplexityBusyManager:
		crm, messaging = filterBusyManager(events)
	case ComplexityFollowMe:
		crm, messaging = filterFollowMe(events, res.PrimaryUniqueID)
	default:
		crm, messaging = filterSimple(events, res.PrimaryUniqueID)
	}

	res.Subsets[ConsumerCRM] = crm
	res.Subsets[ConsumerMessaging] = messaging
	// Everything kept for a specific consumer is visible to audit.
	res.Subsets[ConsumerAudit] = append([]event.Record(nil), crm...)
	return res
}

// filterSimple keeps the first start/dial for the primary id, the first
// bridge related to it, and the last hangup. The bridge is withheld from the
// messaging subset: start and hangup already convey the outcome, and a third
// message per ordinary call reads as noise.
func filterSimple(events []event.Record, primaryID string) (crm, messaging []event.Record) {
	phone := primaryPhone(events, primaryID)
	keep := make(map[int]bool, 3)

	anchor := findAnchor(events, primaryID)
	if anchor >= 0 {
		keep[anchor] = true
	}

	for i, e := range events {
		if e.Type == event.TypeBridge && belongsToPrimary(e, primaryID, phone) {
			keep[i] = true
			break
		}
	}

	if h := lastHangup(events, primaryID); h >= 0 {
		keep[h] = true
	}

	crm = pick(events, keep)
	messaging = reduceForMessaging(crm)
	return crm, messaging
}

// filterMultipleTransfer isolates the conversation thread of a transferred
// call. The "main bridge" is the bridge active at hangup time: the
// bridge_unique_id of the last bridge event carrying the primary id, scanned
// backward. Consultation-only bridges are dropped for every consumer.
func filterMultipleTransfer(events []event.Record, primaryID string) (crm, messaging []event.Record) {
	phone := primaryPhone(events, primaryID)

	mainBridgeID := ""
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Type == event.TypeBridge && e.EffectiveUniqueID() == primaryID {
			mainBridgeID = e.BridgeUniqueID
			break
		}
	}
	if mainBridgeID == "" {
		return filterSimple(events, primaryID)
	}

	keep := make(map[int]bool)
	if anchor := findAnchor(events, primaryID); anchor >= 0 {
		keep[anchor] = true
	}

	firstBridge := -1
	for i, e := range events {
		if e.Type != event.TypeBridge {
			continue
		}
		if firstBridge < 0 && belongsToPrimary(e, primaryID, phone) {
			firstBridge = i
			keep[i] = true
			continue
		}
		if firstBridge < 0 {
			continue
		}
		// After the first related bridge: keep the main conversation bridge
		// and the primary party's own moves between bridges. Everything else
		// is a consultation leg.
		if e.BridgeUniqueID == mainBridgeID || e.EffectiveUniqueID() == primaryID {
			keep[i] = true
		}
	}

	if h := lastHangup(events, primaryID); h >= 0 {
		keep[h] = true
	}

	crm = pick(events, keep)
	messaging = reduceForMessaging(crm)
	return crm, messaging
}

// filterBusyManager handles a new call arriving while the destination is
// already on an unrelated conversation. The priority call is the most recent
// external start when one exists, otherwise the earliest internal start; all
// other calls' events are dropped for every consumer.
func filterBusyManager(events []event.Record) (crm, messaging []event.Record) {
	priority := -1
	for i, e := range events {
		if e.Type != event.TypeStart {
			continue
		}
		if e.HasTrunk() && e.Direction() == event.CallIncoming {
			priority = i // most recent external wins
		}
	}
	if priority < 0 {
		for i, e := range events {
			if e.Type == event.TypeStart {
				priority = i // earliest internal
				break
			}
		}
	}
	if priority < 0 {
		return filterSimple(events, PrimaryUniqueID(events))
	}

	priorityID := events[priority].EffectiveUniqueID()
	priorityPhone := events[priority].Phone()
	if priorityPhone == "" {
		priorityPhone = events[priority].CallerIDNum()
	}

	keep := make(map[int]bool)
	for i, e := range events {
		if e.EffectiveUniqueID() == priorityID {
			keep[i] = true
			continue
		}
		if isBridgeKind(e.Type) && bridgeCarriesNumber(e, priorityPhone) {
			keep[i] = true
		}
	}

	crm = pick(events, keep)
	messaging = reduceForMessaging(crm)
	return crm, messaging
}

// filterFollowMe strips the redirect legs a forwarding cascade spawns,
// keeping only the main inbound call's start, bridges and hangup.
func filterFollowMe(events []event.Record, primaryID string) (crm, messaging []event.Record) {
	main := -1
	for i, e := range events {
		if e.Type == event.TypeStart && e.Direction() == event.CallIncoming && e.HasTrunk() {
			if e.EffectiveUniqueID() == primaryID {
				main = i
				break
			}
			if main < 0 {
				main = i
			}
		}
	}
	if main < 0 {
		return filterSimple(events, primaryID)
	}

	mainID := events[main].EffectiveUniqueID()
	mainPhone := events[main].Phone()
	if mainPhone == "" {
		mainPhone = events[main].CallerIDNum()
	}

	redirectIDs := make(map[string]bool)
	redirectPhones := make(map[string]bool)
	for _, e := range events {
		if e.Type != event.TypeStart || e.Direction() != event.CallOutgoing {
			continue
		}
		id := e.EffectiveUniqueID()
		if id == mainID {
			continue
		}
		redirectIDs[id] = true
		if p := e.Phone(); p != "" {
			redirectPhones[p] = true
		}
	}

	keep := make(map[int]bool)
	keep[main] = true
	for i, e := range events {
		id := e.EffectiveUniqueID()
		if redirectIDs[id] {
			continue
		}
		if (isBridgeKind(e.Type) || e.Type == event.TypeDial) && referencesAny(e, redirectPhones) {
			continue
		}
		switch {
		case e.Type == event.TypeBridge && belongsToPrimary(e, mainID, mainPhone):
			keep[i] = true
		case e.Type == event.TypeHangup && id == mainID:
			keep[i] = true
		}
	}
	// Only the final hangup survives.
	trimToLastHangup(events, keep)

	crm = pick(events, keep)
	messaging = reduceForMessaging(crm)
	return crm, messaging
}

// findAnchor locates the first start/dial event for the primary id, falling
// back to the first start/dial of any leg.
func findAnchor(events []event.Record, primaryID string) int {
	fallback := -1
	for i, e := range events {
		if e.Type != event.TypeStart && e.Type != event.TypeDial {
			continue
		}
		if e.EffectiveUniqueID() == primaryID {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// lastHangup locates the final hangup for the primary id, falling back to
// the last hangup of any leg.
func lastHangup(events []event.Record, primaryID string) int {
	fallback := -1
	primary := -1
	for i, e := range events {
		if e.Type != event.TypeHangup {
			continue
		}
		fallback = i
		if e.EffectiveUniqueID() == primaryID {
			primary = i
		}
	}
	if primary >= 0 {
		return primary
	}
	return fallback
}

func referencesAny(e event.Record, phones map[string]bool) bool {
	if len(phones) == 0 {
		return false
	}
	for p := range phones {
		if sameNumber(e.CallerIDNum(), p) || sameNumber(e.ConnectedLineNum(), p) || sameNumber(e.Phone(), p) {
			return true
		}
	}
	return false
}

func trimToLastHangup(events []event.Record, keep map[int]bool) {
	last := -1
	for i := range events {
		if keep[i] && events[i].Type == event.TypeHangup {
			last = i
		}
	}
	for i := range events {
		if keep[i] && events[i].Type == event.TypeHangup && i != last {
			delete(keep, i)
		}
	}
}

// pick materializes the kept indices in arrival order.
func pick(events []event.Record, keep map[int]bool) []event.Record {
	out := make([]event.Record, 0, len(keep))
	for i, e := range events {
		if keep[i] {
			out = append(out, e)
		}
	}
	return out
}

// reduceForMessaging shrinks a consumer subset to the pair a human actually
// needs: the opening start/dial and the closing hangup.
func reduceForMessaging(kept []event.Record) []event.Record {
	out := make([]event.Record, 0, 2)
	for _, e := range kept {
		if e.Type == event.TypeStart || e.Type == event.TypeDial {
			out = append(out, e)
			break
		}
	}
	for i := len(kept) - 1; i >= 0; i-- {
		if kept[i].Type == event.TypeHangup {
			out = append(out, kept[i])
			break
		}
	}
	return out
}
