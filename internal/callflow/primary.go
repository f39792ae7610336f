package callflow

import (
	"strings"

	"callrelay/internal/event"
)

// strippedNumberMarker is the PBX-internal prefix denoting the normalized
// (trunk-stripped) form of a number. A bridge party may carry either form.
const strippedNumberMarker = "+"

// PrimaryUniqueID picks the unique id that represents the whole logical
// call: the first start event's id, else the first dial event's id, else the
// id of the first event in arrival order. Stable under reordering of events
// that share identical timestamps because it only looks at arrival order.
func PrimaryUniqueID(events []event.Record) string {
	for _, e := range events {
		if e.Type == event.TypeStart {
			return e.EffectiveUniqueID()
		}
	}
	for _, e := range events {
		if e.Type == event.TypeDial {
			return e.EffectiveUniqueID()
		}
	}
	if len(events) > 0 {
		return events[0].EffectiveUniqueID()
	}
	return ""
}

// primaryPhone returns the external phone number recorded at start time for
// the primary leg, used to correlate bridge sub-events whose unique id
// differs (transfers, consultations).
func primaryPhone(events []event.Record, primaryID string) string {
	for _, e := range events {
		if e.Type != event.TypeStart || e.EffectiveUniqueID() != primaryID {
			continue
		}
		if p := e.Phone(); p != "" {
			return p
		}
		if p := e.CallerIDNum(); p != "" {
			return p
		}
	}
	return ""
}

// sameNumber matches a bridge party against the call's external number,
// accepting the PBX's stripped form on either side.
func sameNumber(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	return strings.TrimPrefix(a, strippedNumberMarker) == strings.TrimPrefix(b, strippedNumberMarker)
}

// bridgeCarriesNumber reports whether either party of a bridge event is the
// given number.
func bridgeCarriesNumber(e event.Record, number string) bool {
	if number == "" {
		return false
	}
	return sameNumber(e.CallerIDNum(), number) || sameNumber(e.ConnectedLineNum(), number)
}

func isBridgeKind(t event.Type) bool {
	switch t {
	case event.TypeBridge, event.TypeBridgeCreate, event.TypeBridgeLeave, event.TypeBridgeDestroy:
		return true
	}
	return false
}

// belongsToPrimary decides whether an event is part of the primary call: its
// own unique id matches, or it is a bridge sub-event carrying the primary
// call's external number as either party.
func belongsToPrimary(e event.Record, primaryID, phone string) bool {
	if primaryID != "" && e.EffectiveUniqueID() == primaryID {
		return true
	}
	if isBridgeKind(e.Type) {
		return bridgeCarriesNumber(e, phone)
	}
	return false
}
