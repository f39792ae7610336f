package stage

import (
	"strings"

	"callrelay/internal/event"
)

// renderText builds the human-facing notification line for one stage.
func renderText(rec event.Record) string {
	caller := displayNumber(rec.CallerIDNum())
	connected := displayNumber(rec.ConnectedLineNum())
	if caller == "" {
		caller = displayNumber(rec.Phone())
	}

	switch rec.Type {
	case event.TypeStart:
		if rec.Direction() == event.CallOutgoing {
			return "Outgoing call to " + partyOr(connected, "unknown number")
		}
		return "Incoming call from " + partyOr(caller, "unknown number")
	case event.TypeDial:
		return "Ringing " + partyOr(connected, "extension")
	case event.TypeBridge:
		return "Call in progress: " + partyOr(caller, "?") + " with " + partyOr(connected, "?")
	case event.TypeHangup:
		return hangupText(rec)
	default:
		return string(rec.Type)
	}
}

func hangupText(rec event.Record) string {
	party := displayNumber(rec.CallerIDNum())
	if party == "" {
		party = displayNumber(rec.Phone())
	}
	switch strings.ToLower(rec.CallStatus()) {
	case "answered":
		return "Call with " + partyOr(party, "unknown number") + " ended"
	case "no answer", "noanswer":
		return "Missed call from " + partyOr(party, "unknown number")
	case "busy":
		return "Busy: call from " + partyOr(party, "unknown number") + " not taken"
	default:
		return "Call with " + partyOr(party, "unknown number") + " finished"
	}
}

func displayNumber(n string) string {
	if event.IsPlaceholderNumber(n) {
		return ""
	}
	return strings.TrimPrefix(n, "+")
}

func partyOr(n, fallback string) string {
	if n == "" {
		return fallback
	}
	return n
}
