package callflow

import (
	"callrelay/internal/event"
)

// Complexity tags the topology of one logical call, derived purely from the
// ordered event sequence. The tag picks the filtering strategy.
type Complexity string

const (
	ComplexityEmpty            Complexity = "EMPTY"
	ComplexitySimple           Complexity = "SIMPLE"
	ComplexityBusyManager      Complexity = "BUSY_MANAGER"
	ComplexityMultipleTransfer Complexity = "MULTIPLE_TRANSFER"
	ComplexityComplexTransfer  Complexity = "COMPLEX_TRANSFER"
	ComplexityFollowMe         Complexity = "FOLLOWME"
)

// Thresholds are the classification tunables. Defaults are heuristics tuned
// against observed call-flow lengths: simple calls run 3-4 events, while
// forwarding cascades and busy-destination races stand out by event volume
// and relative ordering rather than explicit protocol state.
type Thresholds struct {
	FollowMeEventThreshold  int
	MultipleTransferBridges int
	ComplexTransferCreates  int
	BusyStartWindow         int
	EarlyBridgeWindow       int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FollowMeEventThreshold:  35,
		MultipleTransferBridges: 4,
		ComplexTransferCreates:  2,
		BusyStartWindow:         10,
		EarlyBridgeWindow:       5,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	out := t
	if out.FollowMeEventThreshold <= 0 {
		out.FollowMeEventThreshold = d.FollowMeEventThreshold
	}
	if out.MultipleTransferBridges <= 0 {
		out.MultipleTransferBridges = d.MultipleTransferBridges
	}
	if out.ComplexTransferCreates <= 0 {
		out.ComplexTransferCreates = d.ComplexTransferCreates
	}
	if out.BusyStartWindow <= 0 {
		out.BusyStartWindow = d.BusyStartWindow
	}
	if out.EarlyBridgeWindow <= 0 {
		out.EarlyBridgeWindow = d.EarlyBridgeWindow
	}
	return out
}

// Classify derives the complexity tag for one correlated event sequence.
//
// Pure: the result depends only on the ordered (event_type, fields) tuples,
// never on the wall clock. Rules are evaluated in precedence order; the
// first match wins.
func Classify(events []event.Record, th Thresholds) Complexity {
	if len(events) == 0 {
		return ComplexityEmpty
	}
	th = th.withDefaults()

	if isFollowMe(events, th) {
		return ComplexityFollowMe
	}
	if countType(events, event.TypeBridge) > th.MultipleTransferBridges {
		return ComplexityMultipleTransfer
	}
	if countType(events, event.TypeBridgeCreate) > th.ComplexTransferCreates {
		return ComplexityComplexTransfer
	}
	if isBusyManager(events, th) {
		return ComplexityBusyManager
	}
	return ComplexitySimple
}

// isFollowMe detects a cascading-forward call: either the sheer event volume
// of a forwarding chain, or an inbound trunk start paired with a separate
// outbound start (the redirect leg the PBX spawns on no-answer).
func isFollowMe(events []event.Record, th Thresholds) bool {
	if len(events) > th.FollowMeEventThreshold {
		return true
	}
	var inboundTrunk, outboundLeg bool
	var inboundID string
	for _, e := range events {
		if e.Type != event.TypeStart {
			continue
		}
		switch {
		case e.Direction() == event.CallIncoming && e.HasTrunk():
			inboundTrunk = true
			inboundID = e.EffectiveUniqueID()
		case e.Direction() == event.CallOutgoing:
			if !inboundTrunk || e.EffectiveUniqueID() != inboundID {
				outboundLeg = true
			}
		}
	}
	return inboundTrunk && outboundLeg
}

// isBusyManager detects a call arriving at an already-busy destination:
// more than one start in the leading window, or a bridge that was already up
// before the first trunk-carrying start appeared.
func isBusyManager(events []event.Record, th Thresholds) bool {
	window := th.BusyStartWindow
	if window > len(events) {
		window = len(events)
	}
	starts := 0
	for _, e := range events[:window] {
		if e.Type == event.TypeStart {
			starts++
		}
	}
	if starts > 1 {
		return true
	}

	earlyWindow := th.EarlyBridgeWindow
	if earlyWindow > len(events) {
		earlyWindow = len(events)
	}
	firstBridge := -1
	for i, e := range events[:earlyWindow] {
		if e.Type == event.TypeBridge {
			firstBridge = i
			break
		}
	}
	if firstBridge < 0 {
		return false
	}
	for i, e := range events {
		if e.Type == event.TypeStart && e.HasTrunk() {
			return firstBridge < i
		}
	}
	return false
}

func countType(events []event.Record, t event.Type) int {
	n := 0
	for _, e := range events {
		if e.Type == t {
			n++
		}
	}
	return n
}
