package callflow

import (
	"testing"

	"callrelay/internal/event"
)

func mkEvent(t event.Type, id string, fields map[string]string) event.Record {
	return event.Record{Type: t, UniqueID: id, Token: "tok", Fields: fields}
}

func mkBridge(id, bridgeID, caller, connected string) event.Record {
	e := mkEvent(event.TypeBridge, id, map[string]string{
		event.FieldCallerIDNum:      caller,
		event.FieldConnectedLineNum: connected,
	})
	e.BridgeUniqueID = bridgeID
	return e
}

func TestClassify_EmptyInput(t *testing.T) {
	if got := Classify(nil, DefaultThresholds()); got != ComplexityEmpty {
		t.Fatalf("expected EMPTY, got %s", got)
	}
}

func TestClassify_SimpleIncomingCall(t *testing.T) {
	events := []event.Record{
		mkEvent(event.TypeStart, "c1", map[string]string{event.FieldCallType: "0", event.FieldPhone: "79991112233"}),
		mkEvent(event.TypeDial, "c1", nil),
		mkBridge("c1", "b1", "79991112233", "101"),
		mkEvent(event.TypeHangup, "c1", nil),
	}
	if got := Classify(events, DefaultThresholds()); got != ComplexitySimple {
		t.Fatalf("expected SIMPLE, got %s", got)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	events := []event.Record{
		mkEvent(event.TypeStart, "c1", map[string]string{event.FieldCallType: "0"}),
		mkEvent(event.TypeHangup, "c1", nil),
	}
	first := Classify(events, DefaultThresholds())
	second := Classify(events, DefaultThresholds())
	if first != second {
		t.Fatalf("classification not deterministic: %s vs %s", first, second)
	}
}

func TestClassify_MultipleTransfer_BridgeVolume(t *testing.T) {
	events := []event.Record{
		mkEvent(event.TypeStart, "c1", map[string]string{event.FieldPhone: "79991112233"}),
	}
	for i := 0; i < 6; i++ {
		events = append(events, mkBridge("c1", "b1", "79991112233", "101"))
	}
	events = append(events, mkEvent(event.TypeHangup, "c1", nil))
	if got := Classify(events, DefaultThresholds()); got != ComplexityMultipleTransfer {
		t.Fatalf("expected MULTIPLE_TRANSFER, got %s", got)
	}
}

func TestClassify_ComplexTransfer_BridgeCreates(t *testing.T) {
	events := []event.Record{
		mkEvent(event.TypeStart, "c1", nil),
	}
	for i := 0; i < 3; i++ {
		events = append(events, mkEvent(event.TypeBridgeCreate, "c1", nil))
	}
	if got := Classify(events, DefaultThresholds()); got != ComplexityComplexTransfer {
		t.Fatalf("expected COMPLEX_TRANSFER, got %s", got)
	}
}

func TestClassify_FollowMe_RedirectLeg(t *testing.T) {
	events := []event.Record{
		mkEvent(event.TypeStart, "c1", map[string]string{
			event.FieldCallType: "0",
			event.FieldTrunk:    "trunk-7",
			event.FieldPhone:    "79991112233",
		}),
		mkEvent(event.TypeStart, "c2", map[string]string{
			event.FieldCallType: "1",
			event.FieldPhone:    "79995556677",
		}),
	}
	if got := Classify(events, DefaultThresholds()); got != ComplexityFollowMe {
		t.Fatalf("expected FOLLOWME, got %s", got)
	}
}

func TestClassify_FollowMe_EventVolume(t *testing.T) {
	var events []event.Record
	events = append(events, mkEvent(event.TypeStart, "c1", nil))
	for i := 0; i < 40; i++ {
		events = append(events, mkEvent(event.TypeNewCallerID, "c1", nil))
	}
	if got := Classify(events, DefaultThresholds()); got != ComplexityFollowMe {
		t.Fatalf("expected FOLLOWME on volume, got %s", got)
	}
}

func TestClassify_BusyManager_TwoStartsInWindow(t *testing.T) {
	events := []event.Record{
		mkEvent(event.TypeStart, "c1", map[string]string{event.FieldCallType: "2"}),
		mkEvent(event.TypeDial, "c1", nil),
		mkEvent(event.TypeStart, "c2", map[string]string{event.FieldCallType: "2"}),
		mkEvent(event.TypeHangup, "c2", nil),
	}
	if got := Classify(events, DefaultThresholds()); got != ComplexityBusyManager {
		t.Fatalf("expected BUSY_MANAGER, got %s", got)
	}
}

func TestClassify_BusyManager_ActiveBridgeBeforeExternalStart(t *testing.T) {
	events := []event.Record{
		mkBridge("int1", "b-int", "101", "102"),
		mkEvent(event.TypeStart, "ext1", map[string]string{
			event.FieldCallType: "0",
			event.FieldTrunk:    "trunk-1",
			event.FieldPhone:    "79991112233",
		}),
		mkEvent(event.TypeDial, "ext1", nil),
		mkEvent(event.TypeHangup, "ext1", nil),
	}
	if got := Classify(events, DefaultThresholds()); got != ComplexityBusyManager {
		t.Fatalf("expected BUSY_MANAGER, got %s", got)
	}
}

func TestClassify_ThresholdsAreTunable(t *testing.T) {
	th := Thresholds{MultipleTransferBridges: 1}
	events := []event.Record{
		mkEvent(event.TypeStart, "c1", nil),
		mkBridge("c1", "b1", "", ""),
		mkBridge("c1", "b1", "", ""),
	}
	if got := Classify(events, th); got != ComplexityMultipleTransfer {
		t.Fatalf("expected MULTIPLE_TRANSFER with lowered threshold, got %s", got)
	}
	if got := Classify(events, DefaultThresholds()); got != ComplexitySimple {
		t.Fatalf("expected SIMPLE with default threshold, got %s", got)
	}
}

func TestPrimaryUniqueID_Preference(t *testing.T) {
	events := []event.Record{
		mkEvent(event.TypeBridge, "b-leg", nil),
		mkEvent(event.TypeDial, "d-leg", nil),
		mkEvent(event.TypeStart, "s-leg", nil),
	}
	if got := PrimaryUniqueID(events); got != "s-leg" {
		t.Fatalf("expected start leg to anchor the call, got %q", got)
	}

	noStart := events[:2]
	if got := PrimaryUniqueID(noStart); got != "d-leg" {
		t.Fatalf("expected dial leg fallback, got %q", got)
	}

	onlyBridge := events[:1]
	if got := PrimaryUniqueID(onlyBridge); got != "b-leg" {
		t.Fatalf("expected first-event fallback, got %q", got)
	}
}

func TestPrimaryUniqueID_StableUnderEqualTimestampReorder(t *testing.T) {
	// Reordering events that share a timestamp must not move the anchor as
	// long as the start event keeps its relative position among starts.
	a := []event.Record{
		mkEvent(event.TypeStart, "s1", nil),
		mkEvent(event.TypeBridge, "x", nil),
		mkEvent(event.TypeDial, "d1", nil),
	}
	b := []event.Record{
		mkEvent(event.TypeStart, "s1", nil),
		mkEvent(event.TypeDial, "d1", nil),
		mkEvent(event.TypeBridge, "x", nil),
	}
	if PrimaryUniqueID(a) != PrimaryUniqueID(b) {
		t.Fatalf("primary id changed under reorder: %q vs %q", PrimaryUniqueID(a), PrimaryUniqueID(b))
	}
}

func TestPrimaryUniqueID_SynthesizedFromBridgeID(t *testing.T) {
	e := event.Record{Type: event.TypeBridgeLeave, BridgeUniqueID: "br-9", Token: "tok"}
	if got := PrimaryUniqueID([]event.Record{e}); got != "bridge-br-9" {
		t.Fatalf("expected synthesized id, got %q", got)
	}
}
