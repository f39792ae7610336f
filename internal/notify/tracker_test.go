package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"callrelay/internal/event"
)

func testTracker() *Tracker {
	return NewTracker(NewMemoryStore(), 2*time.Minute, nil)
}

func TestGroupingKey(t *testing.T) {
	if got := GroupingKey("79991112233", "101", "202"); got != "79991112233" {
		t.Fatalf("external number must win, got %q", got)
	}
	a := GroupingKey("", "202", "101")
	b := GroupingKey("", "101", "202")
	if a != b || a != "101:202" {
		t.Fatalf("internal pair must sort: %q vs %q", a, b)
	}
}

func TestDecide_FirstNotificationStandsAlone(t *testing.T) {
	tr := testTracker()
	d, err := tr.Decide(context.Background(), "79991112233", "chat-1", event.TypeStart)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionSend {
		t.Fatalf("expected standalone send, got %v", d.Action)
	}
}

func TestDecide_BridgeReplacesAnnounce(t *testing.T) {
	tr := testTracker()
	ctx := context.Background()
	if err := tr.RecordSent(ctx, "key", "chat-1", event.TypeDial, "m1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	d, err := tr.Decide(ctx, "key", "chat-1", event.TypeBridge)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionReplace {
		t.Fatalf("bridge must replace dial, got %v", d.Action)
	}
	if d.Previous.MessageID != "m1" {
		t.Fatalf("decision must carry the superseded message, got %q", d.Previous.MessageID)
	}
}

func TestDecide_HangupThreadsToAnnounce(t *testing.T) {
	tr := testTracker()
	ctx := context.Background()
	if err := tr.RecordSent(ctx, "key", "chat-1", event.TypeStart, "m1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	d, err := tr.Decide(ctx, "key", "chat-1", event.TypeHangup)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionThread {
		t.Fatalf("hangup must thread to the announce, got %v", d.Action)
	}
}

func TestDecide_HangupReplacesBridge(t *testing.T) {
	tr := testTracker()
	ctx := context.Background()
	if err := tr.RecordSent(ctx, "key", "chat-1", event.TypeBridge, "m2"); err != nil {
		t.Fatalf("record: %v", err)
	}
	d, err := tr.Decide(ctx, "key", "chat-1", event.TypeHangup)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionReplace {
		t.Fatalf("hangup must replace the in-progress message, got %v", d.Action)
	}
}

func TestDecide_ReplaceAndThreadMutuallyExclusive(t *testing.T) {
	tr := testTracker()
	ctx := context.Background()
	stages := []event.Type{event.TypeStart, event.TypeDial, event.TypeBridge, event.TypeHangup}
	for _, prev := range stages {
		if err := tr.RecordSent(ctx, "key", "chat-1", prev, "m"); err != nil {
			t.Fatalf("record: %v", err)
		}
		for _, next := range stages {
			repl, err := tr.ShouldReplacePrevious(ctx, "key", "chat-1", next)
			if err != nil {
				t.Fatalf("replace: %v", err)
			}
			cmt, err := tr.ShouldSendAsComment(ctx, "key", "chat-1", next)
			if err != nil {
				t.Fatalf("comment: %v", err)
			}
			if repl && cmt {
				t.Fatalf("replace and thread both true for %s -> %s", prev, next)
			}
		}
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	tr := testTracker()
	ctx := context.Background()
	if err := tr.RecordSent(ctx, "key", "chat-1", event.TypeBridge, "m1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	d, err := tr.Decide(ctx, "key", "chat-2", event.TypeHangup)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if d.Action != ActionSend {
		t.Fatalf("second channel must have independent state, got %v", d.Action)
	}
}

func bridgeEvent(bridgeID, caller, connected string, extInit bool) event.Record {
	fields := map[string]string{
		event.FieldCallerIDNum:      caller,
		event.FieldConnectedLineNum: connected,
	}
	if extInit {
		fields[event.FieldExternalInitiated] = "true"
	}
	return event.Record{Type: event.TypeBridge, UniqueID: "c1", BridgeUniqueID: bridgeID, Token: "tok", Fields: fields}
}

func TestShouldAnnounceBridge_Dedup(t *testing.T) {
	tr := testTracker()
	ctx := context.Background()
	rec := bridgeEvent("b1", "79991112233", "101", false)

	ok, reason, err := tr.ShouldAnnounceBridge(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("first announce should pass, got ok=%v reason=%s err=%v", ok, reason, err)
	}
	ok, reason, err = tr.ShouldAnnounceBridge(ctx, rec)
	if err != nil {
		t.Fatalf("second announce: %v", err)
	}
	if ok || reason != SuppressDuplicate {
		t.Fatalf("second announce within window must be suppressed, got ok=%v reason=%s", ok, reason)
	}
}

func TestShouldAnnounceBridge_AtMostOnceUnderConcurrency(t *testing.T) {
	tr := testTracker()
	rec := bridgeEvent("b-race", "79991112233", "101", false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	announced := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := tr.ShouldAnnounceBridge(context.Background(), rec)
			if err != nil {
				t.Errorf("announce: %v", err)
				return
			}
			if ok {
				mu.Lock()
				announced++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if announced != 1 {
		t.Fatalf("expected exactly one announce per bridge id, got %d", announced)
	}
}

func TestShouldAnnounceBridge_WindowExpires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	tr := NewTracker(store, time.Minute, nil)
	ctx := context.Background()
	rec := bridgeEvent("b1", "79991112233", "101", false)

	if ok, _, _ := tr.ShouldAnnounceBridge(ctx, rec); !ok {
		t.Fatal("first announce should pass")
	}
	now = now.Add(2 * time.Minute)
	if ok, _, _ := tr.ShouldAnnounceBridge(ctx, rec); !ok {
		t.Fatal("announce after window should pass again")
	}
}

func TestMemoryStore_ExpiredClaimsAreDropped(t *testing.T) {
	now := time.Unix(1700000000, 0)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for _, id := range []string{"b1", "b2", "b3"} {
		if ok, err := store.ClaimBridge(ctx, id, time.Minute); !ok || err != nil {
			t.Fatalf("claim %s: ok=%v err=%v", id, ok, err)
		}
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := store.ClaimBridge(ctx, "b4", time.Minute); !ok {
		t.Fatal("fresh claim should pass")
	}

	store.mu.Lock()
	left := len(store.bridges)
	store.mu.Unlock()
	if left != 1 {
		t.Fatalf("expired claims must be dropped, %d left", left)
	}
}

func TestShouldAnnounceBridge_Placeholder(t *testing.T) {
	tr := testTracker()
	ok, reason, err := tr.ShouldAnnounceBridge(context.Background(), bridgeEvent("b1", "unknown", "101", false))
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if ok || reason != SuppressPlaceholder {
		t.Fatalf("placeholder party must suppress, got ok=%v reason=%s", ok, reason)
	}
}

func TestShouldAnnounceBridge_TransitionalLeg(t *testing.T) {
	tr := testTracker()
	// Internal leg briefly bridged toward the external trunk before the real
	// two-party bridge forms.
	rec := bridgeEvent("b1", "101", "79991112233", true)
	ok, reason, err := tr.ShouldAnnounceBridge(context.Background(), rec)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if ok || reason != SuppressTransitional {
		t.Fatalf("transitional bridge must suppress, got ok=%v reason=%s", ok, reason)
	}
}

func TestPendingBridgeAndPurge(t *testing.T) {
	tr := testTracker()
	ctx := context.Background()
	if err := tr.RecordSent(ctx, "key", "chat-1", event.TypeBridge, "m9"); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec, ok, err := tr.PendingBridge(ctx, "key", "chat-1")
	if err != nil || !ok {
		t.Fatalf("expected pending bridge, got ok=%v err=%v", ok, err)
	}
	if rec.MessageID != "m9" {
		t.Fatalf("wrong pending message: %q", rec.MessageID)
	}

	if err := tr.Purge(ctx, "key", "chat-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, ok, _ := tr.PendingBridge(ctx, "key", "chat-1"); ok {
		t.Fatal("purged state must be gone")
	}
}
