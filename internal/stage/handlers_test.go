package stage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"callrelay/internal/dispatch"
	"callrelay/internal/event"
	"callrelay/internal/eventcache"
	"callrelay/internal/notify"
	"callrelay/internal/scheduler"
	"callrelay/internal/tenant"
)

type sentMessage struct {
	Channel string
	Text    string
	ReplyTo string
	ID      string
}

type fakeMessenger struct {
	mu      sync.Mutex
	next    int
	sends   []sentMessage
	deletes []string
}

func (m *fakeMessenger) Send(ctx context.Context, channel, text, replyTo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("m%d", m.next)
	m.sends = append(m.sends, sentMessage{Channel: channel, Text: text, ReplyTo: replyTo, ID: id})
	return id, nil
}

func (m *fakeMessenger) Delete(ctx context.Context, channel, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, messageID)
	return nil
}

type recordSink struct {
	mu   sync.Mutex
	seen []event.Type
}

func (s *recordSink) Dispatch(ctx context.Context, token, uniqueID string, t event.Type, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, t)
	return nil
}

type pipeline struct {
	h    *Handlers
	msg  *fakeMessenger
	sink *recordSink
	pool *dispatch.Pool
}

func newPipeline(t *testing.T, channels ...string) *pipeline {
	t.Helper()
	cache := eventcache.New(eventcache.NewMemoryStore(), eventcache.Options{})
	sched := scheduler.New(cache, scheduler.Options{DebounceDelay: 10 * time.Millisecond})

	resolver := tenant.NewMemoryResolver()
	resolver.Register("tok", tenant.Enterprise{ID: "e1", Name: "Acme", Channels: channels})

	msg := &fakeMessenger{}
	sink := &recordSink{}
	pool := dispatch.NewPool(sink, dispatch.PoolOptions{Workers: 1, QueueSize: 16})

	h := NewHandlers(Options{
		Cache:     cache,
		Scheduler: sched,
		Tracker:   notify.NewTracker(notify.NewMemoryStore(), time.Minute, nil),
		Tenants:   resolver,
		Messenger: msg,
		CRM:       pool,
	})
	return &pipeline{h: h, msg: msg, sink: sink, pool: pool}
}

func startEvent(id, phone string) event.Record {
	return event.Record{
		Type: event.TypeStart, UniqueID: id, Token: "tok",
		Fields: map[string]string{
			event.FieldCallType: "0",
			event.FieldPhone:    phone,
			event.FieldTrunk:    "trunk-1",
		},
	}
}

func bridgeFor(id, bridgeID, external, ext string) event.Record {
	return event.Record{
		Type: event.TypeBridge, UniqueID: id, BridgeUniqueID: bridgeID, Token: "tok",
		Fields: map[string]string{
			event.FieldCallerIDNum:      external,
			event.FieldConnectedLineNum: ext,
		},
	}
}

func hangupFor(id, phone, status string) event.Record {
	return event.Record{
		Type: event.TypeHangup, UniqueID: id, Token: "tok",
		Fields: map[string]string{
			event.FieldPhone:      phone,
			event.FieldCallStatus: status,
		},
	}
}

func TestHandleEvent_StartNotifiesAndDispatches(t *testing.T) {
	p := newPipeline(t, "chat-1")
	ctx := context.Background()

	if err := p.h.HandleEvent(ctx, startEvent("c1", "79991112233")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	p.pool.Stop()

	if len(p.msg.sends) != 1 {
		t.Fatalf("expected one notification, got %d", len(p.msg.sends))
	}
	if got := p.msg.sends[0]; got.Channel != "chat-1" || got.ReplyTo != "" {
		t.Fatalf("unexpected send: %+v", got)
	}
	if len(p.sink.seen) != 1 || p.sink.seen[0] != event.TypeStart {
		t.Fatalf("raw event must reach the dispatcher, got %v", p.sink.seen)
	}
}

func TestHandleEvent_BridgeReplacesAnnounce(t *testing.T) {
	p := newPipeline(t, "chat-1")
	ctx := context.Background()

	if err := p.h.HandleEvent(ctx, startEvent("c1", "79991112233")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.h.HandleEvent(ctx, bridgeFor("c1", "b1", "79991112233", "101")); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	if len(p.msg.deletes) != 1 || p.msg.deletes[0] != "m1" {
		t.Fatalf("bridge must delete the ringing announce, deletes=%v", p.msg.deletes)
	}
	if len(p.msg.sends) != 2 || p.msg.sends[1].ReplyTo != "" {
		t.Fatalf("bridge notification must stand alone, sends=%+v", p.msg.sends)
	}
}

func TestHandleEvent_HangupThreadsToAnnounce(t *testing.T) {
	p := newPipeline(t, "chat-1")
	ctx := context.Background()

	if err := p.h.HandleEvent(ctx, startEvent("c1", "79991112233")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.h.HandleEvent(ctx, hangupFor("c1", "79991112233", "no answer")); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	if len(p.msg.sends) != 2 {
		t.Fatalf("expected announce plus outcome, got %d sends", len(p.msg.sends))
	}
	if p.msg.sends[1].ReplyTo != "m1" {
		t.Fatalf("outcome must thread to the announce, got reply_to=%q", p.msg.sends[1].ReplyTo)
	}

	// The call is purged; a fresh call for the same number starts clean.
	if err := p.h.HandleEvent(ctx, startEvent("c2", "79991112233")); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if got := p.msg.sends[2]; got.ReplyTo != "" {
		t.Fatalf("new call must not thread to the finished one: %+v", got)
	}
}

func TestHandleEvent_HangupDeletesPendingBridge(t *testing.T) {
	p := newPipeline(t, "chat-1")
	ctx := context.Background()

	for _, rec := range []event.Record{
		startEvent("c1", "79991112233"),
		bridgeFor("c1", "b1", "79991112233", "101"),
		hangupFor("c1", "79991112233", "answered"),
	} {
		if err := p.h.HandleEvent(ctx, rec); err != nil {
			t.Fatalf("handle %s: %v", rec.Type, err)
		}
	}

	// m1 (announce, replaced by bridge) and m2 (bridge, removed at hangup).
	if len(p.msg.deletes) != 2 || p.msg.deletes[1] != "m2" {
		t.Fatalf("hangup must remove the in-progress message, deletes=%v", p.msg.deletes)
	}
	last := p.msg.sends[len(p.msg.sends)-1]
	if last.ReplyTo != "" {
		t.Fatalf("outcome after a bridge stands alone, got reply_to=%q", last.ReplyTo)
	}
}

func TestHandleEvent_DuplicateBridgeSuppressed(t *testing.T) {
	p := newPipeline(t, "chat-1")
	ctx := context.Background()

	if err := p.h.HandleEvent(ctx, startEvent("c1", "79991112233")); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := p.h.HandleEvent(ctx, bridgeFor("c1", "b1", "79991112233", "101")); err != nil {
			t.Fatalf("bridge %d: %v", i, err)
		}
	}

	bridgeSends := 0
	for _, s := range p.msg.sends {
		if s.ID != "m1" {
			bridgeSends++
		}
	}
	if bridgeSends != 1 {
		t.Fatalf("the same bridge id must announce once, got %d", bridgeSends)
	}
}

func TestHandleEvent_UnknownTenantStillDispatches(t *testing.T) {
	p := newPipeline(t, "chat-1")
	ctx := context.Background()

	rec := startEvent("c1", "79991112233")
	rec.Token = "nobody"
	if err := p.h.HandleEvent(ctx, rec); err != nil {
		t.Fatalf("handle: %v", err)
	}
	p.pool.Stop()

	if len(p.msg.sends) != 0 {
		t.Fatalf("unknown tenant must not notify, sends=%+v", p.msg.sends)
	}
	if len(p.sink.seen) != 1 {
		t.Fatalf("unknown tenant events still reach the dispatcher, got %v", p.sink.seen)
	}
}

func TestHandleEvent_InternalCallGroupsByExtensions(t *testing.T) {
	p := newPipeline(t, "chat-1")
	ctx := context.Background()

	// Internal call where each leg fills different caller-id fields but both
	// list the same dialed extensions; the pair must group them together.
	start := event.Record{
		Type: event.TypeStart, UniqueID: "c1", Token: "tok",
		Extensions: []string{"202", "101"},
		Fields:     map[string]string{event.FieldCallerIDNum: "202"},
	}
	hangup := event.Record{
		Type: event.TypeHangup, UniqueID: "c1", Token: "tok",
		Extensions: []string{"101", "202"},
		Fields:     map[string]string{event.FieldConnectedLineNum: "101"},
	}

	if err := p.h.HandleEvent(ctx, start); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.h.HandleEvent(ctx, hangup); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	if len(p.msg.sends) != 2 {
		t.Fatalf("expected announce plus outcome, got %d sends", len(p.msg.sends))
	}
	if p.msg.sends[1].ReplyTo != "m1" {
		t.Fatalf("outcome must thread to the announce of the same extension pair, got reply_to=%q", p.msg.sends[1].ReplyTo)
	}
}

type durationObserver struct {
	mu        sync.Mutex
	processed []time.Duration
}

func (o *durationObserver) EventAccepted(event.Type)                     {}
func (o *durationObserver) NotificationSent(event.Type)                  {}
func (o *durationObserver) NotificationSuppressed(notify.SuppressReason) {}

func (o *durationObserver) EventProcessed(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.processed = append(o.processed, d)
}

func TestHandleEvent_ReportsProcessingDuration(t *testing.T) {
	p := newPipeline(t, "chat-1")
	obs := &durationObserver{}
	p.h.obs = obs
	ctx := context.Background()

	if err := p.h.HandleEvent(ctx, startEvent("c1", "79991112233")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(obs.processed) != 1 {
		t.Fatalf("every handled event reports its duration, got %d", len(obs.processed))
	}
	if obs.processed[0] < 0 {
		t.Fatalf("negative duration: %v", obs.processed[0])
	}
}

func TestHandleEvent_ChannelsIndependent(t *testing.T) {
	p := newPipeline(t, "chat-1", "chat-2")
	ctx := context.Background()

	if err := p.h.HandleEvent(ctx, startEvent("c1", "79991112233")); err != nil {
		t.Fatalf("start: %v", err)
	}
	byChannel := map[string]int{}
	for _, s := range p.msg.sends {
		byChannel[s.Channel]++
	}
	if byChannel["chat-1"] != 1 || byChannel["chat-2"] != 1 {
		t.Fatalf("every channel gets its own notification, got %v", byChannel)
	}
}
