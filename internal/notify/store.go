package notify

import (
	"context"
	"sync"
	"time"

	"callrelay/internal/event"
)

// Record is the tracker's memory of the last notification delivered for one
// grouping key on one recipient channel. It is overwritten on every
// successful send and deleted when superseded or when the call ends.
type Record struct {
	GroupingKey string     `json:"grouping_key"`
	Channel     string     `json:"channel"`
	Stage       event.Type `json:"stage"`
	MessageID   string     `json:"message_id"`
	SentAt      time.Time  `json:"sent_at"`
}

// Store persists tracker state. State is always per (grouping key, channel):
// two recipients watching the same call never share message identity.
//
// ClaimBridge atomically claims the right to announce one bridge id within
// the dedup window; only the first claimant gets true.
type Store interface {
	Get(ctx context.Context, key, channel string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key, channel string) error
	ClaimBridge(ctx context.Context, bridgeID string, window time.Duration) (bool, error)
}

// MemoryStore is the in-process Store used in tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	bridges map[string]time.Time
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		bridges: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func recordKey(key, channel string) string { return channel + "|" + key }

func (s *MemoryStore) Get(ctx context.Context, key, channel string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordKey(key, channel)]
	return r, ok, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(rec.GroupingKey, rec.Channel)] = rec
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(key, channel))
	return nil
}

func (s *MemoryStore) ClaimBridge(ctx context.Context, bridgeID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	// Expired claims carry no dedup meaning anymore; drop them so the claim
	// set tracks the window, not bridge history.
	for id, at := range s.bridges {
		if now.Sub(at) >= window {
			delete(s.bridges, id)
		}
	}
	if _, ok := s.bridges[bridgeID]; ok {
		return false, nil
	}
	s.bridges[bridgeID] = now
	return true, nil
}
