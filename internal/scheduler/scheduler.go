package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callrelay/internal/callflow"
	"callrelay/internal/event"
)

// Recomputer is the slice of the event cache the scheduler drives.
type Recomputer interface {
	Recompute(ctx context.Context, callID string) (callflow.Result, error)
}

// Observer receives scheduling signals. Implemented by the metrics package;
// nil is valid.
type Observer interface {
	Scheduled(path string)
	QueueDepth(n int)
}

// Health is the scheduler's self-report for the monitoring API.
type Health struct {
	Status     string `json:"status"`
	Pending    int    `json:"pending_count"`
	Processing int    `json:"processing_count"`
	Queued     int    `json:"queued_count"`
}

// Scheduler decides, per incoming event, whether to refresh a call's derived
// results immediately, after a short debounce, or via the background batch
// queue.
//
// Rules:
// - hangup events refresh synchronously; the final state must be derivable
//   the moment the call ends.
// - calls already known to be FOLLOWME or MULTIPLE_TRANSFER go to the batch
//   queue; their event volume makes per-event recomputation wasteful.
// - everything else is debounced, coalescing a burst of events into one
//   recomputation.
//
// A call id is never processed by two paths at once; the processing marker
// is released on every exit path.
type Scheduler struct {
	cache Recomputer

	debounce      time.Duration
	batchInterval time.Duration
	batchSize     int
	maxQueue      int
	processTO     time.Duration
	stateTTL      time.Duration

	log *slog.Logger
	obs Observer

	mu         sync.Mutex
	pending    map[string]*time.Timer
	processing map[string]bool
	queued     map[string]bool
	queue      []string
	complexity map[string]complexityEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// complexityEntry remembers a call's last known complexity. seen lets the
// batch worker drop entries for calls that went quiet without a hangup.
type complexityEntry struct {
	cx   callflow.Complexity
	seen time.Time
}

type Options struct {
	DebounceDelay  time.Duration
	BatchInterval  time.Duration
	BatchSize      int
	ProcessTimeout time.Duration

	// StateTTL bounds how long the scheduler remembers a call's complexity
	// when no hangup arrives; it should match the cache's active-call TTL.
	StateTTL time.Duration

	Logger   *slog.Logger
	Observer Observer
}

func New(cache Recomputer, opts Options) *Scheduler {
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = 2 * time.Second
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 10 * time.Second
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 4 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		cache:         cache,
		debounce:      opts.DebounceDelay,
		batchInterval: opts.BatchInterval,
		batchSize:     opts.BatchSize,
		maxQueue:      opts.BatchSize * 4,
		processTO:     opts.ProcessTimeout,
		stateTTL:      opts.StateTTL,
		log:           opts.Logger,
		obs:           opts.Observer,
		pending:       make(map[string]*time.Timer),
		processing:    make(map[string]bool),
		queued:        make(map[string]bool),
		complexity:    make(map[string]complexityEntry),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the background batch worker. Call Stop to shut it down.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the batch worker and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// HandleEvent routes one freshly cached event onto a processing path.
func (s *Scheduler) HandleEvent(ctx context.Context, callID string, t event.Type) error {
	if t == event.TypeHangup {
		s.cancelPending(callID)
		s.observe("immediate")
		err := s.process(ctx, callID)
		// The call is over; its complexity no longer routes anything.
		s.Forget(callID)
		return err
	}

	s.mu.Lock()
	cx := s.complexity[callID].cx
	s.mu.Unlock()

	if cx == callflow.ComplexityFollowMe || cx == callflow.ComplexityMultipleTransfer {
		if s.enqueue(callID) {
			s.observe("batched")
			return nil
		}
		// Queue saturated; fall through to the debounced path.
	}

	s.schedule(callID)
	s.observe("debounced")
	return nil
}

// schedule arms a debounce timer for the call unless one is already armed;
// a burst of events within the window collapses into one recomputation.
func (s *Scheduler) schedule(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, armed := s.pending[callID]; armed {
		return
	}
	s.pending[callID] = time.AfterFunc(s.debounce, func() { s.fire(callID) })
}

// fire runs a debounced recomputation. It is a no-op when the call left the
// pending set in the meantime (a hangup was processed first, or the call
// expired).
func (s *Scheduler) fire(callID string) {
	s.mu.Lock()
	_, stillPending := s.pending[callID]
	delete(s.pending, callID)
	s.mu.Unlock()
	if !stillPending {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.processTO)
	defer cancel()
	if err := s.process(ctx, callID); err != nil {
		s.log.Warn("debounced recompute failed", "call_id", callID, "err", err)
	}
}

func (s *Scheduler) cancelPending(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[callID]; ok {
		t.Stop()
		delete(s.pending, callID)
	}
}

func (s *Scheduler) enqueue(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued[callID] {
		return true
	}
	if len(s.queue) >= s.maxQueue {
		s.log.Warn("batch queue saturated", "call_id", callID, "depth", len(s.queue))
		return false
	}
	s.queued[callID] = true
	s.queue = append(s.queue, callID)
	if s.obs != nil {
		s.obs.QueueDepth(len(s.queue))
	}
	return true
}

// process recomputes one call's derived results, guarded so that two paths
// never work on the same call simultaneously.
func (s *Scheduler) process(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.processing[callID] {
		s.mu.Unlock()
		return nil
	}
	s.processing[callID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.processing, callID)
		s.mu.Unlock()
	}()

	res, err := s.cache.Recompute(ctx, callID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.complexity[callID] = complexityEntry{cx: res.Complexity, seen: time.Now()}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.drain()
			s.sweep()
		}
	}
}

// sweep drops complexity entries for calls that stopped producing events
// without a hangup, keeping the routing state bounded by live traffic.
func (s *Scheduler) sweep() {
	cutoff := time.Now().Add(-s.stateTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.complexity {
		if e.seen.Before(cutoff) {
			delete(s.complexity, id)
		}
	}
}

// drain processes up to one batch of queued calls.
func (s *Scheduler) drain() {
	s.mu.Lock()
	n := s.batchSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := append([]string(nil), s.queue[:n]...)
	s.queue = s.queue[n:]
	for _, id := range batch {
		delete(s.queued, id)
	}
	if s.obs != nil {
		s.obs.QueueDepth(len(s.queue))
	}
	s.mu.Unlock()

	for _, callID := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), s.processTO)
		if err := s.process(ctx, callID); err != nil {
			s.log.Warn("batched recompute failed", "call_id", callID, "err", err)
		}
		cancel()
	}
}

// Forget drops the scheduler's memory of a call: after a hangup, or when a
// call's cached data expired.
func (s *Scheduler) Forget(callID string) {
	s.cancelPending(callID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.complexity, callID)
}

// Health reports current scheduler occupancy.
func (s *Scheduler) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Status:     "ok",
		Pending:    len(s.pending),
		Processing: len(s.processing),
		Queued:     len(s.queue),
	}
}

func (s *Scheduler) observe(path string) {
	if s.obs != nil {
		s.obs.Scheduled(path)
	}
}
