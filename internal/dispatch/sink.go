package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callrelay/internal/event"
)

// Sink forwards one accepted event to a downstream consumer (CRM, audit).
// Delivery is best-effort: implementations bound their own I/O with the
// caller's context and report failure through the error, which callers log
// rather than propagate.
type Sink interface {
	Dispatch(ctx context.Context, token, uniqueID string, eventType event.Type, payload []byte) error
}

// Pool runs sink deliveries on a bounded set of workers so stage handlers
// never block on consumer I/O. Errors are logged, not propagated; the
// engine's lifecycle stays deterministic via Start/Stop.
type Pool struct {
	sink    Sink
	timeout time.Duration
	log     *slog.Logger

	jobs     chan job
	wg       sync.WaitGroup
	stopOnce sync.Once

	onFailure func()
}

type job struct {
	token     string
	uniqueID  string
	eventType event.Type
	payload   []byte
}

type PoolOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger

	// OnFailure is an optional hook for metrics.
	OnFailure func()
}

func NewPool(sink Sink, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Pool{
		sink:      sink,
		timeout:   opts.Timeout,
		log:       opts.Logger,
		jobs:      make(chan job, opts.QueueSize),
		onFailure: opts.OnFailure,
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a delivery. A saturated queue drops the job with a log
// line; dispatch is fire-and-forget by contract.
func (p *Pool) Submit(token, uniqueID string, eventType event.Type, payload []byte) {
	select {
	case p.jobs <- job{token: token, uniqueID: uniqueID, eventType: eventType, payload: payload}:
	default:
		p.log.Warn("dispatch queue saturated, dropping", "unique_id", uniqueID, "event_type", eventType)
		if p.onFailure != nil {
			p.onFailure()
		}
	}
}

// Stop drains submitted jobs and waits for workers to exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.sink.Dispatch(ctx, j.token, j.uniqueID, j.eventType, j.payload); err != nil {
			p.log.Warn("dispatch failed", "unique_id", j.uniqueID, "event_type", j.eventType, "err", err)
			if p.onFailure != nil {
				p.onFailure()
			}
		}
		cancel()
	}
}
