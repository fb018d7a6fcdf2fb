// ABOUTME: Outbound notification pipeline: rate limit, dedupe, bounded FIFO queue, single worker
// ABOUTME: Failed deliveries are rescheduled with exponential backoff up to a retry limit

package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/clawlist-gateway/internal/dedupe"
	"github.com/2389/clawlist-gateway/internal/transport"
)

var (
	// ErrOverloaded means an event was turned away by the rate limiter or a full queue.
	ErrOverloaded = errors.New("overloaded")
	// ErrDeliveryFailed means the sink rejected or could not receive an event.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrRetriesExhausted means an event failed its last allowed attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")

	errDuplicate = errors.New("duplicate event")
	errDraining  = errors.New("pipeline draining")
)

// Defaults applied by New when an option is left at zero.
const (
	DefaultQueueMax     = 1000
	DefaultRatePerSec   = 5
	DefaultDedupeTTL    = 10 * time.Minute
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultDrainTimeout = 5 * time.Second

	// MaxRetryDelay caps a single backoff wait.
	MaxRetryDelay = time.Hour

	dedupeMaxEntries  = 100_000
	drainPollInterval = 20 * time.Millisecond
)

// Options configures a Pipeline.
type Options struct {
	QueueMax   int
	RatePerSec float64
	DedupeTTL  time.Duration
	RetryMax   int // attempts after the first; negative is treated as 0
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Stats counts what the pipeline did with the events it was handed.
type Stats struct {
	Enqueued    uint64
	RateLimited uint64
	Duplicates  uint64
	QueueFull   uint64
	Delivered   uint64
	Retried     uint64
	Exhausted   uint64
	Outstanding int
}

type item struct {
	ev      transport.RawEvent
	attempt int
}

// Pipeline forwards events to a Sink. Handle admits events; Run is the single
// worker that delivers them in FIFO order.
type Pipeline struct {
	sink       Sink
	limiter    *rate.Limiter
	seen       *dedupe.Cache
	queueMax   int
	retryMax   int
	retryDelay time.Duration
	logger     *slog.Logger

	// schedule runs f after d; replaced in tests.
	schedule func(d time.Duration, f func())
	now      func() time.Time

	mu        sync.Mutex
	queue     []item
	inFlight  int
	scheduled int
	draining  bool
	notify    chan struct{}

	enqueued, rateLimited, duplicates, queueFull atomic.Uint64
	delivered, retried, exhausted                atomic.Uint64
}

// New creates a pipeline delivering to sink.
func New(sink Sink, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueMax <= 0 {
		opts.QueueMax = DefaultQueueMax
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = DefaultRatePerSec
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	// Burst equals the per-second rate: a full bucket holds one second of tokens.
	burst := max(1, int(math.Ceil(opts.RatePerSec)))

	return &Pipeline{
		sink:       sink,
		limiter:    rate.NewLimiter(rate.Limit(opts.RatePerSec), burst),
		seen:       dedupe.New(opts.DedupeTTL, dedupeMaxEntries),
		queueMax:   opts.QueueMax,
		retryMax:   opts.RetryMax,
		retryDelay: opts.RetryDelay,
		logger:     logger.With("component", "outbound"),
		schedule:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		now:        time.Now,
		notify:     make(chan struct{}, 1),
	}
}

// Handle admits ev if the rate limiter allows it, it was not seen within the
// dedupe window and the queue has room. Rejections are logged, never returned
// to the caller; the result only reports whether ev was enqueued.
func (p *Pipeline) Handle(ev transport.RawEvent) bool {
	if err := p.admit(ev); err != nil {
		p.logger.Debug("event dropped", "reason", err, "event_key", ev.Key(), "channel", ev.Channel)
		return false
	}
	return true
}

func (p *Pipeline) admit(ev transport.RawEvent) error {
	if p.isDraining() {
		return errDraining
	}
	if !p.limiter.AllowN(p.now(), 1) {
		p.rateLimited.Add(1)
		return fmt.Errorf("%w: rate limited", ErrOverloaded)
	}
	if p.seen.CheckAndMark(ev.Key()) {
		p.duplicates.Add(1)
		return errDuplicate
	}
	return p.enqueue(item{ev: ev})
}

// enqueue appends a fresh event, refusing when queueMax events are pending.
func (p *Pipeline) enqueue(it item) error {
	p.mu.Lock()
	if len(p.queue) >= p.queueMax {
		depth := len(p.queue)
		p.mu.Unlock()
		p.queueFull.Add(1)
		p.logger.Warn("queue full", "queue_max", p.queueMax, "depth", depth, "event_key", it.ev.Key())
		return fmt.Errorf("%w: queue full", ErrOverloaded)
	}
	p.queue = append(p.queue, it)
	p.mu.Unlock()

	p.enqueued.Add(1)
	p.wake()
	return nil
}

// requeue puts a retry at the back of the queue. Retries were already
// admitted once, so they are not subject to queueMax.
func (p *Pipeline) requeue(it item) {
	p.mu.Lock()
	p.scheduled--
	p.queue = append(p.queue, it)
	p.mu.Unlock()
	p.wake()
}

func (p *Pipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) pop() (item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return item{}, false
	}
	it := p.queue[0]
	p.queue[0] = item{}
	p.queue = p.queue[1:]
	p.inFlight++
	return it, true
}

// Run is the worker loop. It delivers queued events one at a time until ctx
// is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		it, ok := p.pop()
		if !ok {
			select {
			case <-p.notify:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		p.attempt(ctx, it)
	}
}

// attempt delivers one item and decides its next state: delivered,
// rescheduled or exhausted.
func (p *Pipeline) attempt(ctx context.Context, it item) {
	err := p.sink.Deliver(ctx, it.ev)

	p.mu.Lock()
	p.inFlight--
	retry := err != nil && it.attempt < p.retryMax
	if retry {
		p.scheduled++
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		p.delivered.Add(1)
		p.logger.Debug("event delivered", "event_key", it.ev.Key(), "attempt", it.attempt)

	case retry:
		delay := p.backoff(it.attempt)
		p.retried.Add(1)
		p.logger.Info("delivery failed, retrying",
			"error", err,
			"event_key", it.ev.Key(),
			"attempt", it.attempt,
			"delay", delay,
		)
		next := item{ev: it.ev, attempt: it.attempt + 1}
		p.schedule(delay, func() { p.requeue(next) })

	default:
		p.exhausted.Add(1)
		p.logger.Error("retries exhausted",
			"error", fmt.Errorf("%w: %w", ErrRetriesExhausted, err),
			"event_key", it.ev.Key(),
			"attempts", it.attempt+1,
		)
	}
}

// backoff returns retryDelay * 2^attempt, capped at MaxRetryDelay.
func (p *Pipeline) backoff(attempt int) time.Duration {
	d := p.retryDelay
	for range attempt {
		if d >= MaxRetryDelay/2 {
			return MaxRetryDelay
		}
		d *= 2
	}
	return min(d, MaxRetryDelay)
}

// Outstanding counts events queued, in flight or waiting for a retry.
func (p *Pipeline) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.inFlight + p.scheduled
}

func (p *Pipeline) isDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// Drain stops admitting new events and waits until nothing is outstanding or
// timeout passes, whichever comes first. It returns the number of events still
// outstanding, which are logged as lost. The worker must keep running during
// Drain for anything to be delivered.
func (p *Pipeline) Drain(timeout time.Duration) int {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		n := p.Outstanding()
		if n == 0 {
			p.logger.Info("outbound drained")
			return 0
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.logger.Warn("drain timed out, events lost", "lost", n)
			return n
		}
		time.Sleep(min(drainPollInterval, remaining))
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:    p.enqueued.Load(),
		RateLimited: p.rateLimited.Load(),
		Duplicates:  p.duplicates.Load(),
		QueueFull:   p.queueFull.Load(),
		Delivered:   p.delivered.Load(),
		Retried:     p.retried.Load(),
		Exhausted:   p.exhausted.Load(),
		Outstanding: p.Outstanding(),
	}
}
