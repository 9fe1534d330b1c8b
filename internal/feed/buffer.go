package feed

import (
	"sync"
	"time"

	"github.com/juju/clock"

	"promptwatch/internal/model"
)

// Batcher coalesces a burst of stream events into a single flush so one
// insert does not cost one downstream state update. It is a debounce: every
// enqueue re-arms the delay timer, and the pending batch is handed to the
// flush callback only once the timer fires with no enqueue in the interim.
//
// With maxWait zero that is the complete story, and a sustained arrival rate
// faster than delay postpones the flush indefinitely. A positive maxWait caps
// how long the oldest pending event may wait: the timer deadline is clamped
// to firstAt+maxWait, so a busy stream still flushes on that cadence.
type Batcher struct {
	clk     clock.Clock
	delay   time.Duration
	maxWait time.Duration
	flush   func([]model.Event)

	mu       sync.Mutex
	pending  []model.Event
	timer    clock.Timer
	deadline time.Time
	firstAt  time.Time
	done     chan struct{}
	stopOnce sync.Once

	// flushMu serializes flush invocations. Stop acquires it, so a fire that
	// already swapped the batch out completes its flush before Stop returns.
	flushMu sync.Mutex
}

func NewBatcher(clk clock.Clock, delay, maxWait time.Duration, flush func([]model.Event)) *Batcher {
	return &Batcher{
		clk:     clk,
		delay:   delay,
		maxWait: maxWait,
		flush:   flush,
		done:    make(chan struct{}),
	}
}

// Enqueue appends ev to the pending batch and re-arms the timer. Enqueue
// after Stop is a no-op: late transport deliveries are discarded, not applied.
func (b *Batcher) Enqueue(ev model.Event) {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return
	default:
	}
	now := b.clk.Now()
	if len(b.pending) == 0 {
		b.firstAt = now
	}
	b.pending = append(b.pending, ev)

	deadline := now.Add(b.delay)
	if b.maxWait > 0 {
		if limit := b.firstAt.Add(b.maxWait); deadline.After(limit) {
			deadline = limit
		}
	}
	b.deadline = deadline
	wait := deadline.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if b.timer == nil {
		b.timer = b.clk.NewTimer(wait)
		go b.run()
	} else {
		b.timer.Reset(wait)
	}
	b.mu.Unlock()
}

// Len reports the pending batch size.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) run() {
	for {
		select {
		case <-b.timer.Chan():
			b.fire()
		case <-b.done:
			return
		}
	}
}

// fire flushes the pending batch if its deadline has passed. A fire racing an
// enqueue that already moved the deadline re-arms instead of flushing early,
// keeping the debounce contract exact.
func (b *Batcher) fire() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	now := b.clk.Now()
	if now.Before(b.deadline) {
		b.timer.Reset(b.deadline.Sub(now))
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	b.flush(batch)
}

// Stop cancels the timer, waits out any flush already in flight, and flushes
// whatever is still pending, so no buffered event is silently dropped at
// teardown. Idempotent.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		b.flushMu.Lock()
		defer b.flushMu.Unlock()
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		if b.timer != nil {
			b.timer.Stop()
		}
		close(b.done)
		b.mu.Unlock()
		if len(batch) > 0 {
			b.flush(batch)
		}
	})
}
