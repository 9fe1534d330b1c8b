package feed

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"promptwatch/internal/model"
)

const (
	testDelay   = 100 * time.Millisecond
	testMaxWait = 300 * time.Millisecond
)

func newTestBatcher(t *testing.T, maxWait time.Duration) (*Batcher, *testclock.Clock, chan []model.Event) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	flushes := make(chan []model.Event, 16)
	b := NewBatcher(clk, testDelay, maxWait, func(batch []model.Event) {
		flushes <- batch
	})
	t.Cleanup(b.Stop)
	return b, clk, flushes
}

func waitFlush(t *testing.T, flushes chan []model.Event) []model.Event {
	t.Helper()
	select {
	case batch := <-flushes:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for flush")
		return nil
	}
}

func assertNoFlush(t *testing.T, flushes chan []model.Event) {
	t.Helper()
	select {
	case batch := <-flushes:
		t.Fatalf("unexpected flush of %d events", len(batch))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBatcherCoalescesBurst(t *testing.T) {
	b, clk, flushes := newTestBatcher(t, 0)

	b.Enqueue(ev("e1", clk.Now()))
	b.Enqueue(ev("e2", clk.Now()))
	b.Enqueue(ev("e3", clk.Now()))
	if got := b.Len(); got != 3 {
		t.Fatalf("expected 3 pending, got %d", got)
	}

	clk.Advance(testDelay)
	batch := waitFlush(t, flushes)
	if len(batch) != 3 {
		t.Fatalf("expected one flush of 3, got %d", len(batch))
	}
	if got := b.Len(); got != 0 {
		t.Fatalf("expected empty pending after flush, got %d", got)
	}
}

func TestBatcherFlushesSpacedEventsSeparately(t *testing.T) {
	b, clk, flushes := newTestBatcher(t, 0)

	b.Enqueue(ev("e1", clk.Now()))
	clk.Advance(testDelay)
	first := waitFlush(t, flushes)
	if len(first) != 1 || first[0].EventID != "e1" {
		t.Fatalf("unexpected first flush: %v", ids(first))
	}

	b.Enqueue(ev("e2", clk.Now()))
	clk.Advance(testDelay)
	second := waitFlush(t, flushes)
	if len(second) != 1 || second[0].EventID != "e2" {
		t.Fatalf("unexpected second flush: %v", ids(second))
	}
}

func TestBatcherEnqueueExtendsDeadline(t *testing.T) {
	b, clk, flushes := newTestBatcher(t, 0)

	b.Enqueue(ev("e1", clk.Now()))
	clk.Advance(testDelay / 2)
	b.Enqueue(ev("e2", clk.Now()))

	// Half the delay has passed; the rearmed timer must not have fired yet.
	clk.Advance(testDelay / 2)
	assertNoFlush(t, flushes)

	clk.Advance(testDelay / 2)
	batch := waitFlush(t, flushes)
	if len(batch) != 2 {
		t.Fatalf("expected both events in one flush, got %d", len(batch))
	}
}

func TestBatcherPureDebounceStarvesUnderSustainedLoad(t *testing.T) {
	b, clk, flushes := newTestBatcher(t, 0)

	for i := 0; i < 8; i++ {
		b.Enqueue(ev(idFor(i), clk.Now()))
		clk.Advance(testDelay / 2)
	}
	assertNoFlush(t, flushes)
	if got := b.Len(); got != 8 {
		t.Fatalf("expected 8 pending, got %d", got)
	}
}

func TestBatcherMaxWaitBoundsSustainedLoad(t *testing.T) {
	b, clk, flushes := newTestBatcher(t, testMaxWait)

	// Arrivals every delay/2 keep postponing the debounce deadline; the
	// maxWait clamp forces a flush at firstAt+maxWait regardless.
	for i := 0; i < 6; i++ {
		b.Enqueue(ev(idFor(i), clk.Now()))
		clk.Advance(testDelay / 2)
	}
	batch := waitFlush(t, flushes)
	if len(batch) != 6 {
		t.Fatalf("expected forced flush of 6, got %d", len(batch))
	}
}

func TestBatcherStopFlushesPending(t *testing.T) {
	b, clk, flushes := newTestBatcher(t, 0)

	b.Enqueue(ev("e1", clk.Now()))
	b.Enqueue(ev("e2", clk.Now()))
	b.Stop()

	batch := waitFlush(t, flushes)
	if len(batch) != 2 {
		t.Fatalf("expected final flush of 2, got %d", len(batch))
	}

	b.Stop()
	assertNoFlush(t, flushes)
}

func TestBatcherStopWaitsForInFlightFlush(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	entered := make(chan struct{})
	release := make(chan struct{})
	flushes := make(chan []model.Event, 1)
	b := NewBatcher(clk, testDelay, 0, func(batch []model.Event) {
		entered <- struct{}{}
		<-release
		flushes <- batch
	})

	b.Enqueue(ev("e1", clk.Now()))
	clk.Advance(testDelay)
	<-entered

	// The timer-driven flush is blocked inside the callback; Stop must not
	// return until it has completed, or the caller would tear down with the
	// batch still in flight.
	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned while a flush was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the flush completed")
	}
	batch := waitFlush(t, flushes)
	if len(batch) != 1 || batch[0].EventID != "e1" {
		t.Fatalf("unexpected flushed batch: %v", ids(batch))
	}
}

func TestBatcherDropsEnqueueAfterStop(t *testing.T) {
	b, clk, flushes := newTestBatcher(t, 0)

	b.Stop()
	b.Enqueue(ev("late", clk.Now()))
	if got := b.Len(); got != 0 {
		t.Fatalf("expected no pending after stop, got %d", got)
	}
	assertNoFlush(t, flushes)
}
