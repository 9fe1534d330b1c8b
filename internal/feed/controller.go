package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"promptwatch/internal/metrics"
	"promptwatch/internal/model"
	"promptwatch/internal/source"
)

const (
	DefaultHistoryCap = 50
	DefaultBatchDelay = 100 * time.Millisecond
)

// Config tunes a feed controller. Zero values take the defaults above;
// MaxBatchWait zero keeps the pure debounce.
type Config struct {
	HistoryCap   int
	BatchDelay   time.Duration
	MaxBatchWait time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Feed
	// OnUpdate fires after every history or connection-state change, outside
	// the controller lock. Used by push consumers.
	OnUpdate func()
	// OnError surfaces non-fatal subsystem errors (backfill failure,
	// malformed records).
	OnError func(error)
}

// Controller owns one live activity feed: it seeds history from a backfill
// query, keeps it current from the insert stream through the batcher, and
// guarantees clean teardown. All history and connection-state mutation
// happens here, under one mutex.
type Controller struct {
	src source.Source
	cfg Config

	mu        sync.Mutex
	history   []model.Event
	conn      model.ConnectionState
	phase     model.FeedPhase
	sub       source.Subscription
	batcher   *Batcher
	closing   bool
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewController(src source.Source, cfg Config) *Controller {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		src:   src,
		cfg:   cfg,
		conn:  model.ConnConnecting,
		phase: model.PhaseInitializing,
	}
	c.batcher = NewBatcher(cfg.Clock, cfg.BatchDelay, cfg.MaxBatchWait, c.applyBatch)
	return c
}

// Start launches backfill and the subscription concurrently; neither waits
// for the other. Live events delivered before backfill completes sit in the
// batcher and merge afterwards, so the race loses nothing. Backfill runs at
// most once per controller; repeated calls are no-ops.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.cfg.Metrics.ConnectionState(model.ConnConnecting)

		c.wg.Add(2)
		go func() {
			defer c.wg.Done()
			c.runBackfill(ctx)
		}()
		go func() {
			defer c.wg.Done()
			c.runSubscribe(ctx)
		}()
	})
}

func (c *Controller) runBackfill(ctx context.Context) {
	events, err := c.src.FetchRecent(ctx, c.cfg.HistoryCap)
	if err != nil {
		c.cfg.Metrics.BackfillFailed()
		c.cfg.Logger.Warn("backfill failed, feed starts empty", "error", err)
		c.reportError(fmt.Errorf("%w: %v", source.ErrFetch, err))
		return
	}
	c.applyBatch(events)
}

func (c *Controller) runSubscribe(ctx context.Context) {
	sub, err := c.src.Subscribe(ctx, (*streamHandler)(c))
	if err != nil {
		c.cfg.Logger.Error("subscribe failed", "error", err)
		c.setConnState(model.ConnDisconnected)
		c.reportError(err)
		return
	}
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return
	}
	c.sub = sub
	c.mu.Unlock()
}

// streamHandler keeps the source.Handler methods off the Controller's
// exported surface.
type streamHandler Controller

func (h *streamHandler) OnInsert(raw []byte) {
	c := (*Controller)(h)
	c.cfg.Metrics.EventReceived()
	ev, err := source.DecodeEvent(raw)
	if err != nil {
		c.cfg.Metrics.EventMalformed()
		c.cfg.Logger.Warn("dropping malformed stream record", "error", err)
		c.reportError(err)
		return
	}
	c.batcher.Enqueue(ev)
}

func (h *streamHandler) OnStatus(status source.Status) {
	c := (*Controller)(h)
	switch status {
	case source.StatusSubscribed:
		c.markLive()
		c.setConnState(model.ConnConnected)
	case source.StatusClosed, source.StatusChannelError:
		c.setConnState(model.ConnDisconnected)
	}
}

// applyBatch merges a flushed batch (or the backfill result) into history.
// Seeding and merging share one code path, so they commute regardless of
// which finishes first.
func (c *Controller) applyBatch(batch []model.Event) {
	c.mu.Lock()
	if c.phase == model.PhaseTornDown {
		c.mu.Unlock()
		return
	}
	c.history = Merge(c.history, batch, c.cfg.HistoryCap)
	historyLen := len(c.history)
	c.mu.Unlock()

	c.cfg.Metrics.FlushApplied(len(batch), historyLen)
	c.notify()
}

func (c *Controller) markLive() {
	c.mu.Lock()
	if c.phase == model.PhaseInitializing {
		c.phase = model.PhaseLive
	}
	c.mu.Unlock()
}

func (c *Controller) setConnState(state model.ConnectionState) {
	c.mu.Lock()
	if c.phase == model.PhaseTornDown || c.conn == state {
		c.mu.Unlock()
		return
	}
	c.conn = state
	c.mu.Unlock()

	c.cfg.Metrics.ConnectionState(state)
	c.notify()
}

// History returns the bounded, timestamp-descending recent events.
func (c *Controller) History() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Event, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Controller) ConnectionState() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Controller) Phase() model.FeedPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Close tears the feed down: the pending batch is flushed into history
// first, then the phase turns terminal and the subscription closes. Late
// deliveries from a half-closed transport are discarded. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		// Stop flushes pending events through applyBatch while the phase
		// still permits mutation.
		c.batcher.Stop()

		c.mu.Lock()
		c.phase = model.PhaseTornDown
		c.conn = model.ConnDisconnected
		sub := c.sub
		c.sub = nil
		c.mu.Unlock()

		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				c.cfg.Logger.Warn("unsubscribe failed", "error", err)
			}
		}
		c.cfg.Metrics.ConnectionState(model.ConnDisconnected)
	})
}

// Wait blocks until the startup goroutines have finished. Test helper.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) notify() {
	if c.cfg.OnUpdate != nil {
		c.cfg.OnUpdate()
	}
}

func (c *Controller) reportError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
