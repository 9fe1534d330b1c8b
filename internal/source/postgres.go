package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"promptwatch/internal/db"
	"promptwatch/internal/model"
)

const (
	// DefaultNotifyChannel is raised by an insert trigger on
	// detection_requests; the payload is the new row as JSON.
	DefaultNotifyChannel = "detection_requests_insert"

	minReconnectInterval = 500 * time.Millisecond
	maxReconnectInterval = 30 * time.Second
)

// Postgres serves backfill from the detection_requests table and the live
// stream from a LISTEN/NOTIFY channel. Reconnects are pq.Listener's problem;
// this type only relays the resulting status transitions.
type Postgres struct {
	store   *db.Store
	dsn     string
	channel string
	logger  *slog.Logger
}

func NewPostgres(store *db.Store, dsn, channel string, logger *slog.Logger) *Postgres {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Postgres{store: store, dsn: dsn, channel: channel, logger: logger}
}

func (p *Postgres) FetchRecent(ctx context.Context, limit int) ([]model.Event, error) {
	return p.store.RecentEvents(ctx, limit)
}

func (p *Postgres) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	listener := pq.NewListener(p.dsn, minReconnectInterval, maxReconnectInterval,
		func(event pq.ListenerEventType, err error) {
			switch event {
			case pq.ListenerEventConnected, pq.ListenerEventReconnected:
				h.OnStatus(StatusSubscribed)
			case pq.ListenerEventDisconnected:
				h.OnStatus(StatusChannelError)
			case pq.ListenerEventConnectionAttemptFailed:
				if err != nil {
					p.logger.Warn("listener reconnect attempt failed", "error", err)
				}
				h.OnStatus(StatusChannelError)
			}
		})
	if err := listener.Listen(p.channel); err != nil {
		listener.Close() //nolint:errcheck
		return nil, fmt.Errorf("listen %s: %w", p.channel, err)
	}

	sub := &pgSubscription{listener: listener}
	go sub.relay(ctx, h, p.logger)
	return sub, nil
}

type pgSubscription struct {
	listener *pq.Listener
	once     sync.Once
	err      error
}

func (s *pgSubscription) relay(ctx context.Context, h Handler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			_ = s.Unsubscribe()
			h.OnStatus(StatusClosed)
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				h.OnStatus(StatusClosed)
				return
			}
			// pq delivers a nil notification after a reconnect to flag a
			// possible gap in the stream.
			if n == nil {
				logger.Warn("notification gap after reconnect")
				continue
			}
			h.OnInsert([]byte(n.Extra))
		}
	}
}

func (s *pgSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.listener.Close()
	})
	return s.err
}
