package source

import (
	"context"
	"errors"

	"promptwatch/internal/model"
)

var (
	// ErrFetch marks a failed backfill query. Non-fatal: the feed keeps
	// running on the live stream alone.
	ErrFetch = errors.New("backfill fetch failed")
	// ErrMalformedRecord marks a delivered record that does not parse into
	// an Event. The record is dropped; the rest of the batch proceeds.
	ErrMalformedRecord = errors.New("malformed record")
)

// Status mirrors the transport's subscription lifecycle signals.
type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusClosed       Status = "closed"
	StatusChannelError Status = "channel_error"
)

// Handler receives raw inserted records and status transitions from a
// subscription. Both callbacks may be invoked from transport goroutines.
type Handler interface {
	OnInsert(raw []byte)
	OnStatus(status Status)
}

// Subscription is a live change-stream handle. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Source combines the point-in-time backfill query with the ongoing insert
// stream for one logical table.
type Source interface {
	// FetchRecent returns up to limit persisted events, newest first.
	FetchRecent(ctx context.Context, limit int) ([]model.Event, error)
	// Subscribe opens the insert stream and delivers records in transport
	// order until the subscription is closed or ctx is cancelled.
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}
