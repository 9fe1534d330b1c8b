package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"promptwatch/internal/model"
)

func newSessionStore(t *testing.T) (*SessionStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := OpenSessions(ctx, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

func TestSessionRoundTrip(t *testing.T) {
	store, ctx := newSessionStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	session := model.Session{
		SessionID: "s1",
		UserID:    "u1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Insert(ctx, session); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || !got.IssuedAt.Equal(session.IssuedAt) || !got.ExpiresAt.Equal(session.ExpiresAt) {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestSessionGetUnknown(t *testing.T) {
	store, ctx := newSessionStore(t)
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionGetExpired(t *testing.T) {
	store, ctx := newSessionStore(t)
	now := time.Now().UTC()
	session := model.Session{
		SessionID: "s-old",
		UserID:    "u1",
		IssuedAt:  now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := store.Insert(ctx, session); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Get(ctx, "s-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session treated as not found, got %v", err)
	}
}

func TestSessionDeleteIdempotent(t *testing.T) {
	store, ctx := newSessionStore(t)
	now := time.Now().UTC()
	if err := store.Insert(ctx, model.Session{SessionID: "s1", UserID: "u1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.Get(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted session gone, got %v", err)
	}
}

func TestSessionPruneExpired(t *testing.T) {
	store, ctx := newSessionStore(t)
	now := time.Now().UTC()
	sessions := []model.Session{
		{SessionID: "live", UserID: "u1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{SessionID: "dead1", UserID: "u1", IssuedAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-2 * time.Hour)},
		{SessionID: "dead2", UserID: "u2", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
	}
	for _, s := range sessions {
		if err := store.Insert(ctx, s); err != nil {
			t.Fatalf("insert %s: %v", s.SessionID, err)
		}
	}
	pruned, err := store.PruneExpired(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", pruned)
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Fatalf("live session should survive prune: %v", err)
	}
}

func TestSessionMigrationsIdempotent(t *testing.T) {
	store, ctx := newSessionStore(t)
	if err := ApplySessionMigrations(ctx, store.db); err != nil {
		t.Fatalf("reapply migrations: %v", err)
	}
}
