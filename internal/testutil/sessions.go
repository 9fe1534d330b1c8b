package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"promptwatch/internal/db"
	"promptwatch/internal/model"
)

// NewSessionStore opens a throwaway SQLite session store under a temp dir.
func NewSessionStore(t *testing.T) (*db.SessionStore, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.OpenSessions(ctx, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, ctx
}

// UserDirectory is a static email lookup for auth tests.
type UserDirectory map[string]model.User

func (d UserDirectory) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	user, ok := d[email]
	if !ok {
		return model.User{}, db.ErrNotFound
	}
	return user, nil
}
