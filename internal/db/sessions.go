package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"promptwatch/internal/model"
)

// SessionStore persists issued dashboard sessions locally so revocation
// survives a daemon restart. SQLite keeps the daemon free of backend writes
// for its own state.
type SessionStore struct {
	db *sql.DB
}

func OpenSessions(ctx context.Context, path string) (*SessionStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod session db: %w", err)
	}
	if err := ApplySessionMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

func (s *SessionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SessionStore) Insert(ctx context.Context, session model.Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, user_id, issued_at, expires_at)
VALUES (?, ?, ?, ?)`,
		session.SessionID, session.UserID, ts(session.IssuedAt), ts(session.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get returns the session if it exists and has not expired.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (model.Session, error) {
	var (
		session   model.Session
		issuedAt  string
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT session_id, user_id, issued_at, expires_at
FROM sessions
WHERE session_id = ?`, sessionID).
		Scan(&session.SessionID, &session.UserID, &issuedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("%w: session", ErrNotFound)
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("query session: %w", err)
	}
	if session.IssuedAt, err = parseTS(issuedAt); err != nil {
		return model.Session{}, fmt.Errorf("parse issued_at: %w", err)
	}
	if session.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return model.Session{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return model.Session{}, fmt.Errorf("%w: session expired", ErrNotFound)
	}
	return session, nil
}

// Delete revokes a session. Deleting an unknown session is a no-op.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PruneExpired drops sessions past their expiry and reports how many went.
func (s *SessionStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, ts(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return n, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
