package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"promptwatch/internal/model"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// Store is the read/write surface over the managed Postgres backend:
// detection_requests (read-only here, the detection service owns writes),
// api_keys, and dashboard_users.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const eventColumns = `id, created_at, is_threat, confidence, attack_category, detected_by_layer, latency_ms, api_key_id`

// RecentEvents returns the newest limit events, timestamp-descending. This is
// the feed's backfill query.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+eventColumns+`
FROM detection_requests
ORDER BY created_at DESC, id DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []model.Event
	for rows.Next() {
		ev, _, err := scanEvent(rows, false)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent events: %w", err)
	}
	return events, nil
}

// ListRequests pages through the persisted request log with optional filters.
// Ordering matches RecentEvents so offset pages are stable.
func (s *Store) ListRequests(ctx context.Context, filter model.RequestFilter) ([]model.RequestRecord, int, error) {
	where, args := buildRequestWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM detection_requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 25
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`
SELECT `+eventColumns+`, prompt
FROM detection_requests%s
ORDER BY created_at DESC, id DESC
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var records []model.RequestRecord
	for rows.Next() {
		ev, prompt, err := scanEvent(rows, true)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, model.RequestRecord{Event: ev, Prompt: prompt})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate requests: %w", err)
	}
	return records, total, nil
}

func buildRequestWhere(filter model.RequestFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.IsThreat != nil {
		add("is_threat = $%d", *filter.IsThreat)
	}
	if category := strings.TrimSpace(filter.AttackCategory); category != "" {
		add("attack_category = $%d", category)
	}
	if keyID := strings.TrimSpace(filter.APIKeyID); keyID != "" {
		add("api_key_id = $%d", keyID)
	}
	if filter.Since != nil {
		add("created_at >= $%d", filter.Since.UTC())
	}
	if filter.Until != nil {
		add("created_at < $%d", filter.Until.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type eventScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row eventScanner, withPrompt bool) (model.Event, string, error) {
	var (
		ev       model.Event
		category sql.NullString
		layer    sql.NullInt64
		latency  sql.NullFloat64
		prompt   sql.NullString
	)
	dest := []any{&ev.EventID, &ev.CreatedAt, &ev.IsThreat, &ev.Confidence, &category, &layer, &latency, &ev.APIKeyID}
	if withPrompt {
		dest = append(dest, &prompt)
	}
	if err := row.Scan(dest...); err != nil {
		return model.Event{}, "", fmt.Errorf("scan event: %w", err)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if category.Valid {
		v := category.String
		ev.AttackCategory = &v
	}
	if layer.Valid {
		v := int(layer.Int64)
		ev.DetectedLayer = &v
	}
	if latency.Valid {
		ev.LatencyMs = latency.Float64
	}
	return ev, prompt.String, nil
}

// ListAPIKeys returns the user's keys, newest first, revoked included.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key_id, name, prefix, created_at, revoked_at, last_used_at
FROM api_keys
WHERE user_id = $1
ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var keys []model.APIKey
	for rows.Next() {
		var (
			key      model.APIKey
			revoked  sql.NullTime
			lastUsed sql.NullTime
		)
		if err := rows.Scan(&key.KeyID, &key.Name, &key.Prefix, &key.CreatedAt, &revoked, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		key.CreatedAt = key.CreatedAt.UTC()
		if revoked.Valid {
			v := revoked.Time.UTC()
			key.RevokedAt = &v
		}
		if lastUsed.Valid {
			v := lastUsed.Time.UTC()
			key.LastUsed = &v
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

// CreateAPIKey mints a key for the user and returns the record plus the full
// secret. The secret is only returned once.
func (s *Store) CreateAPIKey(ctx context.Context, userID, name string) (model.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.APIKey{}, "", fmt.Errorf("key name required")
	}
	keyID := uuid.NewString()
	secret := "pw_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	prefix := secret[:11]
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys(key_id, user_id, name, prefix, secret, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, keyID, userID, name, prefix, secret, now)
	if err != nil {
		if isUniqueErr(err) {
			return model.APIKey{}, "", fmt.Errorf("%w: key name %q", ErrDuplicate, name)
		}
		return model.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return model.APIKey{KeyID: keyID, Name: name, Prefix: prefix, CreatedAt: now}, secret, nil
}

// RevokeAPIKey marks the key revoked. Revoking an already revoked key keeps
// the original revocation time.
func (s *Store) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE api_keys
SET revoked_at = COALESCE(revoked_at, now())
WHERE key_id = $1 AND user_id = $2`, keyID, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: api key %s", ErrNotFound, keyID)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	err := s.db.QueryRowContext(ctx, `
SELECT user_id, email, password_hash, created_at
FROM dashboard_users
WHERE lower(email) = lower($1)`, strings.TrimSpace(email)).
		Scan(&user.UserID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("%w: user %s", ErrNotFound, email)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

func isUniqueErr(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
