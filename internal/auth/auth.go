package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"promptwatch/internal/db"
	"promptwatch/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Manager issues and validates dashboard sessions: an HS256 token carrying a
// session ID, checked against the local session store so logout actually
// revokes.
type Manager struct {
	secret   []byte
	ttl      time.Duration
	sessions *db.SessionStore
	users    userLookup
}

type userLookup interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
}

func NewManager(secret string, ttl time.Duration, sessions *db.SessionStore, users userLookup) *Manager {
	return &Manager{secret: []byte(secret), ttl: ttl, sessions: sessions, users: users}
}

// Login checks the password and opens a session. Unknown user and wrong
// password are indistinguishable to the caller.
func (m *Manager) Login(ctx context.Context, email, password string) (string, error) {
	user, err := m.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now().UTC()
	session := model.Session{
		SessionID: uuid.NewString(),
		UserID:    user.UserID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.sessions.Insert(ctx, session); err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{
		ID:        session.SessionID,
		Subject:   user.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify parses the token and confirms the session is still live. Returns
// the session on success.
func (m *Manager) Verify(ctx context.Context, token string) (model.Session, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return model.Session{}, ErrInvalidToken
	}
	session, err := m.sessions.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Session{}, ErrInvalidToken
		}
		return model.Session{}, err
	}
	return session, nil
}

// Logout revokes the session named by the token. Idempotent.
func (m *Manager) Logout(ctx context.Context, token string) error {
	session, err := m.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil
		}
		return err
	}
	return m.sessions.Delete(ctx, session.SessionID)
}

type sessionKey struct{}

// SessionFromContext returns the session stored by Middleware.
func SessionFromContext(ctx context.Context) (model.Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(model.Session)
	return session, ok
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Middleware rejects requests without a live session and stashes the session
// in the request context.
func (m *Manager) Middleware(onReject func(w http.ResponseWriter, code, msg string)) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				onReject(w, model.ErrAuthRequired, "authorization required")
				return
			}
			session, err := m.Verify(r.Context(), token)
			if err != nil {
				onReject(w, model.ErrAuthInvalid, "invalid or expired session")
				return
			}
			next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
		}
	}
}
