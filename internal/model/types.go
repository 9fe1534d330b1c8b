package model

import "time"

// ConnectionState reflects the health of the change-stream transport.
type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
)

// FeedPhase is the lifecycle phase of a feed controller. PhaseTornDown is terminal.
type FeedPhase string

const (
	PhaseInitializing FeedPhase = "initializing"
	PhaseLive         FeedPhase = "live"
	PhaseTornDown     FeedPhase = "torn_down"
)

// Event is one detection request outcome. Identity is EventID; two events with
// the same EventID are the same logical event and never coexist in a history.
type Event struct {
	EventID        string
	CreatedAt      time.Time
	IsThreat       bool
	Confidence     float64
	AttackCategory *string
	DetectedLayer  *int
	LatencyMs      float64
	APIKeyID       string
}

// RequestRecord is a persisted detection request as shown in the log browser.
// Prompt is redacted before it leaves the daemon.
type RequestRecord struct {
	Event
	Prompt string
}

// RequestFilter narrows the persisted request log.
type RequestFilter struct {
	IsThreat       *bool
	AttackCategory string
	APIKeyID       string
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

type APIKey struct {
	KeyID     string
	Name      string
	Prefix    string
	CreatedAt time.Time
	RevokedAt *time.Time
	LastUsed  *time.Time
}

type User struct {
	UserID       string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type Session struct {
	SessionID string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrAuthRequired       = "E_AUTH_REQUIRED"
	ErrAuthInvalid        = "E_AUTH_INVALID"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrUpstreamFailed     = "E_UPSTREAM_FAILED"
)
