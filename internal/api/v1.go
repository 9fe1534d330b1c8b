package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type EventResponse struct {
	ID             string  `json:"id"`
	CreatedAt      string  `json:"created_at"`
	IsThreat       bool    `json:"is_threat"`
	Confidence     float64 `json:"confidence"`
	AttackCategory *string `json:"attack_category,omitempty"`
	DetectedLayer  *int    `json:"detected_by_layer,omitempty"`
	LatencyMs      float64 `json:"latency_ms"`
	APIKeyID       string  `json:"api_key_id"`
}

// FeedSnapshot is one consistent view of the live feed: the bounded history
// plus the stream connection state at the moment it was taken.
type FeedSnapshot struct {
	SchemaVersion   string          `json:"schema_version"`
	GeneratedAt     time.Time       `json:"generated_at"`
	ConnectionState string          `json:"connection_state"`
	Events          []EventResponse `json:"events"`
}

type RequestItem struct {
	EventResponse
	Prompt string `json:"prompt"`
}

type RequestsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Total         int           `json:"total"`
	Limit         int           `json:"limit"`
	Offset        int           `json:"offset"`
	Requests      []RequestItem `json:"requests"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Token         string    `json:"token"`
}

type APIKeyResponse struct {
	KeyID     string  `json:"key_id"`
	Name      string  `json:"name"`
	Prefix    string  `json:"prefix"`
	CreatedAt string  `json:"created_at"`
	RevokedAt *string `json:"revoked_at,omitempty"`
	LastUsed  *string `json:"last_used_at,omitempty"`
	// Secret is only present in the create response.
	Secret string `json:"secret,omitempty"`
}

type APIKeysEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Keys          []APIKeyResponse `json:"keys"`
}

type CreateKeyRequest struct {
	Name string `json:"name"`
}

type PlaygroundRequest struct {
	APIKey string `json:"api_key"`
	Prompt string `json:"prompt"`
}

type PlaygroundResponse struct {
	SchemaVersion  string    `json:"schema_version"`
	GeneratedAt    time.Time `json:"generated_at"`
	IsThreat       bool      `json:"is_threat"`
	Confidence     float64   `json:"confidence"`
	AttackCategory *string   `json:"attack_category,omitempty"`
	DetectedLayer  *int      `json:"detected_by_layer,omitempty"`
	LatencyMs      float64   `json:"latency_ms"`
	Reasons        []string  `json:"reasons,omitempty"`
}
