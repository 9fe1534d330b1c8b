package api

import "time"

// HealthResponse is the GET /v1/health body. Status "ok" means the daemon is
// serving requests; it does not probe the database or the detection API.
type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}
