package source

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"promptwatch/internal/model"
)

// record is the JSON row shape carried by insert notifications. The trigger
// emits the same column names the backfill query selects.
type record struct {
	ID             string   `json:"id"`
	CreatedAt      string   `json:"created_at"`
	IsThreat       bool     `json:"is_threat"`
	Confidence     float64  `json:"confidence"`
	AttackCategory *string  `json:"attack_category"`
	DetectedLayer  *int     `json:"detected_by_layer"`
	LatencyMs      *float64 `json:"latency_ms"`
	APIKeyID       string   `json:"api_key_id"`
}

// DecodeEvent parses one raw inserted record into an Event. Failures wrap
// ErrMalformedRecord so callers can drop the single record and continue.
func DecodeEvent(raw []byte) (model.Event, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return model.Event{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	createdAt, err := parseTimestamp(rec.CreatedAt)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: created_at: %v", ErrMalformedRecord, err)
	}
	if rec.Confidence < 0 || rec.Confidence > 100 {
		return model.Event{}, fmt.Errorf("%w: confidence %v out of range", ErrMalformedRecord, rec.Confidence)
	}
	ev := model.Event{
		EventID:        rec.ID,
		CreatedAt:      createdAt,
		IsThreat:       rec.IsThreat,
		Confidence:     rec.Confidence,
		AttackCategory: rec.AttackCategory,
		DetectedLayer:  rec.DetectedLayer,
		APIKeyID:       rec.APIKeyID,
	}
	if rec.LatencyMs != nil {
		if *rec.LatencyMs < 0 {
			return model.Event{}, fmt.Errorf("%w: negative latency", ErrMalformedRecord)
		}
		ev.LatencyMs = *rec.LatencyMs
	}
	return ev, nil
}

// parseTimestamp accepts RFC3339 with or without a zone suffix; Postgres
// row_to_json emits the latter for timestamp columns.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999-07"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
