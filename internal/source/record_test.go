package source

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeEventFullRecord(t *testing.T) {
	raw := []byte(`{
		"id": "3f2a",
		"created_at": "2026-08-01T12:00:00.5Z",
		"is_threat": true,
		"confidence": 97.25,
		"attack_category": "jailbreak",
		"detected_by_layer": 2,
		"latency_ms": 41.7,
		"api_key_id": "key-1"
	}`)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EventID != "3f2a" || !ev.IsThreat || ev.Confidence != 97.25 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	want := time.Date(2026, 8, 1, 12, 0, 0, 500000000, time.UTC)
	if !ev.CreatedAt.Equal(want) {
		t.Fatalf("unexpected created_at: %v", ev.CreatedAt)
	}
	if ev.AttackCategory == nil || *ev.AttackCategory != "jailbreak" {
		t.Fatalf("unexpected category: %v", ev.AttackCategory)
	}
	if ev.DetectedLayer == nil || *ev.DetectedLayer != 2 {
		t.Fatalf("unexpected layer: %v", ev.DetectedLayer)
	}
	if ev.LatencyMs != 41.7 || ev.APIKeyID != "key-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeEventPostgresTimestamp(t *testing.T) {
	// row_to_json renders timestamptz without the RFC3339 zone colon.
	raw := []byte(`{"id":"a1","created_at":"2026-08-01 12:00:00.123456+00","confidence":10}`)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := time.Date(2026, 8, 1, 12, 0, 0, 123456000, time.UTC)
	if !ev.CreatedAt.Equal(want) {
		t.Fatalf("unexpected created_at: %v", ev.CreatedAt)
	}
}

func TestDecodeEventOptionalFieldsAbsent(t *testing.T) {
	raw := []byte(`{"id":"a2","created_at":"2026-08-01T12:00:00Z","is_threat":false,"confidence":0,"api_key_id":"key-2"}`)
	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.AttackCategory != nil || ev.DetectedLayer != nil || ev.LatencyMs != 0 {
		t.Fatalf("expected zero optionals, got %+v", ev)
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"id":`},
		{"missing id", `{"created_at":"2026-08-01T12:00:00Z","confidence":5}`},
		{"blank id", `{"id":"  ","created_at":"2026-08-01T12:00:00Z","confidence":5}`},
		{"missing created_at", `{"id":"x","confidence":5}`},
		{"bad created_at", `{"id":"x","created_at":"yesterday","confidence":5}`},
		{"confidence too high", `{"id":"x","created_at":"2026-08-01T12:00:00Z","confidence":101}`},
		{"negative confidence", `{"id":"x","created_at":"2026-08-01T12:00:00Z","confidence":-1}`},
		{"negative latency", `{"id":"x","created_at":"2026-08-01T12:00:00Z","confidence":5,"latency_ms":-3}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if !errors.Is(err, ErrMalformedRecord) {
				t.Fatalf("expected ErrMalformedRecord, got %v", err)
			}
		})
	}
}
