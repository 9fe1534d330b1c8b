package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"promptwatch/internal/api"
	"promptwatch/internal/model"
)

func newTestRunner(t *testing.T, handler http.Handler) (*Runner, *bytes.Buffer, *bytes.Buffer, []string) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("tok-1\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	runner := NewRunner(ts.URL, out, errOut)
	globals := []string{"--token-file", tokenPath}
	return runner, out, errOut, globals
}

func TestFeedCommandPrintsSnapshot(t *testing.T) {
	category := "jailbreak"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/feed" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Fatalf("missing bearer token")
		}
		_ = json.NewEncoder(w).Encode(api.FeedSnapshot{
			ConnectionState: "connected",
			Events: []api.EventResponse{
				{ID: "e1", CreatedAt: "2026-08-01T12:00:00Z", IsThreat: true, Confidence: 95.5, AttackCategory: &category},
			},
		})
	})
	runner, out, errOut, globals := newTestRunner(t, handler)

	code := runner.Run(context.Background(), append(globals, "feed"))
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut.String())
	}
	text := out.String()
	for _, want := range []string{"connection: connected", "e1", "threat", "95.5", "jailbreak"} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
}

func TestFeedCommandJSON(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.FeedSnapshot{ConnectionState: "connected"})
	})
	runner, out, _, globals := newTestRunner(t, handler)

	if code := runner.Run(context.Background(), append(globals, "feed", "-json")); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	var snapshot api.FeedSnapshot
	if err := json.Unmarshal(out.Bytes(), &snapshot); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if snapshot.ConnectionState != "connected" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestRequestsCommandForwardsFilters(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("is_threat") != "true" || q.Get("attack_category") != "jailbreak" || q.Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(api.RequestsEnvelope{
			Total: 1,
			Requests: []api.RequestItem{{
				EventResponse: api.EventResponse{ID: "e1", CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)},
			}},
		})
	})
	runner, out, errOut, globals := newTestRunner(t, handler)

	code := runner.Run(context.Background(), append(globals, "requests", "-threat", "true", "-category", "jailbreak", "-limit", "5"))
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "total: 1") {
		t.Fatalf("missing total line:\n%s", out.String())
	}
}

func TestUnauthorizedSuggestsLogin(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{
			Error: api.APIError{Code: model.ErrAuthInvalid, Message: "invalid or expired session"},
		})
	})
	runner, _, errOut, globals := newTestRunner(t, handler)

	if code := runner.Run(context.Background(), append(globals, "feed")); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "pwctl login") {
		t.Fatalf("expected login hint:\n%s", errOut.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	runner, _, errOut, _ := newTestRunner(t, http.NotFoundHandler())
	if code := runner.Run(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("expected usage message:\n%s", errOut.String())
	}
}

func TestKeysCreateRequiresName(t *testing.T) {
	runner, _, errOut, globals := newTestRunner(t, http.NotFoundHandler())
	if code := runner.Run(context.Background(), append(globals, "keys", "create")); code != 2 {
		t.Fatalf("expected exit 2, got %d: %s", code, errOut.String())
	}
}

func TestLoginSavesToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(api.LoginResponse{Token: "tok-fresh"})
	})
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	tokenPath := filepath.Join(t.TempDir(), "nested", "token")
	out := &bytes.Buffer{}
	runner := NewRunner(ts.URL, out, &bytes.Buffer{})

	code := runner.Run(context.Background(), []string{"--token-file", tokenPath, "login", "-email", "ops@example.com", "-password", "hunter2"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	raw, err := os.ReadFile(tokenPath)
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	if strings.TrimSpace(string(raw)) != "tok-fresh" {
		t.Fatalf("unexpected saved token: %q", raw)
	}
}
