package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"promptwatch/internal/model"
)

func TestNilFeedIsNoOp(t *testing.T) {
	var f *Feed
	f.EventReceived()
	f.EventMalformed()
	f.FlushApplied(3, 10)
	f.BackfillFailed()
	f.ConnectionState(model.ConnConnected)
}

func TestHandlerExposesFeedMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.Feed.EventReceived()
	reg.Feed.FlushApplied(2, 7)
	reg.Feed.ConnectionState(model.ConnConnected)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"promptwatch_feed_events_received_total 1",
		"promptwatch_feed_flushes_total 1",
		"promptwatch_feed_history_size 7",
		`promptwatch_feed_connection_state{state="connected"} 1`,
		`promptwatch_feed_connection_state{state="connecting"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
