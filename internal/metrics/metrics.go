package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"promptwatch/internal/model"
)

// Feed instruments the live feed pipeline. A nil *Feed is a valid no-op
// receiver so the feed core can run uninstrumented in tests.
type Feed struct {
	eventsReceived  prometheus.Counter
	eventsMalformed prometheus.Counter
	flushes         prometheus.Counter
	batchSize       prometheus.Histogram
	historySize     prometheus.Gauge
	connState       *prometheus.GaugeVec
	backfillErrors  prometheus.Counter
}

type Registry struct {
	reg  *prometheus.Registry
	Feed *Feed
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	feed := &Feed{
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptwatch_feed_events_received_total",
			Help: "Stream records delivered to the feed subscriber.",
		}),
		eventsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptwatch_feed_events_malformed_total",
			Help: "Stream records dropped because they failed to parse.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptwatch_feed_flushes_total",
			Help: "Batch flushes applied to the bounded history.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promptwatch_feed_batch_size",
			Help:    "Events per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		historySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptwatch_feed_history_size",
			Help: "Events currently held in the bounded history.",
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "promptwatch_feed_connection_state",
			Help: "Change-stream connection state (1 for the active state).",
		}, []string{"state"}),
		backfillErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptwatch_feed_backfill_errors_total",
			Help: "Backfill queries that failed.",
		}),
	}
	reg.MustRegister(
		feed.eventsReceived,
		feed.eventsMalformed,
		feed.flushes,
		feed.batchSize,
		feed.historySize,
		feed.connState,
		feed.backfillErrors,
	)
	return &Registry{reg: reg, Feed: feed}
}

// Handler exposes the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (f *Feed) EventReceived() {
	if f != nil {
		f.eventsReceived.Inc()
	}
}

func (f *Feed) EventMalformed() {
	if f != nil {
		f.eventsMalformed.Inc()
	}
}

func (f *Feed) FlushApplied(batch, historyLen int) {
	if f == nil {
		return
	}
	f.flushes.Inc()
	f.batchSize.Observe(float64(batch))
	f.historySize.Set(float64(historyLen))
}

func (f *Feed) BackfillFailed() {
	if f != nil {
		f.backfillErrors.Inc()
	}
}

func (f *Feed) ConnectionState(state model.ConnectionState) {
	if f == nil {
		return
	}
	for _, s := range []model.ConnectionState{model.ConnConnecting, model.ConnConnected, model.ConnDisconnected} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		f.connState.WithLabelValues(string(s)).Set(v)
	}
}
