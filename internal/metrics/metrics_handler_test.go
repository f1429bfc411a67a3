package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cryptostream/logger"
)

func resetMetricHandlers() {
	metricHandlersMu.Lock()
	metricHandlers = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID = 0
	metricHandlersMu.Unlock()
}

func TestRegisterMetricHandlerReturnsUniqueIDs(t *testing.T) {
	resetMetricHandlers()

	id := RegisterMetricHandler(func(Metric) {})
	if id == 0 {
		t.Fatalf("expected non-zero handler id")
	}

	second := RegisterMetricHandler(func(Metric) {})
	if second == 0 || second == id {
		t.Fatalf("expected unique handler id")
	}
}

func TestRegisterMetricHandlerNil(t *testing.T) {
	resetMetricHandlers()

	if id := RegisterMetricHandler(nil); id != 0 {
		t.Fatalf("expected zero id for nil handler, got %d", id)
	}
}

func TestEmitMetricDispatchesToHandlers(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) {
		events <- m
	})
	t.Cleanup(func() {
		UnregisterMetricHandler(id)
	})

	fields := logger.Fields{"exchange": "binance", "unit": "count"}
	EmitMetric(logger.Logger(), "detector", "spike_alerts", 3, "counter", fields)

	select {
	case event := <-events:
		if event.Component != "detector" || event.Name != "spike_alerts" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Label("exchange") != "binance" {
			t.Fatalf("label lost: %v", event.Fields)
		}
		if _, ok := fields["metric"]; ok {
			t.Fatalf("original fields mutated: %v", fields)
		}
		if _, ok := event.Fields["metric"]; ok {
			t.Fatalf("event fields should not contain metric key: %v", event.Fields)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked")
	}
}

func TestEmitMetricDefaultType(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "bus", "published", 7, "", nil)

	select {
	case event := <-events:
		if event.Type != "counter" {
			t.Fatalf("expected default metric type to be counter, got %s", event.Type)
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("metric handler not invoked for default type")
	}
}

func TestEmitMetricWithoutName(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitMetric(nil, "component", "", 1, "counter", nil)

	select {
	case <-events:
		t.Fatal("handler should not receive metrics without a name")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnregisterMetricHandler(t *testing.T) {
	resetMetricHandlers()

	called := 0
	id := RegisterMetricHandler(func(Metric) { called++ })
	UnregisterMetricHandler(id)
	UnregisterMetricHandler(id)

	EmitMetric(nil, "x", "y", 1, "counter", nil)
	if called != 0 {
		t.Fatalf("handler called after unregister")
	}
}

func TestEmitDropMetric(t *testing.T) {
	resetMetricHandlers()

	events := make(chan Metric, 1)
	id := RegisterMetricHandler(func(m Metric) { events <- m })
	t.Cleanup(func() { UnregisterMetricHandler(id) })

	EmitDropMetric(nil, DropMetricMalformed, "okx", "liquidation", "", "decode")

	want := `cryptostream_drops_total{exchange="okx",reason="malformed_messages_dropped",topic="liquidation"} 1`
	if body := scrape(t); !strings.Contains(body, want) {
		t.Fatalf("prometheus counter missing %q", want)
	}

	event := <-events
	if event.Name != string(DropMetricMalformed) || event.Label("stage") != "decode" {
		t.Fatalf("unexpected drop metric: %+v", event)
	}
	if _, ok := event.Fields["symbol"]; ok {
		t.Fatal("empty symbol label should be omitted")
	}
}

func TestPrometheusHandler(t *testing.T) {
	BusPublished("liquidations")
	SetStreamState("binance:kline", 2)

	body := scrape(t)
	for _, want := range []string{
		`cryptostream_bus_published_total{topic="liquidations"}`,
		`cryptostream_stream_state{stream="binance:kline"} 2`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics handler returned %d", rec.Code)
	}
	return rec.Body.String()
}
