// Prometheus collectors for the streaming pipeline, exposed by the API server
// on /metrics:
//
//	cryptostream_bus_published_total
//	cryptostream_drops_total
//	cryptostream_bus_subscribers
//	cryptostream_stream_state
//	cryptostream_stream_reconnects_total
//	cryptostream_upstream_events_total
//	cryptostream_http_retries_total
//	cryptostream_used_weight
//	cryptostream_rate_limited_total
//	cryptostream_spike_alerts_total
//	go_* and process_* system metrics
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	busPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_bus_published_total",
		Help: "Events published on the bus, by topic.",
	}, []string{"topic"})

	drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_drops_total",
		Help: "Events dropped before reaching a consumer, by reason.",
	}, []string{"reason", "exchange", "topic"})

	busSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cryptostream_bus_subscribers",
		Help: "Live subscriptions, by topic.",
	}, []string{"topic"})

	streamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cryptostream_stream_state",
		Help: "Current connection state of each websocket stream (0 disconnected .. 4 terminated).",
	}, []string{"stream"})

	streamReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_stream_reconnects_total",
		Help: "Reconnect attempts, by stream.",
	}, []string{"stream"})

	upstreamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_upstream_events_total",
		Help: "Canonical events produced by exchange connectors.",
	}, []string{"exchange", "type"})

	httpRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_http_retries_total",
		Help: "REST requests retried after a throttle or transport error.",
	}, []string{"exchange", "reason"})

	usedWeight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cryptostream_used_weight",
		Help: "Last request weight reported by the exchange.",
	}, []string{"exchange"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_rate_limited_total",
		Help: "Throttle responses and IP bans, by exchange.",
	}, []string{"exchange", "kind"})

	spikeAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cryptostream_spike_alerts_total",
		Help: "Open interest spike alerts published.",
	}, []string{"timeframe", "confirmed"})
)

func init() {
	registry.MustRegister(
		busPublished,
		drops,
		busSubscribers,
		streamState,
		streamReconnects,
		upstreamEvents,
		httpRetries,
		usedWeight,
		rateLimited,
		spikeAlerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the collectors in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

func recordDrop(metric DropMetric, exchange, topic string) {
	drops.WithLabelValues(string(metric), exchange, topic).Inc()
}

// BusEvicted counts a drop-oldest eviction without emitting a structured
// metric; evictions happen on the publish path.
func BusEvicted(topic string) {
	recordDrop(DropMetricBusEvicted, "", topic)
}

// BelowThreshold counts aggregator events under the USD floor; like
// BusEvicted it skips the structured metric since it runs per event.
func BelowThreshold(exchange, topic string) {
	recordDrop(DropMetricBelowThreshold, exchange, topic)
}

func BusPublished(topic string) {
	busPublished.WithLabelValues(topic).Inc()
}

func SetBusSubscribers(topic string, n int) {
	busSubscribers.WithLabelValues(topic).Set(float64(n))
}

func SetStreamState(stream string, state int) {
	streamState.WithLabelValues(stream).Set(float64(state))
}

func StreamReconnect(stream string) {
	streamReconnects.WithLabelValues(stream).Inc()
}

func UpstreamEvent(exchange, eventType string) {
	upstreamEvents.WithLabelValues(exchange, eventType).Inc()
}

func HTTPRetry(exchange, reason string) {
	httpRetries.WithLabelValues(exchange, reason).Inc()
}

func SetUsedWeight(exchange string, weight float64) {
	usedWeight.WithLabelValues(exchange).Set(weight)
}

func RateLimited(exchange, kind string) {
	rateLimited.WithLabelValues(exchange, kind).Inc()
}

func SpikeAlert(timeframe string, confirmed bool) {
	spikeAlerts.WithLabelValues(timeframe, strconv.FormatBool(confirmed)).Inc()
}
