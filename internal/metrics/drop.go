package metrics

import "cryptostream/logger"

// DropMetric names the reason an event never reached its destination.
type DropMetric string

const (
	// DropMetricBusEvicted counts events evicted from a full subscription ring.
	DropMetricBusEvicted DropMetric = "bus_events_evicted"
	// DropMetricMalformed counts upstream frames that failed to parse.
	DropMetricMalformed DropMetric = "malformed_messages_dropped"
	// DropMetricBelowThreshold counts aggregator events under the global floor.
	DropMetricBelowThreshold DropMetric = "below_threshold_dropped"
	// DropMetricOutOfOrder counts candles older than the last one delivered.
	DropMetricOutOfOrder DropMetric = "out_of_order_dropped"
	// DropMetricSinkFailed counts events the Kafka bridge could not write.
	DropMetricSinkFailed DropMetric = "sink_write_failed"
)

// EmitDropMetric records a single dropped event on the Prometheus counter and
// as a structured metric. Empty labels are omitted.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, topic, symbol, stage string) {
	recordDrop(metric, exchange, topic)

	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if topic != "" {
		fields["topic"] = topic
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
