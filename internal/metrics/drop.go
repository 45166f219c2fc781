package metrics

import "crowdwatch/logger"

// DropMetric identifies the metric name emitted when a reading is discarded.
type DropMetric string

const (
	// DropMetricRejectedFrame records inbound frames that failed to decode.
	DropMetricRejectedFrame DropMetric = "frames_rejected"
	// DropMetricArchiveQueue records accepted readings the archive queue had no room for.
	DropMetricArchiveQueue DropMetric = "archive_readings_dropped"
	// DropMetricRelayQueue records accepted readings the Kafka relay had no room for.
	DropMetricRelayQueue DropMetric = "relay_readings_dropped"
)

// EmitDropMetric logs and emits a metric representing one discarded reading.
// Optional metadata (location, reason, stage) is added to the metric fields
// when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, location, reason, stage string) {
	fields := logger.Fields{}
	if location != "" {
		fields[logger.FieldLocation] = location
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "reading_drops", string(metric), 1, "counter", fields)
}
