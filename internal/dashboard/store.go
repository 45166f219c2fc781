package dashboard

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"crowdwatch/internal/metrics"
)

// metricStore retains the most recent metrics emitted through
// metrics.EmitMetric.
type metricStore struct {
	*window[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{window: newWindow[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.add(metric)
}

// logRecord is the serialisable form of a captured log entry.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook that keeps the most recent entries at or above
// minLevel for /api/logs.
type logStore struct {
	*window[logRecord]
	minLevel logrus.Level
	enabled  atomic.Bool
}

func newLogStore(limit int, minLevel logrus.Level) *logStore {
	ls := &logStore{window: newWindow[logRecord](limit), minLevel: minLevel}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, l := range logrus.AllLevels {
		if l <= s.minLevel {
			levels = append(levels, l)
		}
	}
	return levels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				continue
			}
			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.add(record)
	return nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
