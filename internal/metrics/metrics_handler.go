package metrics

import (
	"sort"
	"sync"
	"time"

	"crowdwatch/logger"
)

// Metric is one structured metric event. Location repeats the location_id
// field so the dashboard can show it without digging through Fields.
type Metric struct {
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Name      string        `json:"name"`
	Value     interface{}   `json:"value"`
	Type      string        `json:"type"`
	Location  string        `json:"location_id,omitempty"`
	Fields    logger.Fields `json:"fields,omitempty"`
}

// MetricHandler consumes metric events. It runs on the emitting goroutine,
// which may be the stream event loop, so it must return quickly.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registration; zero is never issued.
type MetricHandlerID uint64

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[MetricHandlerID]MetricHandler
	lastID   MetricHandlerID
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[MetricHandlerID]MetricHandler)}
}

var metricHandlers = newHandlerRegistry()

func (r *handlerRegistry) add(h MetricHandler) MetricHandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastID++
	r.handlers[r.lastID] = h
	return r.lastID
}

func (r *handlerRegistry) remove(id MetricHandlerID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// snapshot returns the handlers in registration order.
func (r *handlerRegistry) snapshot() []MetricHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.handlers) == 0 {
		return nil
	}
	ids := make([]MetricHandlerID, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]MetricHandler, len(ids))
	for i, id := range ids {
		out[i] = r.handlers[id]
	}
	return out
}

// RegisterMetricHandler subscribes handler to every emitted metric. A nil
// handler is ignored and gets the zero id.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	return metricHandlers.add(handler)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		metricHandlers.remove(id)
	}
}

func dispatchMetric(metric Metric) {
	for _, handler := range metricHandlers.snapshot() {
		handler(metric)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
