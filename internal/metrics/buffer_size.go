package metrics

import (
	"context"
	"time"

	"crowdwatch/logger"
)

// BufferGauge describes one bounded buffer whose occupancy is reported.
type BufferGauge struct {
	Name     string
	Len      func() int
	Capacity int
}

// StartBufferMetrics emits occupancy metrics for the given buffers every
// interval until the context is cancelled. When interval <= 0 a one-second
// cadence is used.
func StartBufferMetrics(ctx context.Context, log *logger.Log, interval time.Duration, gauges ...BufferGauge) {
	if len(gauges) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	component := "buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, g := range gauges {
					if g.Len == nil {
						continue
					}
					EmitMetric(log, component, g.Name+"_length", g.Len(), "gauge", logger.Fields{
						"buffer":   g.Name,
						"capacity": g.Capacity,
					})
				}
			}
		}
	}()
}
