package stream

import (
	"errors"
	"sync/atomic"

	"crowdwatch/internal/metrics"
	"crowdwatch/internal/reading"
	"crowdwatch/logger"

	"golang.org/x/time/rate"
)

const maxSnippet = 256

// Diagnostics receives the non-fatal problems seen on the message path.
// Implementations must not block.
type Diagnostics interface {
	DecodeFailure(err error, raw []byte)
	TransportError(err error)
}

// LogDiagnostics counts every problem and logs them through a token bucket
// so a misbehaving server cannot flood the log.
type LogDiagnostics struct {
	log        *logger.Log
	location   string
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func NewLogDiagnostics(log *logger.Log, location string, perSecond float64, burst int) *LogDiagnostics {
	if log == nil {
		log = logger.GetLogger()
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &LogDiagnostics{
		log:      log,
		location: location,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (d *LogDiagnostics) DecodeFailure(err error, raw []byte) {
	reason := string(reading.MalformedPayload)
	field := ""
	var de *reading.DecodeError
	if errors.As(err, &de) {
		reason = string(de.Reason)
		field = de.Field
	}

	logger.IncrementDecodeFailure()
	metrics.ObserveRejected(reason)

	if !d.limiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	metrics.EmitDropMetric(d.log, metrics.DropMetricRejectedFrame, d.location, reason, "decode")
	d.log.WithComponent("stream").WithLocation(d.location).WithFields(logger.Fields{
		"reason":     reason,
		"field":      field,
		"frame":      snippet(raw),
		"suppressed": d.suppressed.Swap(0),
	}).WithError(err).Warn("discarded malformed frame")
}

func (d *LogDiagnostics) TransportError(err error) {
	metrics.ObserveTransportError()

	if !d.limiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	d.log.WithComponent("stream").WithLocation(d.location).
		WithFields(logger.Fields{"suppressed": d.suppressed.Swap(0)}).
		WithError(err).Warn("stream transport error")
}

// Suppressed reports how many diagnostics were counted but not logged since
// the last logged one.
func (d *LogDiagnostics) Suppressed() int64 {
	return d.suppressed.Load()
}

func snippet(raw []byte) string {
	if len(raw) > maxSnippet {
		return string(raw[:maxSnippet]) + "..."
	}
	return string(raw)
}

type nopDiagnostics struct{}

func (nopDiagnostics) DecodeFailure(error, []byte) {}
func (nopDiagnostics) TransportError(error)        {}
