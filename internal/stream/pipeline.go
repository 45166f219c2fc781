package stream

import (
	"errors"
	"time"

	"crowdwatch/internal/alert"
	"crowdwatch/internal/history"
	"crowdwatch/internal/metrics"
	"crowdwatch/internal/reading"
	"crowdwatch/internal/state"
	"crowdwatch/logger"
)

// Sink receives every accepted reading after the read model is updated,
// together with the alert flag stored for it. Offer must not block the
// message path.
type Sink interface {
	Offer(r reading.Reading, alert bool) bool
}

// Pipeline turns inbound frames into read model updates. A Connection calls
// Ingest from its event loop only, so the stores see one writer.
type Pipeline struct {
	Latest  *state.Store
	History *history.Buffer
	Labeler history.Labeler
	Alerts  alert.Evaluator
	Diag    Diagnostics
	// Sinks receive accepted readings; a full sink drops, it never blocks.
	Sinks []Sink

	now func() time.Time
}

var errIncompletePipeline = errors.New("pipeline requires a latest state store and a history buffer")

func (p *Pipeline) validate() error {
	if p == nil || p.Latest == nil || p.History == nil {
		return errIncompletePipeline
	}
	return nil
}

// Ingest decodes raw and, when it is a valid reading, updates the latest
// state, the alert flag and the history in that order. A rejected frame
// leaves every store untouched and is reported to Diag.
func (p *Pipeline) Ingest(raw []byte) error {
	logger.IncrementFrameRead(len(raw))
	metrics.ObserveFrame()

	now := time.Now
	if p.now != nil {
		now = p.now
	}

	r, err := reading.DecodeAt(raw, now())
	if err != nil {
		p.diagnostics().DecodeFailure(err, raw)
		return err
	}

	evaluator := p.Alerts
	if evaluator == nil {
		evaluator = alert.Passthrough{}
	}
	active := evaluator.Evaluate(r)

	p.Latest.Update(r, active)
	p.History.Push(p.Labeler.SampleFrom(r))

	logger.IncrementReadingAccepted()
	metrics.ObserveReading(r.Count, r.Density, active, p.History.Len())

	for _, sink := range p.Sinks {
		sink.Offer(r, active)
	}
	return nil
}

func (p *Pipeline) diagnostics() Diagnostics {
	if p.Diag == nil {
		return nopDiagnostics{}
	}
	return p.Diag
}
