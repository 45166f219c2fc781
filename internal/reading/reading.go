// Package reading decodes crowd telemetry frames into validated readings.
package reading

import "time"

// Reading is one validated telemetry sample. It is passed by value and never
// modified after Decode returns it.
type Reading struct {
	LocationID string    `json:"location_id,omitempty"`
	Count      int64     `json:"count"`
	Density    float64   `json:"density"`
	Timestamp  time.Time `json:"timestamp"`
	// AlertRaw is the JSON text of the server supplied alert flag, empty when
	// the frame carried none.
	AlertRaw   string    `json:"alert_raw,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Reason classifies why a frame was rejected.
type Reason string

const (
	MalformedPayload Reason = "malformed_payload"
	InvalidCount     Reason = "invalid_count"
	InvalidDensity   Reason = "invalid_density"
	InvalidTimestamp Reason = "invalid_timestamp"
)

// DecodeError is returned by Decode for every rejected frame.
type DecodeError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := string(e.Reason)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
