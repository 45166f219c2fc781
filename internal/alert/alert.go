// Package alert derives the operator facing alert flag from a reading.
//
// The threshold decision is made by the stream server; the evaluator only
// interprets the flag it sent. Keeping it behind Evaluator lets smoothing
// policies (hysteresis, debouncing) slot in without touching ingestion.
package alert

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"crowdwatch/internal/reading"
)

// Evaluator decides whether a reading should raise the alert.
type Evaluator interface {
	Evaluate(r reading.Reading) bool
}

// EvaluatorFunc adapts a plain function to Evaluator.
type EvaluatorFunc func(r reading.Reading) bool

func (f EvaluatorFunc) Evaluate(r reading.Reading) bool {
	return f(r)
}

// Passthrough reflects the server supplied flag.
type Passthrough struct{}

func (Passthrough) Evaluate(r reading.Reading) bool {
	return Coerce(r.AlertRaw)
}

// Coerce converts the JSON text of a flag to a boolean. Absent and null
// values are false, numbers are true unless zero, strings follow
// strconv.ParseBool and otherwise count as true when non-empty, and any
// object or array is true.
func Coerce(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return false
	}

	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false
	}

	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		s := strings.TrimSpace(val)
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		return s != ""
	case nil:
		return false
	default:
		return true
	}
}
