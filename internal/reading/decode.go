package reading

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	errMissing    = errors.New("field missing")
	errNotNumber  = errors.New("not a number")
	errNegative   = errors.New("negative value")
	errFractional = errors.New("not an integer")
	errNotString  = errors.New("not a string")
)

// decimalText is the JSON number grammar, with an optional leading plus, for
// numbers sent as strings. It keeps strconv from accepting hex floats,
// "Inf" and "NaN".
var decimalText = regexp.MustCompile(`^[+-]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][+-]?\d+)?$`)

// timestampLayouts are tried in order. Zone-less values are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Decode validates one inbound frame, stamping it with the current time.
func Decode(raw []byte) (Reading, error) {
	return DecodeAt(raw, time.Now().UTC())
}

// DecodeAt validates one inbound frame. It either returns a fully populated
// Reading or a *DecodeError; it never panics on hostile input.
func DecodeAt(raw []byte, receivedAt time.Time) (Reading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Reading{}, &DecodeError{Reason: MalformedPayload, Err: err}
	}
	if fields == nil {
		return Reading{}, &DecodeError{Reason: MalformedPayload, Err: errors.New("payload is not an object")}
	}

	count, err := decodeCount(fields["count"])
	if err != nil {
		return Reading{}, &DecodeError{Reason: InvalidCount, Field: "count", Err: err}
	}

	density, err := decodeDensity(fields["density"])
	if err != nil {
		return Reading{}, &DecodeError{Reason: InvalidDensity, Field: "density", Err: err}
	}

	ts, err := decodeTimestamp(fields["timestamp"])
	if err != nil {
		return Reading{}, &DecodeError{Reason: InvalidTimestamp, Field: "timestamp", Err: err}
	}

	var locationID string
	if rawID, ok := fields["location_id"]; ok && !isNull(rawID) {
		// A mistyped location id is ignored; it is informational only.
		_ = json.Unmarshal(rawID, &locationID)
	}

	alertRaw := ""
	if rawAlert, ok := fields["alert"]; ok && !isNull(rawAlert) {
		alertRaw = string(bytes.TrimSpace(rawAlert))
	}

	return Reading{
		LocationID: locationID,
		Count:      count,
		Density:    density,
		Timestamp:  ts,
		AlertRaw:   alertRaw,
		ReceivedAt: receivedAt,
	}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// numberText extracts the textual number from a JSON number or a numeric
// JSON string.
func numberText(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", errMissing
	}
	trimmed := bytes.TrimSpace(raw)
	switch c := trimmed[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		s = strings.TrimSpace(s)
		if !decimalText.MatchString(s) {
			return "", errNotNumber
		}
		return s, nil
	case c == '-' || (c >= '0' && c <= '9'):
		return string(trimmed), nil
	default:
		return "", errNotNumber
	}
}

func decodeCount(raw json.RawMessage) (int64, error) {
	text, err := numberText(raw)
	if err != nil {
		return 0, err
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		if n < 0 {
			return 0, errNegative
		}
		return n, nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotNumber
	}
	if f < 0 {
		return 0, errNegative
	}
	if f != math.Trunc(f) {
		return 0, errFractional
	}
	if f >= math.MaxInt64 {
		return 0, fmt.Errorf("count %s out of range", text)
	}
	return int64(f), nil
}

func decodeDensity(raw json.RawMessage) (float64, error) {
	text, err := numberText(raw)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotNumber
	}
	if f < 0 {
		return 0, errNegative
	}
	return f, nil
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, errMissing
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, errNotString
	}
	return ParseTimestamp(s)
}

// ParseTimestamp parses an ISO-8601 instant as emitted by the stream server.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errMissing
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
