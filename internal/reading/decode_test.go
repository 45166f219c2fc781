package reading

import (
	"errors"
	"testing"
	"time"
)

var received = time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)

func TestDecodeValidFrame(t *testing.T) {
	raw := []byte(`{"location_id":"demo-square","count":9,"density":0.4,"timestamp":"2024-01-01T00:00:05Z","alert":true}`)

	r, err := DecodeAt(raw, received)
	if err != nil {
		t.Fatalf("DecodeAt returned error: %v", err)
	}
	if r.Count != 9 || r.Density != 0.4 {
		t.Fatalf("unexpected values: %+v", r)
	}
	want := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	if !r.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", r.Timestamp, want)
	}
	if r.AlertRaw != "true" {
		t.Fatalf("AlertRaw = %q, want %q", r.AlertRaw, "true")
	}
	if r.LocationID != "demo-square" {
		t.Fatalf("LocationID = %q", r.LocationID)
	}
	if !r.ReceivedAt.Equal(received) {
		t.Fatalf("ReceivedAt = %v", r.ReceivedAt)
	}
}

func TestDecodeMissingAlertIsNotFailure(t *testing.T) {
	r, err := DecodeAt([]byte(`{"count":5,"density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`), received)
	if err != nil {
		t.Fatalf("DecodeAt returned error: %v", err)
	}
	if r.AlertRaw != "" {
		t.Fatalf("AlertRaw = %q, want empty", r.AlertRaw)
	}

	r, err = DecodeAt([]byte(`{"count":5,"density":0.2,"timestamp":"2024-01-01T00:00:00Z","alert":null}`), received)
	if err != nil {
		t.Fatalf("DecodeAt returned error for null alert: %v", err)
	}
	if r.AlertRaw != "" {
		t.Fatalf("AlertRaw = %q for null alert, want empty", r.AlertRaw)
	}
}

func TestDecodeCoercesNumbers(t *testing.T) {
	cases := map[string]int64{
		`{"count":"12","density":"0.5","timestamp":"2024-01-01T00:00:00Z"}`: 12,
		`{"count":7.0,"density":1,"timestamp":"2024-01-01T00:00:00Z"}`:      7,
		`{"count":1e3,"density":0,"timestamp":"2024-01-01T00:00:00Z"}`:      1000,
	}
	for raw, want := range cases {
		r, err := DecodeAt([]byte(raw), received)
		if err != nil {
			t.Fatalf("DecodeAt(%s) returned error: %v", raw, err)
		}
		if r.Count != want {
			t.Fatalf("DecodeAt(%s).Count = %d, want %d", raw, r.Count, want)
		}
	}
}

func TestDecodeTimestampLayouts(t *testing.T) {
	inputs := []string{
		"2024-01-01T00:00:05Z",
		"2024-01-01T00:00:05.000000+00:00",
		"2024-01-01T01:00:05+01:00",
		"2024-01-01T00:00:05",
		"2024-01-01 00:00:05",
	}
	want := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	for _, in := range inputs {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q) returned error: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDecodeRejections(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		reason Reason
	}{
		{"not json", `not json`, MalformedPayload},
		{"empty", ``, MalformedPayload},
		{"array", `[1,2,3]`, MalformedPayload},
		{"null", `null`, MalformedPayload},
		{"string", `"hello"`, MalformedPayload},
		{"missing count", `{"density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"negative count", `{"count":-1,"density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"fractional count", `{"count":1.5,"density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"bool count", `{"count":true,"density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"text count", `{"count":"many","density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"hex float count", `{"count":"0x1p3","density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"hex count", `{"count":"0X10","density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"underscore count", `{"count":"1_000","density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"empty count", `{"count":" ","density":0.2,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidCount},
		{"missing density", `{"count":1,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidDensity},
		{"text density", `{"count":1,"density":"dense","timestamp":"2024-01-01T00:00:00Z"}`, InvalidDensity},
		{"negative density", `{"count":1,"density":-0.1,"timestamp":"2024-01-01T00:00:00Z"}`, InvalidDensity},
		{"nan density", `{"count":1,"density":"NaN","timestamp":"2024-01-01T00:00:00Z"}`, InvalidDensity},
		{"inf density", `{"count":1,"density":"Inf","timestamp":"2024-01-01T00:00:00Z"}`, InvalidDensity},
		{"hex density", `{"count":1,"density":"0x1p-2","timestamp":"2024-01-01T00:00:00Z"}`, InvalidDensity},
		{"missing timestamp", `{"count":1,"density":0.1}`, InvalidTimestamp},
		{"bad timestamp", `{"count":1,"density":0.1,"timestamp":"yesterday"}`, InvalidTimestamp},
		{"numeric timestamp", `{"count":1,"density":0.1,"timestamp":1704067200}`, InvalidTimestamp},
		{"impossible date", `{"count":1,"density":0.1,"timestamp":"2024-13-45T00:00:00Z"}`, InvalidTimestamp},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := DecodeAt([]byte(tc.raw), received)
			if err == nil {
				t.Fatalf("expected failure, got reading %+v", r)
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("error %T is not a *DecodeError", err)
			}
			if decodeErr.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s", decodeErr.Reason, tc.reason)
			}
			if r != (Reading{}) {
				t.Fatalf("partial reading returned on failure: %+v", r)
			}
		})
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	err := &DecodeError{Reason: InvalidCount, Field: "count", Err: errNegative}
	if got, want := err.Error(), "invalid_count (count): negative value"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, errNegative) {
		t.Fatal("DecodeError does not unwrap to its cause")
	}
}
