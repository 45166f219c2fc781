package alert

import (
	"testing"

	"crowdwatch/internal/reading"
)

func TestCoerce(t *testing.T) {
	cases := map[string]bool{
		"":        false,
		"null":    false,
		"true":    true,
		"false":   false,
		"0":       false,
		"1":       true,
		"0.5":     true,
		`""`:      false,
		`"true"`:  true,
		`"false"`: false,
		`"yes"`:   true,
		`{}`:      true,
		`[]`:      true,
		"garbage": false,
	}
	for raw, want := range cases {
		if got := Coerce(raw); got != want {
			t.Fatalf("Coerce(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestPassthroughUsesServerFlag(t *testing.T) {
	var ev Evaluator = Passthrough{}
	if ev.Evaluate(reading.Reading{}) {
		t.Fatal("reading without alert flag evaluated to true")
	}
	if !ev.Evaluate(reading.Reading{AlertRaw: "true"}) {
		t.Fatal("alert flag true evaluated to false")
	}
}

func TestEvaluatorFunc(t *testing.T) {
	ev := EvaluatorFunc(func(r reading.Reading) bool { return r.Count > 100 })
	if ev.Evaluate(reading.Reading{Count: 5}) {
		t.Fatal("expected false below threshold")
	}
	if !ev.Evaluate(reading.Reading{Count: 150}) {
		t.Fatal("expected true above threshold")
	}
}
