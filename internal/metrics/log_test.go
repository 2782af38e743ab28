package metrics

import (
	"context"
	"strings"
	"testing"
)

func TestLogSinkFormatsSortedKeyValues(t *testing.T) {
	var buf strings.Builder
	s := NewLogSink(&buf)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	err := s.Record(context.Background(), "run-1", 7, map[string]float64{
		"loss/h.0":   1.5,
		"loss/input": 2.25,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	got := buf.String()
	want := "run=run-1 step=7 loss/h.0=1.500000 loss/input=2.250000\n"
	if got != want {
		t.Fatalf("log line = %q, want %q", got, want)
	}

	if _, ok, err := s.History(context.Background(), "run-1"); err != nil || ok {
		t.Fatalf("log sink claims to keep history: ok=%t err=%v", ok, err)
	}
}
