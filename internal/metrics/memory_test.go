package metrics

import (
	"context"
	"testing"
)

func TestMemorySinkRecordAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := s.Record(ctx, "run-a", 0, map[string]float64{"loss/input": 2.5}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, "run-a", 1, map[string]float64{"loss/input": 2.1}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, "run-b", 0, map[string]float64{"loss/input": 9.0}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	history, ok, err := s.History(ctx, "run-a")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !ok {
		t.Fatalf("History reported run-a missing")
	}
	if len(history) != 2 {
		t.Fatalf("run-a history has %d steps, want 2", len(history))
	}
	if history[0].Step != 0 || history[1].Step != 1 {
		t.Fatalf("history steps out of order: %+v", history)
	}
	if history[1].Values["loss/input"] != 2.1 {
		t.Fatalf("step 1 value = %v, want 2.1", history[1].Values["loss/input"])
	}

	if _, ok, err := s.History(ctx, "run-c"); err != nil || ok {
		t.Fatalf("History for unknown run: ok=%t err=%v", ok, err)
	}
}

func TestMemorySinkCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySink()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	values := map[string]float64{"loss/input": 1.0}
	if err := s.Record(ctx, "run", 0, values); err != nil {
		t.Fatalf("Record: %v", err)
	}
	values["loss/input"] = 99

	history, _, err := s.History(ctx, "run")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if history[0].Values["loss/input"] != 1.0 {
		t.Fatalf("sink aliased the caller's map")
	}
}

func TestFactoryKinds(t *testing.T) {
	if _, err := NewSink("memory", ""); err != nil {
		t.Fatalf("NewSink(memory): %v", err)
	}
	if _, err := NewSink("", ""); err != nil {
		t.Fatalf("NewSink default: %v", err)
	}
	if _, err := NewSink("carbon", ""); err == nil {
		t.Fatalf("NewSink accepted an unsupported backend")
	}
}

func TestCloseIfSupportedIgnoresPlainSinks(t *testing.T) {
	if err := CloseIfSupported(NewMemorySink()); err != nil {
		t.Fatalf("CloseIfSupported: %v", err)
	}
}
