package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	id := NewTraceID()
	ctx := WithTraceID(context.Background(), id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	if got := TaskID(context.Background()); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}
	ctx := WithTaskID(context.Background(), "task-123")
	if got := TaskID(ctx); got != "task-123" {
		t.Fatalf("expected task-123, got %q", got)
	}
}

func TestWorkerID_RoundTrip(t *testing.T) {
	if got := WorkerID(context.Background()); got != -1 {
		t.Fatalf("expected -1 for absent worker id, got %d", got)
	}
	ctx := WithWorkerID(context.Background(), 2)
	if got := WorkerID(ctx); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}
