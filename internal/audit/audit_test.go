package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/visionforge/internal/shared"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	rec, err := New(home)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	rec.Record(context.Background(), "deny", "budget.check", "daily_cap_exceeded", "gpt-4o", "task-1")
	rec.Record(context.Background(), "allow", "budget.check", "under_cap", "gpt-4o-mini", "task-2")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["decision"] != "deny" {
		t.Fatalf("expected deny decision, got %#v", first["decision"])
	}
	if first["action"] != "budget.check" {
		t.Fatalf("expected action budget.check, got %#v", first["action"])
	}
	if first["reason"] == "" || first["model"] == "" {
		t.Fatalf("expected reason and model in audit entry: %#v", first)
	}
	if got := rec.DenyCount(); got != 1 {
		t.Fatalf("deny count = %d, want 1", got)
	}
	if first["trace_id"] != "-" {
		t.Fatalf("trace_id = %#v, want - without trace context", first["trace_id"])
	}
}

func TestRecordCarriesTraceID(t *testing.T) {
	home := t.TempDir()
	rec, err := New(home)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-abc-123")
	rec.Record(ctx, "allow", "budget.check", "under_cap", "gpt-4o", "task-9")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var e map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &e); err != nil {
		t.Fatalf("unmarshal audit entry: %v", err)
	}
	if e["trace_id"] != "trace-abc-123" {
		t.Fatalf("trace_id = %#v", e["trace_id"])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	rec, err := New(home)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	rec.Record(context.Background(), "allow", "budget.check", "under_cap", "gpt-4o-mini", "task-1")
	rec.Record(context.Background(), "deny", "budget.check", "daily_cap_exceeded", "gpt-4o", "task-2")

	path := filepath.Join(home, "logs", "audit.jsonl")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	rec.Record(context.Background(), "allow", "model.downgrade", "preferred_over_threshold", "gpt-4o-mini", "task-3")

	// File size must grow (append-only).
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, info2.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}

	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["decision"]; !ok {
			t.Fatalf("line %d missing decision", i)
		}
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	rec, err := New(home)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	rec.Record(context.Background(), "deny", "provider.call", "rejected key sk-proj-abcdefghijklmnopqrstuvwx", "gpt-4o", "task-1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "sk-proj-abcdefghijklmnopqrstuvwx") {
		t.Fatalf("secret leaked into audit log: %s", raw)
	}
}
