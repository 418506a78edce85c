// Package audit records budget and lifecycle decisions to an append-only
// JSONL file and, when a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/visionforge/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Model     string `json:"model,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// Recorder writes audit entries. Construct with New and inject where
// decisions are made; there is no package-level state.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// New opens (or creates) homeDir/logs/audit.jsonl for appending.
func New(homeDir string) (*Recorder, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f}, nil
}

// SetDB attaches the database for audit_log table writes.
func (r *Recorder) SetDB(d *sql.DB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.db = d
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (r *Recorder) DenyCount() int64 {
	return r.denyCount.Load()
}

// Record appends one audit entry. The trace_id is taken from ctx when
// present. Secrets in reason and subject are redacted before anything
// touches disk.
func (r *Recorder) Record(ctx context.Context, decision, action, reason, model, subject string) {
	if decision == "deny" {
		r.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Model:     model,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}

	if r.db != nil {
		_, _ = r.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, model)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason, model)
	}
}
