package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task. Transitions are strictly
// Queued -> Running -> Done|Error; terminal states never change.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "QUEUED"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusDone    TaskStatus = "DONE"
	TaskStatusError   TaskStatus = "ERROR"
)

// Task kinds. Each kind maps to a prompt template and an artifact write
// mode.
const (
	KindPictureExplain = "picture.explain"
	KindWaxStack       = "wax.stack"
	KindWorldRender    = "world.render"
)

var (
	// ErrTaskNotFound is returned by GetStatus for unknown or evicted IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrQueueSaturated is returned when the queue exceeds MaxQueueDepth.
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")

	// ErrUnknownKind is returned by Submit for an unregistered task kind.
	ErrUnknownKind = errors.New("unknown task kind")
)

// Payload is the validated submission body shared by all task kinds.
type Payload struct {
	Prompt    string            `json:"prompt"`
	ParentRef string            `json:"parent_ref"`
	Email     string            `json:"email"`
	ImageRef  string            `json:"image_ref,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Task is one unit of queued work. The engine owns the canonical copy;
// reads go through GetStatus which returns a snapshot.
type Task struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id,omitempty"`
	Kind    string          `json:"kind"`
	Status  TaskStatus      `json:"status"`
	Payload json.RawMessage `json:"payload"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	// PersistWarning is set when the task finished but a ledger or
	// artifact write failed. The task still counts as Done.
	PersistWarning string `json:"persist_warning,omitempty"`

	Model      string  `json:"model,omitempty"`
	Downgraded bool    `json:"downgraded,omitempty"`
	TokensIn   int     `json:"tokens_in,omitempty"`
	TokensOut  int     `json:"tokens_out,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	WorkerID   int     `json:"worker_id,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// terminal reports whether the status admits no further transitions.
func (s TaskStatus) terminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

func (t *Task) decodePayload() (Payload, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
