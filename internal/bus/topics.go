package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
)

// Accounting topics.
const (
	TopicUsageRecorded = "usage.recorded"
	TopicBudgetDenied  = "budget.denied"
)

// TaskStateChangedEvent is published on every task state transition.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	Kind      string // Task kind (e.g. picture.explain)
	OldStatus string // Previous status (e.g. queued)
	NewStatus string // New status (e.g. running)
	WorkerID  int    // Executing worker, -1 before dequeue
}

// UsageRecordedEvent is published after a usage event and its rollups commit.
type UsageRecordedEvent struct {
	Model       string  // Model the call was billed to
	TokensIn    int     // Prompt tokens
	TokensOut   int     // Completion tokens
	TotalTokens int     // TokensIn + TokensOut
	CostUSD     float64 // Estimated cost
}

// BudgetDeniedEvent is published when admission control rejects a call.
type BudgetDeniedEvent struct {
	TaskID     string // Task that was denied
	Model      string // Model the check ran against
	UsedTokens int    // Tokens already consumed today
	CapTokens  int    // Configured daily cap
}
