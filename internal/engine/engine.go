// Package engine runs the in-process job pipeline: validated submissions
// enter an in-memory FIFO, a worker pool polls it, each task makes one
// budget-guarded provider call, and the outcome lands in the usage ledger
// and the artifact store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/visionforge/internal/budget"
	"github.com/basket/visionforge/internal/bus"
	"github.com/basket/visionforge/internal/llm"
	"github.com/basket/visionforge/internal/otel"
	"github.com/basket/visionforge/internal/persistence"
	"github.com/basket/visionforge/internal/pricing"
	"github.com/basket/visionforge/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	WorkerCount     int
	PollInterval    time.Duration
	TaskTimeout     time.Duration
	MaxQueueDepth   int // 0 = unlimited
	RetentionWindow time.Duration
	AppendSeparator string
	Bus             *bus.Bus
}

// Status is the engine health snapshot exposed by the gateway.
type Status struct {
	WorkerCount int        `json:"worker_count"`
	ActiveTasks int32      `json:"active_tasks"`
	Queue       QueueStats `json:"queue"`
	LastError   string     `json:"last_error,omitempty"`
}

// BatchItem is one entry of a batch submission. All tasks of a batch
// share a run ID.
type BatchItem struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type Engine struct {
	store     *persistence.Store
	guard     *budget.Guard
	client    llm.Client
	config    Config
	bus       *bus.Bus
	metrics   *otel.Metrics // may be nil
	logger    *slog.Logger
	validator *PayloadValidator
	table     *taskTable
	now       func() time.Time

	once sync.Once
	wg   sync.WaitGroup

	draining    atomic.Bool
	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

func New(store *persistence.Store, guard *budget.Guard, client llm.Client, cfg Config, metrics *otel.Metrics, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine requires a store")
	}
	if guard == nil {
		return nil, errors.New("engine requires a budget guard")
	}
	if client == nil {
		return nil, errors.New("engine requires an llm client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 24 * time.Hour
	}
	if cfg.AppendSeparator == "" {
		cfg.AppendSeparator = "\n\n---\n\n"
	}
	validator, err := NewPayloadValidator()
	if err != nil {
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}
	return &Engine{
		store:     store,
		guard:     guard,
		client:    client,
		config:    cfg,
		bus:       cfg.Bus,
		metrics:   metrics,
		logger:    logger,
		validator: validator,
		table:     newTaskTable(),
		now:       time.Now,
	}, nil
}

func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		for i := 0; i < e.config.WorkerCount; i++ {
			workerID := i + 1
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx, workerID)
			}()
		}
		e.logger.Info("engine started",
			"workers", e.config.WorkerCount,
			"poll_interval", e.config.PollInterval,
			"max_queue_depth", e.config.MaxQueueDepth)
	})
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain gracefully stops intake and waits for in-flight tasks to finish
// within the given timeout. Tasks still queued after the timeout stay in
// the table as QUEUED; they are lost when the process exits, which is
// the documented contract of an in-memory queue.
func (e *Engine) Drain(timeout time.Duration) {
	e.draining.Store(true)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.activeTasks.Load() == 0 && e.table.depth() == 0 {
			e.logger.Info("engine drained cleanly")
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.logger.Warn("engine drain timeout; queued tasks will be lost on exit",
		"timeout", timeout,
		"queued", e.table.depth(),
		"active", e.activeTasks.Load())
}

// Submit validates and enqueues one task. It never blocks: a saturated
// queue is rejected immediately with ErrQueueSaturated.
func (e *Engine) Submit(ctx context.Context, kind string, payload json.RawMessage) (*Task, error) {
	return e.submit(ctx, kind, payload, "")
}

// SubmitBatch enqueues a group of tasks under a shared run ID. The batch
// is all-or-nothing: every payload is validated and the queue capacity
// for the whole batch is reserved before any task is enqueued, so a bad
// item or a saturated queue rejects the batch without half-submitting it.
func (e *Engine) SubmitBatch(ctx context.Context, items []BatchItem) ([]*Task, error) {
	if len(items) == 0 {
		return nil, errors.New("empty batch")
	}
	for i, item := range items {
		if err := e.validator.Validate(item.Kind, item.Payload); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	if e.draining.Load() {
		return nil, errors.New("engine is draining")
	}

	runID := uuid.NewString()
	tasks := make([]*Task, 0, len(items))
	for _, item := range items {
		tasks = append(tasks, &Task{
			ID:          uuid.NewString(),
			RunID:       runID,
			Kind:        item.Kind,
			Status:      TaskStatusQueued,
			Payload:     item.Payload,
			SubmittedAt: e.now().UTC(),
		})
	}
	if err := e.table.enqueueAll(tasks, e.config.MaxQueueDepth); err != nil {
		e.logger.Warn("queue backpressure applied",
			"depth", e.table.depth(),
			"max", e.config.MaxQueueDepth,
			"batch", len(tasks))
		return nil, err
	}

	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		e.publishStateChange(t.ID, t.Kind, "", TaskStatusQueued, -1)
		snap := *t
		out = append(out, &snap)
	}
	return out, nil
}

func (e *Engine) submit(_ context.Context, kind string, payload json.RawMessage, runID string) (*Task, error) {
	if err := e.validator.Validate(kind, payload); err != nil {
		return nil, err
	}
	if e.draining.Load() {
		return nil, errors.New("engine is draining")
	}

	t := &Task{
		ID:          uuid.NewString(),
		RunID:       runID,
		Kind:        kind,
		Status:      TaskStatusQueued,
		Payload:     payload,
		SubmittedAt: e.now().UTC(),
	}
	// Backpressure at intake: the depth check and the append are atomic.
	if err := e.table.enqueueAll([]*Task{t}, e.config.MaxQueueDepth); err != nil {
		e.logger.Warn("queue backpressure applied",
			"depth", e.table.depth(),
			"max", e.config.MaxQueueDepth)
		return nil, err
	}
	e.publishStateChange(t.ID, kind, "", TaskStatusQueued, -1)
	snap := *t
	return &snap, nil
}

// GetStatus returns a snapshot of the task, or ErrTaskNotFound for
// unknown and already-evicted IDs.
func (e *Engine) GetStatus(id string) (*Task, error) {
	t := e.table.get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// ListQueueStats counts tasks by lifecycle state.
func (e *Engine) ListQueueStats() QueueStats {
	return e.table.stats()
}

// Kinds returns the registered task kinds.
func (e *Engine) Kinds() []string {
	return e.validator.Kinds()
}

// Bus returns the event bus, or nil if not configured.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

func (e *Engine) Status() Status {
	status := Status{
		WorkerCount: e.config.WorkerCount,
		ActiveTasks: e.activeTasks.Load(),
		Queue:       e.table.stats(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}

// EvictTerminalTasks removes Done and Error tasks older than the
// retention window. Called by the retention sweeper.
func (e *Engine) EvictTerminalTasks() int {
	cutoff := e.now().Add(-e.config.RetentionWindow)
	evicted := e.table.evictTerminalBefore(cutoff)
	if evicted > 0 {
		e.logger.Info("terminal tasks evicted", "count", evicted)
	}
	return evicted
}

func (e *Engine) worker(ctx context.Context, workerID int) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := e.table.dequeue(workerID, e.now().UTC())
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		e.handleTask(ctx, workerID, task)
	}
}

func (e *Engine) handleTask(ctx context.Context, workerID int, task *Task) {
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)
	if e.metrics != nil {
		e.metrics.ActiveWorkers.Add(ctx, 1)
		defer e.metrics.ActiveWorkers.Add(ctx, -1)
	}

	// Every task execution gets its own trace_id for log and audit correlation.
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithWorkerID(ctx, workerID)

	e.logger.Info("task processing",
		"task_id", task.ID,
		"kind", task.Kind,
		"worker_id", workerID,
		"trace_id", traceID)
	e.publishStateChange(task.ID, task.Kind, TaskStatusQueued, TaskStatusRunning, workerID)

	taskCtx, cancel := context.WithTimeout(ctx, e.config.TaskTimeout)
	defer cancel()

	started := e.now()

	payload, err := task.decodePayload()
	if err != nil {
		e.failTask(task, err.Error())
		return
	}

	decision, err := e.guard.Admit(taskCtx, task.ID)
	if err != nil {
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			if e.metrics != nil {
				e.metrics.BudgetDenials.Add(ctx, 1,
					metric.WithAttributes(attribute.String("model", exceeded.Model)))
			}
			e.failTask(task, err.Error())
			if exceeded.HardStop && task.RunID != "" {
				e.abortRun(task.RunID, fmt.Sprintf("run aborted: %s", err.Error()))
			}
			return
		}
		e.failTask(task, fmt.Sprintf("budget check: %s", err.Error()))
		return
	}

	spec := kindSpecs[task.Kind]
	resp, err := e.client.Complete(taskCtx, llm.Request{
		Model:  decision.Model,
		System: spec.system,
		Prompt: buildPrompt(task.Kind, payload),
	})
	if err != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("task timeout exceeded: %w", taskCtx.Err())
		}
		e.failTask(task, fmt.Sprintf("provider error: %s", err.Error()))
		return
	}

	cost := pricing.EstimateCost(decision.Model, resp.TokensIn, resp.TokensOut)

	// Ledger and artifact writes happen after the provider call succeeded.
	// Their failure downgrades to a warning: the completion is real and
	// the caller gets it either way.
	var warnings []string

	usageErr := e.store.RecordUsage(context.Background(), persistence.UsageRecord{
		Model:      decision.Model,
		Endpoint:   spec.endpoint,
		Email:      payload.Email,
		RequestID:  traceID,
		TokensIn:   resp.TokensIn,
		TokensOut:  resp.TokensOut,
		DurationMS: resp.Duration.Milliseconds(),
		CostUSD:    cost,
		TaskID:     task.ID,
		Kind:       task.Kind,
		Meta:       payload.Metadata,
	})
	if usageErr != nil {
		e.setLastError(fmt.Errorf("record usage: %w", usageErr))
		warnings = append(warnings, fmt.Sprintf("usage not recorded: %s", usageErr.Error()))
	} else {
		e.publishEvent(bus.TopicUsageRecorded, bus.UsageRecordedEvent{
			Model:       decision.Model,
			TokensIn:    resp.TokensIn,
			TokensOut:   resp.TokensOut,
			TotalTokens: resp.TokensIn + resp.TokensOut,
			CostUSD:     cost,
		})
	}

	_, _, artErr := e.store.UpsertArtifact(context.Background(), persistence.ArtifactInput{
		ParentRef: payload.ParentRef,
		Email:     payload.Email,
		Kind:      task.Kind,
		Body:      resp.Text,
		Metadata:  payload.Metadata,
	}, spec.mode, e.config.AppendSeparator)
	if artErr != nil {
		e.setLastError(fmt.Errorf("persist artifact: %w", artErr))
		warnings = append(warnings, fmt.Sprintf("artifact not persisted: %s", artErr.Error()))
	}

	finished := e.now().UTC()
	e.table.update(task.ID, func(t *Task) {
		t.Status = TaskStatusDone
		t.Result = resp.Text
		t.Model = decision.Model
		t.Downgraded = decision.Downgraded
		t.TokensIn = resp.TokensIn
		t.TokensOut = resp.TokensOut
		t.CostUSD = cost
		t.PersistWarning = strings.Join(warnings, "; ")
		t.FinishedAt = &finished
	})

	if e.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("kind", task.Kind),
			attribute.String("model", decision.Model),
		)
		e.metrics.TaskDuration.Record(ctx, e.now().Sub(started).Seconds(), attrs)
		e.metrics.LLMCallDuration.Record(ctx, resp.Duration.Seconds(), attrs)
		e.metrics.TokensUsed.Add(ctx, int64(resp.TokensIn+resp.TokensOut), attrs)
		e.metrics.TasksCompleted.Add(ctx, 1, attrs)
	}

	e.publishStateChange(task.ID, task.Kind, TaskStatusRunning, TaskStatusDone, workerID)
	e.publishEvent(bus.TopicTaskCompleted, map[string]string{
		"task_id": task.ID,
		"kind":    task.Kind,
		"model":   decision.Model,
	})
	e.logger.Info("task completed",
		"task_id", task.ID,
		"trace_id", traceID,
		"kind", task.Kind,
		"model", decision.Model,
		"downgraded", decision.Downgraded,
		"tokens_in", resp.TokensIn,
		"tokens_out", resp.TokensOut,
		"persist_warnings", len(warnings))
}

func (e *Engine) failTask(task *Task, reason string) {
	finished := e.now().UTC()
	e.table.update(task.ID, func(t *Task) {
		t.Status = TaskStatusError
		t.Error = reason
		t.FinishedAt = &finished
	})
	e.setLastError(errors.New(reason))
	if e.metrics != nil {
		e.metrics.TasksFailed.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", task.Kind)))
	}
	e.publishStateChange(task.ID, task.Kind, TaskStatusRunning, TaskStatusError, task.WorkerID)
	e.publishEvent(bus.TopicTaskFailed, map[string]string{
		"task_id": task.ID,
		"kind":    task.Kind,
		"error":   reason,
	})
	e.logger.Warn("task failed", "task_id", task.ID, "kind", task.Kind, "error", reason)
}

// abortRun fails every still-queued task of the run. Running tasks are
// left to finish; terminal tasks are immutable.
func (e *Engine) abortRun(runID, reason string) {
	aborted := e.table.abortQueuedRun(runID, reason, e.now().UTC())
	for _, id := range aborted {
		e.publishStateChange(id, "", TaskStatusQueued, TaskStatusError, -1)
		e.publishEvent(bus.TopicTaskFailed, map[string]string{
			"task_id": id,
			"run_id":  runID,
			"error":   reason,
		})
	}
	if len(aborted) > 0 {
		e.logger.Warn("run aborted", "run_id", runID, "aborted_tasks", len(aborted), "reason", reason)
	}
}

func (e *Engine) publishStateChange(taskID, kind string, oldStatus, newStatus TaskStatus, workerID int) {
	e.publishEvent(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		Kind:      kind,
		OldStatus: string(oldStatus),
		NewStatus: string(newStatus),
		WorkerID:  workerID,
	})
}

// publishEvent publishes a task lifecycle event on the bus if configured.
func (e *Engine) publishEvent(topic string, payload any) {
	if e.bus != nil {
		e.bus.Publish(topic, payload)
	}
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
