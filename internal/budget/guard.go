// Package budget enforces per-model daily token caps before any provider
// call is made.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/visionforge/internal/audit"
	"github.com/basket/visionforge/internal/bus"
	"github.com/basket/visionforge/internal/config"
	"github.com/basket/visionforge/internal/shared"
)

// ExceededError is returned when a model is over its daily token cap.
type ExceededError struct {
	Model      string
	UsedTokens int64
	CapTokens  int64
	// HardStop marks the denial as run-fatal: the whole batch aborts
	// instead of just this task.
	HardStop bool
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily token cap exceeded for %s: used %d of %d", e.Model, e.UsedTokens, e.CapTokens)
}

// Ledger is the slice of the persistence store the guard reads.
type Ledger interface {
	TodayTokensForModel(ctx context.Context, model string, now time.Time) (int64, error)
}

// Decision reports the outcome of a pre-call admission check.
type Decision struct {
	Model      string // model the call should bill to
	Downgraded bool   // true when the fallback replaced the preferred model
	Remaining  int64  // tokens left under the cap, -1 when uncapped
}

// Guard checks every provider call against the configured daily caps,
// downgrading to the fallback model when the preferred one runs low.
type Guard struct {
	ledger Ledger
	bus    *bus.Bus        // may be nil in tests
	audit  *audit.Recorder // may be nil in tests
	logger *slog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg config.BudgetConfig
}

func NewGuard(ledger Ledger, cfg config.BudgetConfig, eventBus *bus.Bus, rec *audit.Recorder, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		ledger: ledger,
		bus:    eventBus,
		audit:  rec,
		logger: logger,
		now:    time.Now,
		cfg:    cfg,
	}
}

// UpdateConfig swaps in new budget settings, used by config hot reload.
func (g *Guard) UpdateConfig(cfg config.BudgetConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
	g.logger.Info("budget config updated",
		"preferred_model", cfg.PreferredModel,
		"fallback_model", cfg.FallbackModel,
		"hard_stop", cfg.HardStop)
}

func (g *Guard) snapshot() config.BudgetConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// remaining returns tokens left for model today and whether a cap applies.
func (g *Guard) remaining(ctx context.Context, cfg config.BudgetConfig, model string) (int64, bool, error) {
	cap, ok := cfg.DailyTokenCaps[model]
	if !ok {
		return 0, false, nil
	}
	used, err := g.ledger.TodayTokensForModel(ctx, model, g.now())
	if err != nil {
		return 0, true, fmt.Errorf("read daily usage for %s: %w", model, err)
	}
	return int64(cap) - used, true, nil
}

// Admit resolves the model for one provider call and enforces its cap.
//
// The preferred model is used while its remaining daily tokens stay at or
// above the switch threshold. Below that, the fallback model (when
// configured) takes over and is checked against its own cap. A call
// billed to the fallback counts against the fallback's counter, not the
// preferred one's. When the active model is over its cap the call is
// denied with ExceededError; HardStop escalates the denial to run-fatal.
func (g *Guard) Admit(ctx context.Context, taskID string) (Decision, error) {
	cfg := g.snapshot()

	model := cfg.PreferredModel
	downgraded := false

	rem, capped, err := g.remaining(ctx, cfg, model)
	if err != nil {
		return Decision{}, err
	}

	if cfg.FallbackModel != "" && capped && rem < int64(cfg.SwitchThresholdTokens) {
		model = cfg.FallbackModel
		downgraded = true
		rem, capped, err = g.remaining(ctx, cfg, model)
		if err != nil {
			return Decision{}, err
		}
		g.logger.Info("model downgraded",
			"task_id", taskID,
			"preferred_model", cfg.PreferredModel,
			"fallback_model", model)
		if g.audit != nil {
			g.audit.Record(ctx, "allow", "model.downgrade", "preferred_under_threshold", model, taskID)
		}
	}

	if capped && rem <= 0 {
		cap := int64(cfg.DailyTokenCaps[model])
		used, uerr := g.ledger.TodayTokensForModel(ctx, model, g.now())
		if uerr != nil {
			used = cap
		}
		g.deny(ctx, taskID, model, used, cap)
		return Decision{}, &ExceededError{
			Model:      model,
			UsedTokens: used,
			CapTokens:  cap,
			HardStop:   cfg.HardStop,
		}
	}

	if !capped {
		rem = -1
	}
	return Decision{Model: model, Downgraded: downgraded, Remaining: rem}, nil
}

// CheckModel enforces the cap for an explicitly chosen model, without
// downgrade routing.
func (g *Guard) CheckModel(ctx context.Context, taskID, model string) error {
	cfg := g.snapshot()
	rem, capped, err := g.remaining(ctx, cfg, model)
	if err != nil {
		return err
	}
	if capped && rem <= 0 {
		cap := int64(cfg.DailyTokenCaps[model])
		used, uerr := g.ledger.TodayTokensForModel(ctx, model, g.now())
		if uerr != nil {
			used = cap
		}
		g.deny(ctx, taskID, model, used, cap)
		return &ExceededError{Model: model, UsedTokens: used, CapTokens: cap, HardStop: cfg.HardStop}
	}
	return nil
}

func (g *Guard) deny(ctx context.Context, taskID, model string, used, cap int64) {
	g.logger.Warn("budget denied",
		"trace_id", shared.TraceID(ctx),
		"task_id", taskID,
		"model", model,
		"used_tokens", used,
		"cap_tokens", cap)
	if g.audit != nil {
		g.audit.Record(ctx, "deny", "budget.check", "daily_cap_exceeded", model, taskID)
	}
	if g.bus != nil {
		g.bus.Publish(bus.TopicBudgetDenied, bus.BudgetDeniedEvent{
			TaskID:     taskID,
			Model:      model,
			UsedTokens: int(used),
			CapTokens:  int(cap),
		})
	}
}
