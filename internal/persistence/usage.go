package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UsageRecord is one provider call worth of token accounting plus the
// attribution fields a spend report needs: who asked (email), which
// logical endpoint served it, and how long the call took.
type UsageRecord struct {
	Model       string            `json:"model"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Email       string            `json:"email,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	TokensIn    int               `json:"tokens_in"`
	TokensOut   int               `json:"tokens_out"`
	TotalTokens int               `json:"total_tokens"`
	DurationMS  int64             `json:"duration_ms"`
	CostUSD     float64           `json:"cost_usd"`
	TaskID      string            `json:"task_id,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// UsageCounter is an aggregated rollup row. LastTS is the timestamp of
// the newest call counted into the rollup.
type UsageCounter struct {
	Calls       int64     `json:"calls"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	TotalTokens int64     `json:"total_tokens"`
	CostUSD     float64   `json:"cost_usd"`
	LastTS      time.Time `json:"last_ts,omitzero"`
}

// ModelCounter pairs a model name with its rollup. FirstTS is set on the
// by-model scope only; the daily scope is already keyed by day.
type ModelCounter struct {
	Model   string    `json:"model"`
	FirstTS time.Time `json:"first_ts,omitzero"`
	UsageCounter
}

// DayKey formats t as the UTC day used by the daily rollup.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RecordUsage appends a usage event and bumps the all-time, per-model and
// daily rollups in a single transaction. Either everything commits or
// nothing does; counters never drift from the event log.
func (s *Store) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.Model == "" {
		return errors.New("usage record requires a model")
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.TokensIn + rec.TokensOut
	}
	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	day := DayKey(now)

	meta := rec.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal usage meta: %w", err)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin usage tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO usage_events (model, endpoint, email, request_id, tokens_in, tokens_out, total_tokens, duration_ms, cost_usd, task_id, kind, meta, created_at)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, rec.Model, rec.Endpoint, rec.Email, rec.RequestID, rec.TokensIn, rec.TokensOut, rec.TotalTokens, rec.DurationMS, rec.CostUSD, rec.TaskID, rec.Kind, string(metaJSON), now); err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE totals_all_time
			SET calls = calls + 1,
				tokens_in = tokens_in + ?,
				tokens_out = tokens_out + ?,
				total_tokens = total_tokens + ?,
				cost_usd = cost_usd + ?,
				last_ts = ?
			WHERE id = 1;
		`, rec.TokensIn, rec.TokensOut, rec.TotalTokens, rec.CostUSD, now); err != nil {
			return fmt.Errorf("update totals_all_time: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO totals_by_model (model, calls, tokens_in, tokens_out, total_tokens, cost_usd, first_ts, last_ts)
			VALUES (?, 1, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(model) DO UPDATE SET
				calls = calls + 1,
				tokens_in = tokens_in + excluded.tokens_in,
				tokens_out = tokens_out + excluded.tokens_out,
				total_tokens = total_tokens + excluded.total_tokens,
				cost_usd = cost_usd + excluded.cost_usd,
				last_ts = excluded.last_ts;
		`, rec.Model, rec.TokensIn, rec.TokensOut, rec.TotalTokens, rec.CostUSD, now, now); err != nil {
			return fmt.Errorf("upsert totals_by_model: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO totals_daily (day, model, calls, tokens_in, tokens_out, total_tokens, cost_usd)
			VALUES (?, ?, 1, ?, ?, ?, ?)
			ON CONFLICT(day, model) DO UPDATE SET
				calls = calls + 1,
				tokens_in = tokens_in + excluded.tokens_in,
				tokens_out = tokens_out + excluded.tokens_out,
				total_tokens = total_tokens + excluded.total_tokens,
				cost_usd = cost_usd + excluded.cost_usd;
		`, day, rec.Model, rec.TokensIn, rec.TokensOut, rec.TotalTokens, rec.CostUSD); err != nil {
			return fmt.Errorf("upsert totals_daily: %w", err)
		}

		return tx.Commit()
	})
}

// TodayTokensForModel returns total tokens billed to model during the
// current UTC day. Missing rows read as zero.
func (s *Store) TodayTokensForModel(ctx context.Context, model string, now time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT total_tokens FROM totals_daily WHERE day = ? AND model = ?;
	`, DayKey(now), model).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily total: %w", err)
	}
	return total.Int64, nil
}

// AllTimeSummary returns the singleton all-time rollup. LastTS is zero
// until the first call is recorded.
func (s *Store) AllTimeSummary(ctx context.Context) (UsageCounter, error) {
	var c UsageCounter
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT calls, tokens_in, tokens_out, total_tokens, cost_usd, last_ts
		FROM totals_all_time WHERE id = 1;
	`).Scan(&c.Calls, &c.TokensIn, &c.TokensOut, &c.TotalTokens, &c.CostUSD, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return UsageCounter{}, nil
	}
	if err != nil {
		return UsageCounter{}, fmt.Errorf("read all-time totals: %w", err)
	}
	if last.Valid {
		c.LastTS = last.Time
	}
	return c, nil
}

// ByModelSummary returns per-model rollups ordered by total tokens.
func (s *Store) ByModelSummary(ctx context.Context) ([]ModelCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, calls, tokens_in, tokens_out, total_tokens, cost_usd, first_ts, last_ts
		FROM totals_by_model
		ORDER BY total_tokens DESC, model ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query totals_by_model: %w", err)
	}
	defer rows.Close()

	var out []ModelCounter
	for rows.Next() {
		var mc ModelCounter
		var first, last sql.NullTime
		if err := rows.Scan(&mc.Model, &mc.Calls, &mc.TokensIn, &mc.TokensOut, &mc.TotalTokens, &mc.CostUSD, &first, &last); err != nil {
			return nil, fmt.Errorf("scan model counter: %w", err)
		}
		if first.Valid {
			mc.FirstTS = first.Time
		}
		if last.Valid {
			mc.LastTS = last.Time
		}
		out = append(out, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("model counter rows: %w", err)
	}
	return out, nil
}

// DailySummary returns rollups for a single UTC day.
func (s *Store) DailySummary(ctx context.Context, now time.Time) ([]ModelCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, calls, tokens_in, tokens_out, total_tokens, cost_usd
		FROM totals_daily
		WHERE day = ?
		ORDER BY total_tokens DESC, model ASC;
	`, DayKey(now))
	if err != nil {
		return nil, fmt.Errorf("query totals_daily: %w", err)
	}
	defer rows.Close()

	var out []ModelCounter
	for rows.Next() {
		var mc ModelCounter
		if err := rows.Scan(&mc.Model, &mc.Calls, &mc.TokensIn, &mc.TokensOut, &mc.TotalTokens, &mc.CostUSD); err != nil {
			return nil, fmt.Errorf("scan daily counter: %w", err)
		}
		out = append(out, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("daily counter rows: %w", err)
	}
	return out, nil
}

// PruneUsageEventsBefore deletes raw usage events older than cutoff.
// Rollups are untouched so historical totals survive the prune.
func (s *Store) PruneUsageEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE created_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune usage events: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// PruneAuditLogBefore deletes audit rows older than cutoff.
func (s *Store) PruneAuditLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune audit log: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
