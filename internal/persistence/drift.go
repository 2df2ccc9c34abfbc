package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DriftConfigRecord is the per-agent drift configuration row.
type DriftConfigRecord struct {
	AgentID          string             `json:"agent_id"`
	DriftThreshold   float64            `json:"drift_threshold"`
	WarningThreshold float64            `json:"warning_threshold"`
	AutoRevoke       bool               `json:"auto_revoke"`
	MetricWeights    map[string]float64 `json:"metric_weights,omitempty"`
	BaselineMetrics  map[string]float64 `json:"baseline_metrics,omitempty"`
	SpikeSensitivity float64            `json:"spike_sensitivity"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// HealthPingRecord is an append-only drift history row.
type HealthPingRecord struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	DriftScore   float64            `json:"drift_score"`
	Metrics      map[string]float64 `json:"metrics"`
	RequestCount *int64             `json:"request_count,omitempty"`
	PeriodStart  *time.Time         `json:"period_start,omitempty"`
	PeriodEnd    *time.Time         `json:"period_end,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// HealthPingQuery bounds a drift history range query.
type HealthPingQuery struct {
	AgentID string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
	SortAsc bool
}

func marshalFloatMap(m map[string]float64) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalFloatMap(s sql.NullString) (map[string]float64, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertDriftConfig creates or replaces the drift config row for an agent.
func (s *Store) UpsertDriftConfig(ctx context.Context, rec DriftConfigRecord) error {
	weights, err := marshalFloatMap(rec.MetricWeights)
	if err != nil {
		return fmt.Errorf("marshal metric weights: %w", err)
	}
	baseline, err := marshalFloatMap(rec.BaselineMetrics)
	if err != nil {
		return fmt.Errorf("marshal baseline metrics: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO drift_configs (agent_id, drift_threshold, warning_threshold, auto_revoke, metric_weights, baseline_metrics, spike_sensitivity, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(agent_id) DO UPDATE SET
				drift_threshold = excluded.drift_threshold,
				warning_threshold = excluded.warning_threshold,
				auto_revoke = excluded.auto_revoke,
				metric_weights = excluded.metric_weights,
				baseline_metrics = excluded.baseline_metrics,
				spike_sensitivity = excluded.spike_sensitivity,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.AgentID, rec.DriftThreshold, rec.WarningThreshold, rec.AutoRevoke, weights, baseline, rec.SpikeSensitivity)
		if err != nil {
			return fmt.Errorf("upsert drift config: %w", err)
		}
		return nil
	})
}

// GetDriftConfig returns the drift config for an agent, or nil if none stored.
func (s *Store) GetDriftConfig(ctx context.Context, agentID string) (*DriftConfigRecord, error) {
	var rec DriftConfigRecord
	var weights, baseline sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, drift_threshold, warning_threshold, auto_revoke, metric_weights, baseline_metrics, spike_sensitivity, updated_at
		FROM drift_configs WHERE agent_id = ?;
	`, agentID).Scan(&rec.AgentID, &rec.DriftThreshold, &rec.WarningThreshold, &rec.AutoRevoke,
		&weights, &baseline, &rec.SpikeSensitivity, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get drift config: %w", err)
	}
	if rec.MetricWeights, err = unmarshalFloatMap(weights); err != nil {
		return nil, fmt.Errorf("unmarshal metric weights: %w", err)
	}
	if rec.BaselineMetrics, err = unmarshalFloatMap(baseline); err != nil {
		return nil, fmt.Errorf("unmarshal baseline metrics: %w", err)
	}
	return &rec, nil
}

// InsertHealthPing appends a ping to the drift history. Re-inserting the
// same ping id is a no-op, so a retried request never duplicates history.
func (s *Store) InsertHealthPing(ctx context.Context, rec HealthPingRecord) error {
	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal ping metrics: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO drift_health_pings (id, agent_id, drift_score, metrics, request_count, period_start, period_end)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.AgentID, rec.DriftScore, string(metrics), rec.RequestCount, rec.PeriodStart, rec.PeriodEnd)
		if err != nil {
			return fmt.Errorf("insert health ping: %w", err)
		}
		return nil
	})
}

const pingColumns = `id, agent_id, drift_score, metrics, request_count, period_start, period_end, created_at`

func scanPing(scan func(dest ...any) error) (HealthPingRecord, error) {
	var rec HealthPingRecord
	var metrics string
	var requestCount sql.NullInt64
	var periodStart, periodEnd sql.NullTime
	if err := scan(&rec.ID, &rec.AgentID, &rec.DriftScore, &metrics, &requestCount,
		&periodStart, &periodEnd, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(metrics), &rec.Metrics); err != nil {
		return rec, fmt.Errorf("unmarshal ping metrics: %w", err)
	}
	if requestCount.Valid {
		rec.RequestCount = &requestCount.Int64
	}
	if periodStart.Valid {
		t := periodStart.Time
		rec.PeriodStart = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		rec.PeriodEnd = &t
	}
	return rec, nil
}

// ListHealthPings returns a page of pings matching the query plus the total
// count within the range.
func (s *Store) ListHealthPings(ctx context.Context, q HealthPingQuery) ([]HealthPingRecord, int, error) {
	where := []string{"agent_id = ?"}
	args := []any{q.AgentID}
	if q.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *q.From)
	}
	if q.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *q.To)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM drift_health_pings WHERE `+cond+`;`, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count health pings: %w", err)
	}

	order := "DESC"
	if q.SortAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT %s FROM drift_health_pings WHERE %s
		ORDER BY created_at %s, id %s
		LIMIT ? OFFSET ?;
	`, pingColumns, cond, order, order)
	rows, err := s.db.QueryContext(ctx, query, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list health pings: %w", err)
	}
	defer rows.Close()

	var out []HealthPingRecord
	for rows.Next() {
		rec, err := scanPing(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan health ping: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list health pings: iterate: %w", err)
	}
	return out, total, nil
}

// LatestHealthPings returns the n most recent pings for an agent, newest first.
func (s *Store) LatestHealthPings(ctx context.Context, agentID string, n int) ([]HealthPingRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM drift_health_pings WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?;
	`, pingColumns), agentID, n)
	if err != nil {
		return nil, fmt.Errorf("latest health pings: %w", err)
	}
	defer rows.Close()

	var out []HealthPingRecord
	for rows.Next() {
		rec, err := scanPing(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan health ping: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("latest health pings: iterate: %w", err)
	}
	return out, nil
}
