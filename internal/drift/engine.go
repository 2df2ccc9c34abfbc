package drift

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentauth/internal/apierr"
	"github.com/basket/agentauth/internal/audit"
	"github.com/basket/agentauth/internal/bus"
	"github.com/basket/agentauth/internal/canonical"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/persistence"
)

// Agent status strings as returned in ping results.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusRevoked = "revoked"
)

// Defaults apply when an agent has no stored drift config.
type Defaults struct {
	DriftThreshold   float64
	WarningThreshold float64
	AutoRevoke       bool
	SpikeSensitivity float64
}

// StandardDefaults mirrors the shipped configuration defaults.
func StandardDefaults() Defaults {
	return Defaults{
		DriftThreshold:   0.30,
		WarningThreshold: 0.24,
		AutoRevoke:       true,
		SpikeSensitivity: 2.0,
	}
}

// Engine owns drift scoring, spike detection and the threshold state
// machine. The rolling window is injected so tests get isolated instances.
type Engine struct {
	store  *persistence.Store
	dir    *directory.Directory
	bus    *bus.Bus
	window *Window
	logger *slog.Logger

	mu       sync.RWMutex
	defaults Defaults
}

func NewEngine(store *persistence.Store, dir *directory.Directory, eventBus *bus.Bus, window *Window, defaults Defaults, logger *slog.Logger) *Engine {
	if window == nil {
		window = NewWindow(defaultMaxAgents, defaultWindowTTL)
	}
	if defaults == (Defaults{}) {
		defaults = StandardDefaults()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, dir: dir, bus: eventBus, window: window, defaults: defaults, logger: logger}
}

// SetDefaults swaps the fallback thresholds applied to agents without a
// stored config. Called on config reload.
func (e *Engine) SetDefaults(d Defaults) {
	if d == (Defaults{}) {
		d = StandardDefaults()
	}
	e.mu.Lock()
	e.defaults = d
	e.mu.Unlock()
}

func (e *Engine) currentDefaults() Defaults {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaults
}

// Ping is one agent health report.
type Ping struct {
	Metrics      map[string]float64 `json:"metrics"`
	RequestCount *int64             `json:"request_count,omitempty"`
	PeriodStart  *time.Time         `json:"period_start,omitempty"`
	PeriodEnd    *time.Time         `json:"period_end,omitempty"`
	Signature    string             `json:"signature,omitempty"`
}

// Result is the synchronous outcome of a recorded ping.
type Result struct {
	PingID     string        `json:"ping_id"`
	DriftScore float64       `json:"drift_score"`
	Status     string        `json:"status"`
	Anomalies  []AnomalyNote `json:"anomalies"`
}

// Config is the externally visible drift configuration for one agent.
type Config struct {
	AgentID          string             `json:"agent_id"`
	DriftThreshold   float64            `json:"drift_threshold"`
	WarningThreshold float64            `json:"warning_threshold"`
	AutoRevoke       bool               `json:"auto_revoke"`
	MetricWeights    map[string]float64 `json:"metric_weights,omitempty"`
	BaselineMetrics  map[string]float64 `json:"baseline_metrics,omitempty"`
	SpikeSensitivity float64            `json:"spike_sensitivity"`
}

// signableMap rebuilds the signed-over document: the ping minus its
// signature, with only the fields the sender populated.
func (p Ping) signableMap() map[string]any {
	doc := map[string]any{"metrics": p.Metrics}
	if p.RequestCount != nil {
		doc["request_count"] = *p.RequestCount
	}
	if p.PeriodStart != nil {
		doc["period_start"] = p.PeriodStart.UTC().Format(time.RFC3339)
	}
	if p.PeriodEnd != nil {
		doc["period_end"] = p.PeriodEnd.UTC().Format(time.RFC3339)
	}
	return doc
}

// RecordHealthPing scores a ping, runs spike detection, persists the
// history entry and evaluates the threshold state machine, revoking the
// agent when configured to.
func (e *Engine) RecordHealthPing(ctx context.Context, agentID string, ping Ping, secret string) (*Result, error) {
	if _, err := e.dir.RequireActive(ctx, agentID); err != nil {
		return nil, err
	}
	if err := e.dir.VerifySecret(ctx, agentID, secret); err != nil {
		return nil, err
	}
	if len(ping.Metrics) == 0 {
		return nil, apierr.Validationf("ping has no metrics")
	}
	if ping.Signature != "" {
		expected, err := canonical.SignHMAC(secret, ping.signableMap())
		if err != nil {
			return nil, err
		}
		if !canonical.Equal(expected, ping.Signature) {
			return nil, apierr.Authf("ping signature mismatch")
		}
	}

	cfg, err := e.GetConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}
	score := driftScore(ping.Metrics, cfg.BaselineMetrics, cfg.MetricWeights)
	anomalies := detectSpikes(ping.Metrics, e.window.Snapshots(agentID), cfg.SpikeSensitivity)
	e.window.Append(agentID, ping.Metrics)

	pingID := uuid.NewString()
	if err := e.store.InsertHealthPing(ctx, persistence.HealthPingRecord{
		ID:           pingID,
		AgentID:      agentID,
		DriftScore:   score,
		Metrics:      ping.Metrics,
		RequestCount: ping.RequestCount,
		PeriodStart:  ping.PeriodStart,
		PeriodEnd:    ping.PeriodEnd,
	}); err != nil {
		return nil, err
	}

	status := StatusOK
	switch {
	case score >= cfg.DriftThreshold:
		status = StatusRevoked
		autoRevoked := false
		if cfg.AutoRevoke {
			if err := e.dir.SetStatus(ctx, agentID, directory.StatusRevoked); err != nil {
				// The ping and score are already persisted; the flip is
				// retried on the next revoked-scoring ping.
				e.logger.Error("auto-revoke failed", "agent_id", agentID, "drift_score", score, "error", err)
			} else {
				autoRevoked = true
				audit.Record("drift.auto_revoke", agentID, "revoked",
					fmt.Sprintf("drift score %v over threshold %v", score, cfg.DriftThreshold))
			}
		}
		e.logger.Warn("drift threshold crossed", "agent_id", agentID, "drift_score", score,
			"drift_threshold", cfg.DriftThreshold, "auto_revoked", autoRevoked)
		if e.bus != nil {
			e.bus.Publish(bus.TopicDriftRevoked, bus.DriftEvent{
				AgentID:     agentID,
				DriftScore:  score,
				Threshold:   cfg.DriftThreshold,
				Metrics:     ping.Metrics,
				AutoRevoked: autoRevoked,
			})
		}
	case score >= cfg.WarningThreshold:
		status = StatusWarning
		e.logger.Warn("drift warning", "agent_id", agentID, "drift_score", score,
			"warning_threshold", cfg.WarningThreshold)
		if e.bus != nil {
			e.bus.Publish(bus.TopicDriftWarning, bus.DriftEvent{
				AgentID:    agentID,
				DriftScore: score,
				Threshold:  cfg.WarningThreshold,
				Metrics:    ping.Metrics,
			})
		}
	}

	return &Result{PingID: pingID, DriftScore: score, Status: status, Anomalies: anomalies}, nil
}

// BatchEntry pairs a submitted ping with its outcome. Individual failures
// do not abort the batch.
type BatchEntry struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// RecordBatch processes pings in order, one result per ping.
func (e *Engine) RecordBatch(ctx context.Context, agentID string, pings []Ping, secret string) ([]BatchEntry, error) {
	if len(pings) == 0 {
		return nil, apierr.Validationf("batch has no pings")
	}
	out := make([]BatchEntry, 0, len(pings))
	for i, ping := range pings {
		entry := BatchEntry{Index: i}
		res, err := e.RecordHealthPing(ctx, agentID, ping, secret)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Result = res
		}
		out = append(out, entry)
	}
	return out, nil
}

// Configure upserts the agent's drift config after range checks.
func (e *Engine) Configure(ctx context.Context, cfg Config) error {
	if _, err := e.dir.Lookup(ctx, cfg.AgentID); err != nil {
		return err
	}
	if cfg.DriftThreshold < 0 || cfg.DriftThreshold > 1 {
		return apierr.Validationf("drift_threshold %v outside [0,1]", cfg.DriftThreshold)
	}
	if cfg.WarningThreshold < 0 || cfg.WarningThreshold > 1 {
		return apierr.Validationf("warning_threshold %v outside [0,1]", cfg.WarningThreshold)
	}
	if cfg.WarningThreshold >= cfg.DriftThreshold {
		return apierr.Validationf("warning_threshold %v must be below drift_threshold %v", cfg.WarningThreshold, cfg.DriftThreshold)
	}
	if cfg.SpikeSensitivity <= 0 {
		return apierr.Validationf("spike_sensitivity must be positive, got %v", cfg.SpikeSensitivity)
	}
	err := e.store.UpsertDriftConfig(ctx, persistence.DriftConfigRecord{
		AgentID:          cfg.AgentID,
		DriftThreshold:   cfg.DriftThreshold,
		WarningThreshold: cfg.WarningThreshold,
		AutoRevoke:       cfg.AutoRevoke,
		MetricWeights:    cfg.MetricWeights,
		BaselineMetrics:  cfg.BaselineMetrics,
		SpikeSensitivity: cfg.SpikeSensitivity,
	})
	if err != nil {
		return err
	}
	e.logger.Info("drift config updated", "agent_id", cfg.AgentID,
		"drift_threshold", cfg.DriftThreshold, "warning_threshold", cfg.WarningThreshold,
		"auto_revoke", cfg.AutoRevoke)
	return nil
}

// GetConfig returns the stored config, or the engine defaults when the
// agent has never been configured.
func (e *Engine) GetConfig(ctx context.Context, agentID string) (*Config, error) {
	rec, err := e.store.GetDriftConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		d := e.currentDefaults()
		return &Config{
			AgentID:          agentID,
			DriftThreshold:   d.DriftThreshold,
			WarningThreshold: d.WarningThreshold,
			AutoRevoke:       d.AutoRevoke,
			SpikeSensitivity: d.SpikeSensitivity,
		}, nil
	}
	return &Config{
		AgentID:          rec.AgentID,
		DriftThreshold:   rec.DriftThreshold,
		WarningThreshold: rec.WarningThreshold,
		AutoRevoke:       rec.AutoRevoke,
		MetricWeights:    rec.MetricWeights,
		BaselineMetrics:  rec.BaselineMetrics,
		SpikeSensitivity: rec.SpikeSensitivity,
	}, nil
}

// TrendEntry is one point of the recent-score trend, newest first.
type TrendEntry struct {
	DriftScore float64   `json:"drift_score"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScoreReport summarizes the agent's current drift posture.
type ScoreReport struct {
	AgentID          string        `json:"agent_id"`
	DriftScore       float64       `json:"drift_score"`
	DriftThreshold   float64       `json:"drift_threshold"`
	WarningThreshold float64       `json:"warning_threshold"`
	Status           string        `json:"status"`
	Trend            []TrendEntry  `json:"trend"`
	Anomalies        []AnomalyNote `json:"anomalies"`
}

// GetScore returns the latest score, thresholds, a 5-entry trend and spike
// warnings for the most recent ping.
func (e *Engine) GetScore(ctx context.Context, agentID string) (*ScoreReport, error) {
	info, err := e.dir.Lookup(ctx, agentID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.GetConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.LatestHealthPings(ctx, agentID, 5)
	if err != nil {
		return nil, err
	}

	report := &ScoreReport{
		AgentID:          agentID,
		DriftThreshold:   cfg.DriftThreshold,
		WarningThreshold: cfg.WarningThreshold,
		Status:           StatusOK,
	}
	if info.Status == directory.StatusRevoked {
		report.Status = StatusRevoked
	}
	if len(latest) == 0 {
		return report, nil
	}

	report.DriftScore = latest[0].DriftScore
	if report.Status != StatusRevoked {
		switch {
		case report.DriftScore >= cfg.DriftThreshold:
			report.Status = StatusRevoked
		case report.DriftScore >= cfg.WarningThreshold:
			report.Status = StatusWarning
		}
	}
	for _, ping := range latest {
		report.Trend = append(report.Trend, TrendEntry{DriftScore: ping.DriftScore, CreatedAt: ping.CreatedAt})
	}

	// Replay the latest ping's spike check against the window as it stood
	// before that ping was appended.
	snaps := e.window.Snapshots(agentID)
	if len(snaps) > 0 {
		report.Anomalies = detectSpikes(latest[0].Metrics, snaps[:len(snaps)-1], cfg.SpikeSensitivity)
	}
	return report, nil
}

// HistoryOptions bound a drift history query. A non-empty Metric projects
// each entry down to that single metric.
type HistoryOptions struct {
	Limit   int
	Offset  int
	From    *time.Time
	To      *time.Time
	SortAsc bool
	Metric  string
}

// HistoryEntry is a drift history row, optionally projected to one metric.
type HistoryEntry struct {
	ID           string             `json:"id"`
	AgentID      string             `json:"agent_id"`
	DriftScore   float64            `json:"drift_score"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	MetricName   string             `json:"metric_name,omitempty"`
	MetricValue  *float64           `json:"metric_value,omitempty"`
	RequestCount *int64             `json:"request_count,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// HistoryPage is a paginated drift history slice.
type HistoryPage struct {
	Entries []HistoryEntry `json:"history"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// GetHistory returns a page of the agent's drift history.
func (e *Engine) GetHistory(ctx context.Context, agentID string, opts HistoryOptions) (*HistoryPage, error) {
	if _, err := e.dir.Lookup(ctx, agentID); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	recs, total, err := e.store.ListHealthPings(ctx, persistence.HealthPingQuery{
		AgentID: agentID,
		From:    opts.From,
		To:      opts.To,
		Limit:   limit,
		Offset:  offset,
		SortAsc: opts.SortAsc,
	})
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Total: total, Limit: limit, Offset: offset}
	for _, rec := range recs {
		entry := HistoryEntry{
			ID:           rec.ID,
			AgentID:      rec.AgentID,
			DriftScore:   rec.DriftScore,
			RequestCount: rec.RequestCount,
			CreatedAt:    rec.CreatedAt,
		}
		if opts.Metric != "" {
			entry.MetricName = opts.Metric
			if v, ok := rec.Metrics[opts.Metric]; ok {
				value := v
				entry.MetricValue = &value
			}
		} else {
			entry.Metrics = rec.Metrics
		}
		page.Entries = append(page.Entries, entry)
	}
	return page, nil
}

// HistoryCSV renders a drift history page as CSV.
func (e *Engine) HistoryCSV(ctx context.Context, agentID string, opts HistoryOptions) ([]byte, error) {
	page, err := e.GetHistory(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"id", "agent_id", "drift_score", "created_at"}
	if opts.Metric != "" {
		header = append(header, "metric_name", "metric_value")
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, entry := range page.Entries {
		row := []string{
			entry.ID, entry.AgentID,
			strconv.FormatFloat(entry.DriftScore, 'f', -1, 64),
			entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if opts.Metric != "" {
			value := ""
			if entry.MetricValue != nil {
				value = strconv.FormatFloat(*entry.MetricValue, 'f', -1, 64)
			}
			row = append(row, entry.MetricName, value)
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
