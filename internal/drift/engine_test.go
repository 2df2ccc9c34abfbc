package drift_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentauth/internal/apierr"
	"github.com/basket/agentauth/internal/bus"
	"github.com/basket/agentauth/internal/canonical"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/drift"
	"github.com/basket/agentauth/internal/persistence"
)

const testSecret = "sk_test_drift_secret"

type fixture struct {
	engine *drift.Engine
	dir    *directory.Directory
	bus    *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "trustd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dir := directory.New(store)
	if err := dir.Register(context.Background(), "agent-1", "Support Bot", "ops@example.com", testSecret, directory.TierPro, nil); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	eventBus := bus.New()
	engine := drift.NewEngine(store, dir, eventBus, drift.NewWindow(10, time.Hour), drift.StandardDefaults(), nil)
	return &fixture{engine: engine, dir: dir, bus: eventBus}
}

func (f *fixture) configure(t *testing.T, cfg drift.Config) {
	t.Helper()
	cfg.AgentID = "agent-1"
	if err := f.engine.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
}

func TestRecordHealthPingOK(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.configure(t, drift.Config{
		DriftThreshold:   0.30,
		WarningThreshold: 0.24,
		AutoRevoke:       true,
		BaselineMetrics:  map[string]float64{"adherence": 0.95},
		MetricWeights:    map[string]float64{"adherence": 1.0},
		SpikeSensitivity: 2.0,
	})

	res, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
		Metrics: map[string]float64{"adherence": 0.94},
	}, testSecret)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Status != drift.StatusOK {
		t.Fatalf("status = %q, want ok", res.Status)
	}
	if res.PingID == "" {
		t.Fatal("missing ping id")
	}
	if len(res.Anomalies) != 0 {
		t.Fatalf("unexpected anomalies: %v", res.Anomalies)
	}
}

func TestRecordHealthPingAutoRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.configure(t, drift.Config{
		DriftThreshold:   0.30,
		WarningThreshold: 0.24,
		AutoRevoke:       true,
		BaselineMetrics:  map[string]float64{"adherence": 0.95},
		MetricWeights:    map[string]float64{"adherence": 1.0},
		SpikeSensitivity: 2.0,
	})

	events := f.bus.Subscribe("agent.drift.")
	defer f.bus.Unsubscribe(events)

	res, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
		Metrics: map[string]float64{"adherence": 0.60},
	}, testSecret)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Status != drift.StatusRevoked {
		t.Fatalf("status = %q, want revoked", res.Status)
	}
	if res.DriftScore < 0.36 || res.DriftScore > 0.37 {
		t.Fatalf("score = %v, want ~0.368", res.DriftScore)
	}

	info, err := f.dir.Lookup(ctx, "agent-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.Status != directory.StatusRevoked {
		t.Fatalf("agent status = %q, want revoked", info.Status)
	}

	evt := <-events.Ch()
	if evt.Topic != bus.TopicDriftRevoked {
		t.Fatalf("topic = %q", evt.Topic)
	}
	payload := evt.Payload.(bus.DriftEvent)
	if !payload.AutoRevoked {
		t.Fatal("event should carry auto_revoked=true")
	}

	// Revoked agents cannot submit further pings.
	if _, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
		Metrics: map[string]float64{"adherence": 0.95},
	}, testSecret); !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("post-revoke ping err = %v, want ErrAuth", err)
	}
}

func TestRecordHealthPingWarning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.configure(t, drift.Config{
		DriftThreshold:   0.30,
		WarningThreshold: 0.24,
		AutoRevoke:       true,
		BaselineMetrics:  map[string]float64{"adherence": 1.0},
		MetricWeights:    map[string]float64{"adherence": 1.0},
		SpikeSensitivity: 2.0,
	})

	events := f.bus.Subscribe(bus.TopicDriftWarning)
	defer f.bus.Unsubscribe(events)

	res, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
		Metrics: map[string]float64{"adherence": 0.75},
	}, testSecret)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Status != drift.StatusWarning {
		t.Fatalf("status = %q, want warning (score %v)", res.Status, res.DriftScore)
	}
	evt := <-events.Ch()
	if evt.Topic != bus.TopicDriftWarning {
		t.Fatalf("topic = %q", evt.Topic)
	}
	info, _ := f.dir.Lookup(ctx, "agent-1")
	if info.Status != directory.StatusActive {
		t.Fatalf("warning must not revoke, status = %q", info.Status)
	}
}

func TestRecordHealthPingSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ping := drift.Ping{Metrics: map[string]float64{"adherence": 0.9}}
	sig, err := canonical.SignHMAC(testSecret, map[string]any{"metrics": ping.Metrics})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ping.Signature = sig
	if _, err := f.engine.RecordHealthPing(ctx, "agent-1", ping, testSecret); err != nil {
		t.Fatalf("signed ping rejected: %v", err)
	}

	ping.Signature = "tampered"
	if _, err := f.engine.RecordHealthPing(ctx, "agent-1", ping, testSecret); !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("tampered signature err = %v, want ErrAuth", err)
	}
}

func TestRecordHealthPingRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ping := drift.Ping{Metrics: map[string]float64{"adherence": 0.9}}
	if _, err := f.engine.RecordHealthPing(ctx, "ghost", ping, testSecret); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("unknown agent err = %v, want ErrNotFound", err)
	}
	if _, err := f.engine.RecordHealthPing(ctx, "agent-1", ping, "wrong"); !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("bad secret err = %v, want ErrAuth", err)
	}
	if _, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{}, testSecret); !errors.Is(err, apierr.ErrValidation) {
		t.Fatalf("empty metrics err = %v, want ErrValidation", err)
	}
}

func TestSpikeDetectionThroughEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.configure(t, drift.Config{
		DriftThreshold:   0.90,
		WarningThreshold: 0.80,
		AutoRevoke:       false,
		SpikeSensitivity: 1.0,
	})

	for _, v := range []float64{0.9, 0.92, 0.5} {
		if _, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
			Metrics: map[string]float64{"adherence": v},
		}, testSecret); err != nil {
			t.Fatalf("seed ping %v: %v", v, err)
		}
	}

	res, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
		Metrics: map[string]float64{"adherence": 0.3},
	}, testSecret)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0].Metric != "adherence" {
		t.Fatalf("anomalies = %v, want one for adherence", res.Anomalies)
	}
}

func TestConfigureValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []drift.Config{
		{AgentID: "agent-1", DriftThreshold: 1.5, WarningThreshold: 0.2, SpikeSensitivity: 2.0},
		{AgentID: "agent-1", DriftThreshold: 0.3, WarningThreshold: -0.1, SpikeSensitivity: 2.0},
		{AgentID: "agent-1", DriftThreshold: 0.3, WarningThreshold: 0.3, SpikeSensitivity: 2.0},
		{AgentID: "agent-1", DriftThreshold: 0.3, WarningThreshold: 0.2, SpikeSensitivity: 0},
	}
	for i, cfg := range cases {
		if err := f.engine.Configure(ctx, cfg); !errors.Is(err, apierr.ErrValidation) {
			t.Fatalf("case %d err = %v, want ErrValidation", i, err)
		}
	}
	if err := f.engine.Configure(ctx, drift.Config{AgentID: "ghost", DriftThreshold: 0.3, WarningThreshold: 0.2, SpikeSensitivity: 2.0}); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("unknown agent err = %v, want ErrNotFound", err)
	}
}

func TestGetConfigDefaults(t *testing.T) {
	f := newFixture(t)
	cfg, err := f.engine.GetConfig(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.DriftThreshold != 0.30 || cfg.WarningThreshold != 0.24 || !cfg.AutoRevoke || cfg.SpikeSensitivity != 2.0 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestGetScoreTrend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.configure(t, drift.Config{
		DriftThreshold:   0.90,
		WarningThreshold: 0.80,
		BaselineMetrics:  map[string]float64{"adherence": 1.0},
		SpikeSensitivity: 2.0,
	})

	for i := 0; i < 7; i++ {
		if _, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
			Metrics: map[string]float64{"adherence": 1.0 - float64(i)*0.01},
		}, testSecret); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
	}

	report, err := f.engine.GetScore(ctx, "agent-1")
	if err != nil {
		t.Fatalf("get score: %v", err)
	}
	if len(report.Trend) != 5 {
		t.Fatalf("trend length = %d, want 5", len(report.Trend))
	}
	if report.Trend[0].DriftScore != report.DriftScore {
		t.Fatal("trend is not newest first")
	}
	if report.Status != drift.StatusOK {
		t.Fatalf("status = %q", report.Status)
	}
}

func TestGetHistoryProjectionAndCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.engine.RecordHealthPing(ctx, "agent-1", drift.Ping{
			Metrics: map[string]float64{"adherence": 0.9, "tone": 0.5},
		}, testSecret); err != nil {
			t.Fatalf("ping %d: %v", i, err)
		}
	}

	page, err := f.engine.GetHistory(ctx, "agent-1", drift.HistoryOptions{Metric: "adherence"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total = %d, want 3", page.Total)
	}
	for _, entry := range page.Entries {
		if entry.Metrics != nil {
			t.Fatal("projection should drop the full metric map")
		}
		if entry.MetricName != "adherence" || entry.MetricValue == nil || *entry.MetricValue != 0.9 {
			t.Fatalf("projection entry = %+v", entry)
		}
	}

	csvOut, err := f.engine.HistoryCSV(ctx, "agent-1", drift.HistoryOptions{Metric: "adherence"})
	if err != nil {
		t.Fatalf("history csv: %v", err)
	}
	if !strings.HasPrefix(string(csvOut), "id,agent_id,drift_score,created_at,metric_name,metric_value\n") {
		t.Fatalf("csv header: %q", strings.SplitN(string(csvOut), "\n", 2)[0])
	}
}

func TestRecordBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entries, err := f.engine.RecordBatch(ctx, "agent-1", []drift.Ping{
		{Metrics: map[string]float64{"adherence": 0.9}},
		{},
		{Metrics: map[string]float64{"adherence": 0.8}},
	}, testSecret)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Result == nil || entries[2].Result == nil {
		t.Fatal("valid pings should succeed")
	}
	if entries[1].Error == "" {
		t.Fatal("empty ping should carry an error")
	}
}
