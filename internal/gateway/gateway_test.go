package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentauth/internal/anonverify"
	"github.com/basket/agentauth/internal/bus"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/drift"
	"github.com/basket/agentauth/internal/gateway"
	"github.com/basket/agentauth/internal/persistence"
	"github.com/basket/agentauth/internal/persona"
)

const testSecret = "sk_test_gateway_secret"

func newTestServer(t *testing.T) (*httptest.Server, *bus.Bus) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "trustd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dir := directory.New(store)
	eventBus := bus.New()
	anon, err := anonverify.NewEngine(store, dir, nil, anonverify.Options{})
	if err != nil {
		t.Fatalf("anonverify engine: %v", err)
	}
	srv := gateway.New(gateway.Config{
		Store:     store,
		Directory: dir,
		Personas:  persona.NewRegistry(store, dir, eventBus, nil),
		Drift:     drift.NewEngine(store, dir, eventBus, drift.NewWindow(10, time.Hour), drift.StandardDefaults(), nil),
		Anon:      anon,
		Bus:       eventBus,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, eventBus
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func registerAgent(t *testing.T, baseURL string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/agents", map[string]any{
		"agent_id":    "agent-1",
		"name":        "Support Bot",
		"owner_email": "ops@example.com",
		"secret":      testSecret,
		"tier":        "pro",
		"permissions": []string{"crm:tickets:read"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register agent: %d %s", resp.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}
	var payload struct {
		Healthy bool `json:"healthy"`
		DBOk    bool `json:"db_ok"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !payload.Healthy || !payload.DBOk {
		t.Fatalf("payload = %s", body)
	}
}

func TestAgentLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	registerAgent(t, ts.URL)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/agents/agent-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get agent: %d %s", resp.StatusCode, body)
	}
	if strings.Contains(string(body), "secret") {
		t.Fatalf("agent view leaks secret material: %s", body)
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/api/agents/agent-1/status", map[string]string{"status": "suspended"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/agents/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent: %d", resp.StatusCode)
	}
}

func TestPersonaEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	registerAgent(t, ts.URL)

	personaDoc := map[string]any{
		"version": "1.0.0",
		"traits":  map[string]any{"formality": 0.8, "tone": "professional"},
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/agents/agent-1/persona", map[string]any{
		"persona": personaDoc,
		"secret":  testSecret,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register persona: %d %s", resp.StatusCode, body)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	// Conditional read with matching ETag.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/agents/agent-1/persona", nil)
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	cached.Body.Close()
	if cached.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional get: %d, want 304", cached.StatusCode)
	}

	// Update without a version auto-bumps.
	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/agents/agent-1/persona", map[string]any{
		"persona": map[string]any{"traits": map[string]any{"formality": 0.5, "tone": "professional"}},
		"secret":  testSecret,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update persona: %d %s", resp.StatusCode, body)
	}
	var updated struct {
		PersonaVersion string `json:"persona_version"`
	}
	_ = json.Unmarshal(body, &updated)
	if updated.PersonaVersion != "1.1.0" {
		t.Fatalf("version = %q, want 1.1.0", updated.PersonaVersion)
	}

	// Stale explicit version conflicts.
	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/api/agents/agent-1/persona", map[string]any{
		"persona": map[string]any{"version": "1.0.0", "traits": map[string]any{}},
		"secret":  testSecret,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update: %d, want 409", resp.StatusCode)
	}

	// Wrong secret is an auth failure.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/agents/agent-1/persona/verify", map[string]string{"secret": "wrong"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d", resp.StatusCode)
	}

	// History as CSV.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/agents/agent-1/persona/history?format=csv", nil)
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "id,agent_id,") {
		t.Fatalf("history csv: %d %s", resp.StatusCode, body)
	}

	// Export and re-import round trip.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/agents/agent-1/persona/export", map[string]string{"secret": testSecret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", resp.StatusCode, body)
	}
}

func TestDriftEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	registerAgent(t, ts.URL)

	resp, body := doJSON(t, http.MethodPut, ts.URL+"/api/agents/agent-1/drift/config", map[string]any{
		"drift_threshold":   0.30,
		"warning_threshold": 0.24,
		"auto_revoke":       true,
		"baseline_metrics":  map[string]float64{"adherence": 0.95},
		"metric_weights":    map[string]float64{"adherence": 1.0},
		"spike_sensitivity": 2.0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure drift: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/agents/agent-1/health", map[string]any{
		"metrics": map[string]float64{"adherence": 0.60},
		"secret":  testSecret,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health ping: %d %s", resp.StatusCode, body)
	}
	var res struct {
		Status     string  `json:"status"`
		DriftScore float64 `json:"drift_score"`
	}
	_ = json.Unmarshal(body, &res)
	if res.Status != "revoked" {
		t.Fatalf("status = %q (score %v), want revoked", res.Status, res.DriftScore)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/agents/agent-1/drift", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drift score: %d %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"trend"`) {
		t.Fatalf("missing trend: %s", body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/agents/agent-1/drift/history?metric=adherence", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"metric_name":"adherence"`) {
		t.Fatalf("drift history projection: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/agents/agent-1/drift/config", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"drift_threshold":0.3`) {
		t.Fatalf("drift config: %d %s", resp.StatusCode, body)
	}
}

func TestZKPEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	registerAgent(t, ts.URL)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/zkp/commitments", map[string]any{
		"agent_id":           "agent-1",
		"secret":             testSecret,
		"expires_in_seconds": 3600,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register commitment: %d %s", resp.StatusCode, body)
	}
	var reg struct {
		Commitment string `json:"commitment"`
		Salt       string `json:"salt"`
	}
	if err := json.Unmarshal(body, &reg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reg.Salt == "" {
		t.Fatal("salt not returned")
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/zkp/verify", map[string]any{
		"commitment":    reg.Commitment,
		"mode":          "hash",
		"preimage_hash": reg.Commitment,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: %d %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"valid":true`) {
		t.Fatalf("verify body: %s", body)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/zkp/commitments/"+reg.Commitment, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: %d", resp.StatusCode)
	}

	// Revoked verifies 403 with the uniform failure body.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/zkp/verify", map[string]any{
		"commitment":    reg.Commitment,
		"mode":          "hash",
		"preimage_hash": reg.Commitment,
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("verify revoked: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/zkp/sweep", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", resp.StatusCode, body)
	}
}

func TestEventStream(t *testing.T) {
	ts, eventBus := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?topics=agent.drift."
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Give the server a moment to register the subscription.
	waitForSubscribers(t, eventBus)

	eventBus.Publish("agent.drift.warning", bus.DriftEvent{AgentID: "agent-1", DriftScore: 0.25})

	var evt struct {
		Topic   string `json:"topic"`
		Payload struct {
			AgentID string `json:"agent_id"`
		} `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Topic != "agent.drift.warning" || evt.Payload.AgentID != "agent-1" {
		t.Fatalf("event = %+v", evt)
	}
}

func waitForSubscribers(t *testing.T, b *bus.Bus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.SubscriberCount() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no subscriber registered")
}

func TestMalformedBodyRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/agents", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: %d, want 400", resp.StatusCode)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ts, _ := newTestServer(t)
	registerAgent(t, ts.URL)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown agent", http.MethodGet, "/api/agents/ghost", nil, http.StatusNotFound},
		{"bad secret", http.MethodPost, "/api/agents/agent-1/persona", map[string]any{
			"persona": map[string]any{"version": "1.0.0"}, "secret": "wrong"}, http.StatusUnauthorized},
		{"invalid persona", http.MethodPost, "/api/agents/agent-1/persona", map[string]any{
			"persona": map[string]any{"traits": 5}, "secret": testSecret}, http.StatusBadRequest},
		{"bad thresholds", http.MethodPut, "/api/agents/agent-1/drift/config", map[string]any{
			"drift_threshold": 0.2, "warning_threshold": 0.3, "spike_sensitivity": 2.0}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, tc.method, ts.URL+tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("%s: %d, want %d (%s)", tc.path, resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestOversizedPersonaRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	registerAgent(t, ts.URL)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/agents/agent-1/persona", map[string]any{
		"persona": map[string]any{
			"version":         "1.0.0",
			"prompt_template": strings.Repeat("x", persona.MaxPersonaBytes),
		},
		"secret": testSecret,
	})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized persona: %d, want 413", resp.StatusCode)
	}
}

func TestBatchHealthPings(t *testing.T) {
	ts, _ := newTestServer(t)
	registerAgent(t, ts.URL)

	pings := make([]map[string]any, 0, 3)
	for i := 0; i < 3; i++ {
		pings = append(pings, map[string]any{
			"metrics": map[string]float64{"adherence": 0.9 - float64(i)*0.01},
		})
	}
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/agents/agent-1/health", map[string]any{
		"pings":  pings,
		"secret": testSecret,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Results []struct {
			Result *struct {
				PingID string `json:"ping_id"`
			} `json:"result"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(out.Results))
	}
	for i, r := range out.Results {
		if r.Result == nil || r.Result.PingID == "" {
			t.Fatalf("result %d missing ping id: %s", i, body)
		}
	}
}
