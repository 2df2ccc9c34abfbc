// Package drift ingests agent health pings, scores them against a
// per-agent baseline, detects single-metric spikes over a rolling window
// and drives the ok/warning/revoked threshold state machine.
package drift

import (
	"sync"
	"time"
)

const (
	defaultMaxAgents    = 500
	defaultMaxSnapshots = 10
	defaultWindowTTL    = time.Hour
)

type snapshot struct {
	metrics map[string]float64
	at      time.Time
}

type agentWindow struct {
	snapshots []snapshot
	touched   time.Time
}

// Window is a bounded in-process rolling cache of recent metric snapshots,
// keyed by agent id. Append-and-trim is atomic per call; entries expire
// after the TTL and the least recently touched agent is evicted when the
// agent cap is hit.
type Window struct {
	mu           sync.Mutex
	agents       map[string]*agentWindow
	maxAgents    int
	maxSnapshots int
	ttl          time.Duration
	now          func() time.Time
}

func NewWindow(maxAgents int, ttl time.Duration) *Window {
	if maxAgents <= 0 {
		maxAgents = defaultMaxAgents
	}
	if ttl <= 0 {
		ttl = defaultWindowTTL
	}
	return &Window{
		agents:       make(map[string]*agentWindow),
		maxAgents:    maxAgents,
		maxSnapshots: defaultMaxSnapshots,
		ttl:          ttl,
		now:          time.Now,
	}
}

// Append records a metric snapshot for the agent, trimming to the snapshot
// cap and evicting stale or excess agents.
func (w *Window) Append(agentID string, metrics map[string]float64) {
	copied := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.evictLocked(now)

	aw := w.agents[agentID]
	if aw == nil {
		if len(w.agents) >= w.maxAgents {
			w.evictOldestLocked()
		}
		aw = &agentWindow{}
		w.agents[agentID] = aw
	}
	aw.snapshots = append(aw.snapshots, snapshot{metrics: copied, at: now})
	if len(aw.snapshots) > w.maxSnapshots {
		aw.snapshots = aw.snapshots[len(aw.snapshots)-w.maxSnapshots:]
	}
	aw.touched = now
}

// Snapshots returns the agent's cached snapshots, oldest first.
func (w *Window) Snapshots(agentID string) []map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(w.now())
	aw := w.agents[agentID]
	if aw == nil {
		return nil
	}
	out := make([]map[string]float64, len(aw.snapshots))
	for i, s := range aw.snapshots {
		out[i] = s.metrics
	}
	return out
}

// Len returns the number of cached snapshots for the agent.
func (w *Window) Len(agentID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	aw := w.agents[agentID]
	if aw == nil {
		return 0
	}
	return len(aw.snapshots)
}

// AgentCount returns the number of agents currently cached.
func (w *Window) AgentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.agents)
}

func (w *Window) evictLocked(now time.Time) {
	for id, aw := range w.agents {
		if now.Sub(aw.touched) > w.ttl {
			delete(w.agents, id)
		}
	}
}

func (w *Window) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, aw := range w.agents {
		if oldestID == "" || aw.touched.Before(oldest) {
			oldestID = id
			oldest = aw.touched
		}
	}
	if oldestID != "" {
		delete(w.agents, oldestID)
	}
}
