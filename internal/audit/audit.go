// Package audit appends security-relevant trust decisions to an
// append-only JSONL file under the service home: revocations (manual,
// drift-triggered and expiry sweeps), rejected verifications and
// persona imports. Secrets are redacted before anything is written.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentauth/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	AgentID   string `json:"agent_id,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu              sync.Mutex
	file            *os.File
	revocationCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RevocationCount returns the total number of revocation events recorded
// since startup.
func RevocationCount() int64 {
	return revocationCount.Load()
}

// Record appends one trust decision. A nil file (audit not initialized,
// as in most tests) makes this a no-op apart from the counter.
func Record(event, agentID, outcome, reason string) {
	if outcome == "revoked" {
		revocationCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		AgentID:   agentID,
		Outcome:   outcome,
		Reason:    reason,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
