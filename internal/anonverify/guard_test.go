package anonverify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/persistence"
)

// A sweep that fires while another is in flight must skip, not queue.
func TestSweepOverlapSkips(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "trustd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	dir := directory.New(store)
	ctx := context.Background()
	secret := "sk_test_overlap_secret"
	if err := dir.Register(ctx, "agent-1", "Support Bot", "ops@example.com", secret, directory.TierPro, nil); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	eng, err := NewEngine(store, dir, nil, Options{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	registration, err := eng.RegisterCommitment(ctx, "agent-1", secret, RegisterParams{ExpiresIn: time.Second})
	if err != nil {
		t.Fatalf("register commitment: %v", err)
	}
	// Move the clock past expiry so the sweep has work to do.
	eng.now = func() time.Time { return time.Now().Add(time.Hour) }

	// An in-flight sweep holds the guard.
	if !eng.sweeping.CompareAndSwap(false, true) {
		t.Fatal("guard unexpectedly held")
	}
	revoked, err := eng.CleanupExpiredCommitments(ctx)
	if err != nil {
		t.Fatalf("overlapping sweep: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("overlapping sweep revoked %d commitments, want 0 (skip)", revoked)
	}
	rec, err := store.GetCommitment(ctx, registration.Commitment)
	if err != nil {
		t.Fatalf("get commitment: %v", err)
	}
	if rec.Status != "active" {
		t.Fatalf("commitment status = %q after skipped sweep, want active", rec.Status)
	}

	// Once the in-flight sweep finishes the next one does the work.
	eng.sweeping.Store(false)
	revoked, err = eng.CleanupExpiredCommitments(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("sweep revoked %d commitments, want 1", revoked)
	}
	rec, err = store.GetCommitment(ctx, registration.Commitment)
	if err != nil {
		t.Fatalf("get commitment: %v", err)
	}
	if rec.Status != "revoked" {
		t.Fatalf("commitment status = %q after sweep, want revoked", rec.Status)
	}
}
