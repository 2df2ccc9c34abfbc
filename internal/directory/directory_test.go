package directory_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/agentauth/internal/apierr"
	"github.com/basket/agentauth/internal/directory"
	"github.com/basket/agentauth/internal/persistence"
)

func newDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "trustd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return directory.New(store)
}

func TestRegisterAndLookup(t *testing.T) {
	dir := newDirectory(t)
	ctx := t.Context()

	err := dir.Register(ctx, "agt_1", "Support Agent", "ops@example.com", "sk_secret", "pro",
		[]string{"zendesk:tickets:read", "slack:*:*"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	info, err := dir.Lookup(ctx, "agt_1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.Status != directory.StatusActive || info.Tier != "pro" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.SecretHash == "sk_secret" {
		t.Fatalf("raw secret persisted")
	}

	if _, err := dir.Lookup(ctx, "agt_missing"); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	dir := newDirectory(t)
	ctx := t.Context()

	cases := []struct {
		name  string
		run   func() error
	}{
		{"empty id", func() error { return dir.Register(ctx, "", "n", "e", "s", "free", nil) }},
		{"empty secret", func() error { return dir.Register(ctx, "a", "n", "e", "", "free", nil) }},
		{"bad tier", func() error { return dir.Register(ctx, "a", "n", "e", "s", "platinum", nil) }},
		{"bad permission", func() error {
			return dir.Register(ctx, "a", "n", "e", "s", "free", []string{"not-a-permission"})
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, apierr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if err := dir.Register(ctx, "agt_dup", "n", "e", "s", "free", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := dir.Register(ctx, "agt_dup", "n", "e", "s", "free", nil); !errors.Is(err, apierr.ErrConflict) {
		t.Fatalf("expected conflict for duplicate, got %v", err)
	}
}

func TestVerifySecret(t *testing.T) {
	dir := newDirectory(t)
	ctx := t.Context()
	if err := dir.Register(ctx, "agt_1", "n", "e", "sk_topsecret", "free", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := dir.VerifySecret(ctx, "agt_1", "sk_topsecret"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := dir.VerifySecret(ctx, "agt_1", "sk_topsecreT"); !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	// Unknown agent fails identically to a wrong secret.
	if err := dir.VerifySecret(ctx, "agt_ghost", "whatever"); !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("expected auth failure for unknown agent, got %v", err)
	}
}

func TestRequireActive(t *testing.T) {
	dir := newDirectory(t)
	ctx := t.Context()
	if err := dir.Register(ctx, "agt_1", "n", "e", "s", "free", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := dir.RequireActive(ctx, "agt_1"); err != nil {
		t.Fatalf("require active: %v", err)
	}

	if err := dir.SetStatus(ctx, "agt_1", directory.StatusRevoked); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := dir.RequireActive(ctx, "agt_1"); !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("expected auth failure for revoked agent, got %v", err)
	}
	// Re-applying the same status stays a no-op.
	if err := dir.SetStatus(ctx, "agt_1", directory.StatusRevoked); err != nil {
		t.Fatalf("idempotent set status: %v", err)
	}
	if err := dir.SetStatus(ctx, "agt_1", "frozen"); !errors.Is(err, apierr.ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}
