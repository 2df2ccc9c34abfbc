package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentauth/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TRUSTD_HOME", home)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRunAllChecks(t *testing.T) {
	cfg := testConfig(t)
	diag := Run(context.Background(), cfg, "test")
	if len(diag.Results) == 0 {
		t.Fatal("expected at least one check result")
	}
	if diag.System.Go == "" || diag.System.OS == "" {
		t.Fatalf("system info incomplete: %+v", diag.System)
	}
	for _, res := range diag.Results {
		switch res.Status {
		case "PASS", "FAIL", "WARN", "SKIP":
		default:
			t.Errorf("check %s has unknown status %q", res.Name, res.Status)
		}
	}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	res := checkConfig(context.Background(), nil)
	if res.Status != "FAIL" {
		t.Fatalf("got status %s, want FAIL for nil config", res.Status)
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testConfig(t)
	res := checkDatabase(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("got status %s (%s), want PASS", res.Status, res.Message)
	}
}

func TestCheckVerificationKey(t *testing.T) {
	cfg := testConfig(t)

	res := checkVerificationKey(context.Background(), cfg)
	if res.Status != "SKIP" {
		t.Fatalf("unset key path: got status %s, want SKIP", res.Status)
	}

	cfg.ZKP.VerificationKeyPath = filepath.Join(cfg.HomeDir, "missing.vk")
	res = checkVerificationKey(context.Background(), cfg)
	if res.Status != "FAIL" {
		t.Fatalf("missing key file: got status %s, want FAIL", res.Status)
	}

	keyPath := filepath.Join(cfg.HomeDir, "verify.vk")
	if err := os.WriteFile(keyPath, []byte("not-actually-a-key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	cfg.ZKP.VerificationKeyPath = keyPath
	res = checkVerificationKey(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("present key file: got status %s (%s), want PASS", res.Status, res.Message)
	}
}

func TestCheckSweepSchedule(t *testing.T) {
	cfg := testConfig(t)
	if res := checkSweepSchedule(context.Background(), cfg); res.Status != "PASS" {
		t.Fatalf("default schedule: got status %s (%s), want PASS", res.Status, res.Message)
	}

	cfg.Sweep.Schedule = "every day at noon"
	if res := checkSweepSchedule(context.Background(), cfg); res.Status != "FAIL" {
		t.Fatalf("invalid schedule: got status %s, want FAIL", res.Status)
	}
}

func TestCheckWebhooks(t *testing.T) {
	cfg := testConfig(t)
	if res := checkWebhooks(context.Background(), cfg); res.Status != "SKIP" {
		t.Fatalf("no webhooks: got status %s, want SKIP", res.Status)
	}

	cfg.Webhooks = []config.WebhookEndpoint{{URL: "::not a url::"}}
	if res := checkWebhooks(context.Background(), cfg); res.Status != "FAIL" {
		t.Fatalf("invalid webhook url: got status %s, want FAIL", res.Status)
	}

	cfg.Webhooks = []config.WebhookEndpoint{{URL: "http://localhost:9/hook"}}
	if res := checkWebhooks(context.Background(), cfg); res.Status != "PASS" {
		t.Fatalf("localhost webhook: got status %s (%s), want PASS", res.Status, res.Message)
	}
}

func TestCheckService_NotRunning(t *testing.T) {
	cfg := testConfig(t)
	cfg.BindAddr = "127.0.0.1:1"
	res := checkService(context.Background(), cfg)
	if res.Status != "WARN" {
		t.Fatalf("unreachable daemon: got status %s, want WARN", res.Status)
	}
}
