// Package doctor runs local diagnostic checks for the trust service:
// config, database, filesystem permissions, the optional Groth16
// verification key, the sweep schedule and webhook endpoint DNS.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/basket/agentauth/internal/config"
	"github.com/basket/agentauth/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkVerificationKey,
		checkSweepSchedule,
		checkWebhooks,
		checkService,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid", Detail: cfg.DatabasePath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkVerificationKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.ZKP.VerificationKeyPath == "" {
		return CheckResult{Name: "ZKP Key", Status: "SKIP", Message: "zkp proof verification not configured (hash mode only)"}
	}
	info, err := os.Stat(cfg.ZKP.VerificationKeyPath)
	if err != nil {
		return CheckResult{Name: "ZKP Key", Status: "FAIL", Message: fmt.Sprintf("Verification key unreadable: %v", err)}
	}
	if info.Size() == 0 {
		return CheckResult{Name: "ZKP Key", Status: "FAIL", Message: "Verification key file is empty"}
	}
	return CheckResult{Name: "ZKP Key", Status: "PASS", Message: fmt.Sprintf("Key present (%d bytes)", info.Size()), Detail: cfg.ZKP.VerificationKeyPath}
}

func checkSweepSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sweep Schedule", Status: "SKIP", Message: "Config missing"}
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cfg.Sweep.Schedule); err != nil {
		return CheckResult{Name: "Sweep Schedule", Status: "FAIL", Message: fmt.Sprintf("Invalid cron expression %q: %v", cfg.Sweep.Schedule, err)}
	}
	return CheckResult{Name: "Sweep Schedule", Status: "PASS", Message: fmt.Sprintf("Valid cron expression %q", cfg.Sweep.Schedule)}
}

func checkWebhooks(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Webhooks) == 0 {
		return CheckResult{Name: "Webhooks", Status: "SKIP", Message: "No webhook endpoints configured"}
	}

	status := "PASS"
	var details []string
	for _, wh := range cfg.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || u.Host == "" {
			details = append(details, fmt.Sprintf("%s: invalid url", wh.URL))
			status = "FAIL"
			continue
		}
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
		cancel()
		if err != nil {
			details = append(details, fmt.Sprintf("%s: DNS lookup failed (%v)", u.Hostname(), err))
			if status == "PASS" {
				status = "WARN"
			}
			continue
		}
		details = append(details, fmt.Sprintf("%s: ok", u.Hostname()))
	}
	return CheckResult{
		Name:    "Webhooks",
		Status:  status,
		Message: fmt.Sprintf("Checked %d endpoints", len(cfg.Webhooks)),
		Detail:  fmt.Sprintf("%v", details),
	}
}

func checkService(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Service", Status: "SKIP", Message: "Config missing"}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+cfg.BindAddr+"/healthz", nil)
	if err != nil {
		return CheckResult{Name: "Service", Status: "FAIL", Message: fmt.Sprintf("Request build failed: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Service", Status: "WARN", Message: "Daemon not reachable (not running?)", Detail: cfg.BindAddr}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Service", Status: "WARN", Message: fmt.Sprintf("Health endpoint returned %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Service", Status: "PASS", Message: "Daemon healthy", Detail: cfg.BindAddr}
}
