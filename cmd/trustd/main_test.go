package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentauth/internal/config"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nTRUSTD_TEST_KEY=hello\n\nTRUSTD_TEST_EXISTING=overwritten\nNOEQUALS\n=novalue\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("TRUSTD_TEST_KEY", "")
	os.Unsetenv("TRUSTD_TEST_KEY")
	t.Setenv("TRUSTD_TEST_EXISTING", "original")

	loadDotEnv(path)

	if got := os.Getenv("TRUSTD_TEST_KEY"); got != "hello" {
		t.Fatalf("TRUSTD_TEST_KEY = %q, want %q", got, "hello")
	}
	if got := os.Getenv("TRUSTD_TEST_EXISTING"); got != "original" {
		t.Fatalf("existing env var overwritten: got %q", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "does-not-exist"))
}

func TestIsAddrInUse(t *testing.T) {
	if isAddrInUse(errors.New("listen tcp 127.0.0.1:18790: bind: address already in use")) != true {
		t.Fatal("expected addr-in-use error to be detected")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error misclassified as addr-in-use")
	}
}

func TestBaseURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"127.0.0.1:18790", "http://127.0.0.1:18790"},
		{"", "http://127.0.0.1:18790"},
		{"https://trustd.example.com/", "https://trustd.example.com"},
		{"http://localhost:9000", "http://localhost:9000"},
	}
	for _, tc := range cases {
		if got := baseURL(tc.in); got != tc.want {
			t.Errorf("baseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDriftDefaultsFromConfig(t *testing.T) {
	t.Setenv("TRUSTD_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	d := driftDefaults(cfg)
	if d.DriftThreshold != 0.30 || d.WarningThreshold != 0.24 {
		t.Fatalf("unexpected default thresholds: %+v", d)
	}
	if !d.AutoRevoke {
		t.Fatal("auto revoke should default to enabled")
	}
}
