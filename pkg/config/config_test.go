package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies the documented defaults.
func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Lease.SweepInterval != 30*time.Second {
		t.Errorf("sweep interval %s, want 30s", cfg.Lease.SweepInterval)
	}
	if cfg.Breaker.ConsecutiveFailures != 5 || cfg.Breaker.OpenDuration != 60*time.Second {
		t.Errorf("breaker defaults %+v, want 5 failures / 60s open", cfg.Breaker)
	}
	if cfg.Kanban.Provider != "local" {
		t.Errorf("default provider %s, want local", cfg.Kanban.Provider)
	}
}

// TestLoadWithoutFile verifies an empty path yields pure defaults.
func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddr != ":8585" {
		t.Errorf("bind addr %s, want :8585", cfg.Server.BindAddr)
	}
}

// TestLoadYAMLOverridesDefaults verifies file values replace defaults while
// untouched fields keep theirs.
func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marcus.yaml")
	yaml := `
server:
  bind_addr: ":9999"
kanban:
  provider: github_projects
  config:
    token: tok-123
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddr != ":9999" {
		t.Errorf("bind addr %s, want :9999", cfg.Server.BindAddr)
	}
	if cfg.Kanban.Provider != "github_projects" || cfg.Kanban.Config["token"] != "tok-123" {
		t.Errorf("kanban config not loaded: %+v", cfg.Kanban)
	}
	if cfg.Lease.SweepInterval != 30*time.Second {
		t.Error("untouched defaults should survive the file overlay")
	}
}

// TestEnvOverridesFile verifies MARCUS_-prefixed env vars win over the file.
func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marcus.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /from-file\n"), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("MARCUS_DATA_DIR", "/from-env")
	t.Setenv("MARCUS_KANBAN_PROVIDER", "planka")
	t.Setenv("MARCUS_LEASE_SWEEP_INTERVAL", "10s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/from-env" {
		t.Errorf("data dir %s, want /from-env", cfg.DataDir)
	}
	if cfg.Kanban.Provider != "planka" {
		t.Errorf("provider %s, want planka", cfg.Kanban.Provider)
	}
	if cfg.Lease.SweepInterval != 10*time.Second {
		t.Errorf("sweep interval %s, want 10s", cfg.Lease.SweepInterval)
	}
}

// TestLoadMissingFileErrors verifies a named-but-absent file is a
// configuration error rather than a silent fallback.
func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
