package translator

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if cfg != DefaultConfig() {
		t.Errorf("missing config produced %+v, want defaults", cfg)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcross.yaml")
	body := `cache_dir: /tmp/tc
guest_arena_bytes: 4096
checkpoint_every: 10
maintenance_every: 30m
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path, nil)
	if cfg.CacheDir != "/tmp/tc" {
		t.Errorf("cache dir %q, want /tmp/tc", cfg.CacheDir)
	}
	if cfg.GuestArenaBytes != 4096 {
		t.Errorf("guest arena %d, want 4096", cfg.GuestArenaBytes)
	}
	if cfg.CheckpointEvery != 10 {
		t.Errorf("checkpoint every %d, want 10", cfg.CheckpointEvery)
	}
	if cfg.MaintenanceEvery != 30*time.Minute {
		t.Errorf("maintenance every %v, want 30m", cfg.MaintenanceEvery)
	}
	// Unset fields keep their defaults.
	if cfg.MaxL1Entries != 1024 {
		t.Errorf("max l1 %d, want default 1024", cfg.MaxL1Entries)
	}
}

func TestLoadConfigMalformedYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("cache_dir: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg := LoadConfig(path, nil); cfg != DefaultConfig() {
		t.Errorf("malformed config produced %+v, want defaults", cfg)
	}
}
