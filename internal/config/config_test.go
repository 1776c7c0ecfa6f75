package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Fatalf("unexpected default backend: %q", cfg.DBBackend)
	}
	if cfg.Sync.DriftThresholdMS != 5000 {
		t.Fatalf("unexpected drift threshold: %d", cfg.Sync.DriftThresholdMS)
	}
	if cfg.Sync.Engage != EngagePrompted {
		t.Fatalf("unexpected engage policy: %q", cfg.Sync.Engage)
	}
}

func TestInstanceIDDefaultIsUnique(t *testing.T) {
	cfg1, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg2, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg1.InstanceID == "" {
		t.Fatal("default instance id is empty; instances would share relay identity")
	}
	if cfg1.InstanceID == cfg2.InstanceID {
		t.Fatalf("two default instance ids collide: %q", cfg1.InstanceID)
	}

	t.Setenv("ROOMSYNC_INSTANCE_ID", "node-7")
	cfg3, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg3.InstanceID != "node-7" {
		t.Fatalf("explicit instance id not honored: %q", cfg3.InstanceID)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("ROOMSYNC_DB_BACKEND", "oracle")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for unsupported backend")
	}
}

func TestLoadSyncTunablesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yml")
	contents := "drift_threshold_ms: 3000\ngrace_period_ms: 1500\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write tunables: %v", err)
	}
	t.Setenv("ROOMSYNC_SYNC_TUNABLES", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Sync.DriftThresholdMS != 3000 {
		t.Fatalf("tunables file not applied: drift=%d", cfg.Sync.DriftThresholdMS)
	}
	if cfg.Sync.GracePeriodMS != 1500 {
		t.Fatalf("tunables file not applied: grace=%d", cfg.Sync.GracePeriodMS)
	}
	// Values absent from the file keep their defaults.
	if cfg.Sync.ReportIntervalMS != 1000 {
		t.Fatalf("default report interval lost: %d", cfg.Sync.ReportIntervalMS)
	}
}

func TestLoadRejectsInvalidTunables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.yml")
	if err := os.WriteFile(path, []byte("drift_threshold_ms: -1\n"), 0o600); err != nil {
		t.Fatalf("write tunables: %v", err)
	}
	t.Setenv("ROOMSYNC_SYNC_TUNABLES", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail for negative drift threshold")
	}
}
