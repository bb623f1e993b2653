package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.StepRetryBaseS != 1.0 || cfg.StepRetryCapS != 60.0 {
		t.Errorf("unexpected step backoff defaults: %v/%v", cfg.StepRetryBaseS, cfg.StepRetryCapS)
	}
	if cfg.ExecRetryBaseS != 5.0 || cfg.ExecRetryCapS != 300.0 {
		t.Errorf("unexpected exec backoff defaults: %v/%v", cfg.ExecRetryBaseS, cfg.ExecRetryCapS)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("unexpected worker_concurrency default: %d", cfg.WorkerConcurrency)
	}
	if cfg.QueueVisibility() != 600*time.Second {
		t.Errorf("unexpected visibility: %v", cfg.QueueVisibility())
	}
}

func TestLoad_YAMLAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	content := []byte("worker_concurrency: 8\nlog_level: DEBUG\nqueue_visibility_s: 120\nsweeper_stuck_threshold_s: 600\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONVEYOR_CONFIG", path)
	t.Setenv("LOG_LEVEL", "ERROR") // env поверх файла
	t.Setenv("DB_URL", "postgresql://test:test@db:5432/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.WorkerConcurrency != 8 {
		t.Errorf("expected worker_concurrency from file, got %d", cfg.WorkerConcurrency)
	}
	if cfg.LogLevel != "ERROR" {
		t.Errorf("env must override file, got %s", cfg.LogLevel)
	}
	if cfg.DBURL != "postgresql://test:test@db:5432/test" {
		t.Errorf("expected db_url from env, got %s", cfg.DBURL)
	}
}

func TestValidate_LeaseThresholdRelationship(t *testing.T) {
	cfg := Default()
	cfg.QueueVisibilityS = 600
	cfg.SweeperStuckThresholdS = 700 // меньше 2× lease

	if err := cfg.Validate(); err == nil {
		t.Error("threshold below twice the lease must be rejected")
	}

	cfg.SweeperStuckThresholdS = 1200
	if err := cfg.Validate(); err != nil {
		t.Errorf("threshold at twice the lease must validate: %v", err)
	}
}

func TestValidate_Backoff(t *testing.T) {
	cfg := Default()
	cfg.StepRetryBaseS = 0

	if err := cfg.Validate(); err == nil {
		t.Error("zero base must be rejected")
	}

	cfg = Default()
	cfg.ExecRetryCapS = cfg.ExecRetryBaseS - 1
	if err := cfg.Validate(); err == nil {
		t.Error("cap below base must be rejected")
	}

	cfg = Default()
	cfg.RetryJitterPct = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("jitter above 1 must be rejected")
	}
}
