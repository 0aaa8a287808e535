package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("SNAPSHOT_LIMIT", "not-a-number")
	t.Setenv("QUEUE_BATCHING_ENABLED", "true")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected PORT override, got %q", cfg.Port)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSOrigins)
	}
	if cfg.SnapshotLimit != 50 {
		t.Fatalf("invalid ints should fall back, got %d", cfg.SnapshotLimit)
	}
	if !cfg.QueueBatchingEnabled || cfg.RedisStream != "jobsync_status" {
		t.Fatalf("unexpected queue settings %+v", cfg)
	}
	if Millis(cfg.WriteTimeoutMS) != 10*time.Second {
		t.Fatalf("unexpected write timeout %d", cfg.WriteTimeoutMS)
	}
}

func TestLocation(t *testing.T) {
	loc, err := Config{Timezone: "UTC"}.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("expected UTC, got %v (%v)", loc, err)
	}
	if loc, err := (Config{Timezone: "Mars/Olympus"}).Location(); err == nil || loc != time.Local {
		t.Fatalf("unknown zones should error and fall back to Local")
	}
}

func TestLoadDotEnvKeepsProcessEnvAndExpands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\n" +
		"export JOBSYNC_TEST_HOST=db.internal\n" +
		"JOBSYNC_TEST_URL=\"postgres://${JOBSYNC_TEST_HOST}:5432/jobs\"\n" +
		"JOBSYNC_TEST_RAW='${JOBSYNC_TEST_HOST}'\n" +
		"JOBSYNC_TEST_KEEP=from-file # trailing\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("JOBSYNC_TEST_KEEP", "from-process")
	for _, key := range []string{"JOBSYNC_TEST_HOST", "JOBSYNC_TEST_URL", "JOBSYNC_TEST_RAW"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	loaded, err := LoadDotEnv(path, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != path {
		t.Fatalf("unexpected loaded files %v", loaded)
	}
	if got := os.Getenv("JOBSYNC_TEST_URL"); got != "postgres://db.internal:5432/jobs" {
		t.Fatalf("expected expanded url, got %q", got)
	}
	if got := os.Getenv("JOBSYNC_TEST_RAW"); got != "${JOBSYNC_TEST_HOST}" {
		t.Fatalf("single quotes should be literal, got %q", got)
	}
	if got := os.Getenv("JOBSYNC_TEST_KEEP"); got != "from-process" {
		t.Fatalf("process env should win, got %q", got)
	}
}

func TestLoadDotEnvRejectsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("JUST_A_WORD\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadDotEnv(path); err == nil {
		t.Fatalf("expected a parse error")
	}
}
