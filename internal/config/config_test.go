package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oathboard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OATHBOARD_CONFIG", "")
	t.Setenv("API_ADDR", "")
	t.Setenv("OATHBOARD_GUIDED_LEVELS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":8787" || cfg.GuidedLevels != 3 || cfg.RatingMax != 5 || cfg.AccessTTL != 15*time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestFileOverridesDefaultsAndEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
addr: ":9000"
database_url: memory
app_url: https://oathboard.example/
auth:
  magic_link_ttl_seconds: 600
archive:
  endpoint: minio:9000
  use_ssl: true
pairing:
  guided_levels: 5
  code_attempts: 12
`)
	t.Setenv("OATHBOARD_CONFIG", path)
	t.Setenv("API_ADDR", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OATHBOARD_APP_URL", "")
	t.Setenv("OATHBOARD_MAGIC_LINK_TTL_SECONDS", "")
	t.Setenv("ARCHIVE_ENDPOINT", "")
	t.Setenv("ARCHIVE_USE_SSL", "")
	t.Setenv("OATHBOARD_CODE_ATTEMPTS", "")
	t.Setenv("OATHBOARD_GUIDED_LEVELS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.DatabaseURL != MemoryDatabase {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.AppURL != "https://oathboard.example" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.AppURL)
	}
	if cfg.MagicLinkTTL != 10*time.Minute || cfg.CodeAttempts != 12 {
		t.Fatalf("unexpected durations or attempts: %+v", cfg)
	}
	if cfg.ArchiveEndpoint != "minio:9000" || !cfg.ArchiveUseSSL {
		t.Fatalf("archive settings not applied: %+v", cfg)
	}
	if cfg.GuidedLevels != 7 {
		t.Fatalf("environment must win over the file, got %d", cfg.GuidedLevels)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	t.Setenv("OATHBOARD_CONFIG", writeFile(t, "addr: [unterminated"))
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGetenvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("OATHBOARD_RATING_MAX", "five")
	if got := getenvInt("OATHBOARD_RATING_MAX", 5); got != 5 {
		t.Fatalf("expected fallback, got %d", got)
	}
}
