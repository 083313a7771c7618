package clicktracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.FallbackURL != "http://outfit7.com" {
		t.Fatalf("unexpected fallback: %s", cfg.FallbackURL)
	}
	if cfg.FlushInterval != 10*time.Second {
		t.Fatalf("unexpected flush interval: %v", cfg.FlushInterval)
	}
	if cfg.ShardCount != 1 {
		t.Fatalf("unexpected shard count: %d", cfg.ShardCount)
	}
	if len(cfg.Platforms) != 3 {
		t.Fatalf("unexpected platforms: %v", cfg.Platforms)
	}
	if cfg.Store.Type != "sqlite" {
		t.Fatalf("unexpected store type: %s", cfg.Store.Type)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
addr: ":9090"
fallback_url: "http://fallback.example.com"
flush_interval_seconds: 30
shard_count: 8
platforms:
  - android
store:
  type: postgres
  dsn: "postgres://localhost/tracker"
redis:
  addr: "localhost:6379"
cache:
  fresh_ttl_seconds: 5
  stale_ttl_seconds: 60
queue:
  poll_interval_ms: 100
  lease_ttl_seconds: 15
admin:
  username: boss
  password: hunter2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.FallbackURL != "http://fallback.example.com" {
		t.Fatalf("unexpected server config: %+v", cfg)
	}
	if cfg.FlushInterval != 30*time.Second {
		t.Fatalf("unexpected flush interval: %v", cfg.FlushInterval)
	}
	if cfg.ShardCount != 8 {
		t.Fatalf("unexpected shard count: %d", cfg.ShardCount)
	}
	if len(cfg.Platforms) != 1 || cfg.Platforms[0] != "android" {
		t.Fatalf("unexpected platforms: %v", cfg.Platforms)
	}
	if cfg.Store.Type != "postgres" || cfg.Store.DSN != "postgres://localhost/tracker" {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Cache.FreshTTL != 5*time.Second || cfg.Cache.StaleTTL != time.Minute {
		t.Fatalf("unexpected cache config: %+v", cfg.Cache)
	}
	if cfg.Queue.PollInterval != 100*time.Millisecond || cfg.Queue.LeaseTTL != 15*time.Second {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Admin.Username != "boss" || cfg.Admin.Password != "hunter2" {
		t.Fatalf("unexpected admin config: %+v", cfg.Admin)
	}
}

func TestLoadConfig_ZeroFlushIntervalMeansSync(t *testing.T) {
	path := writeConfigFile(t, "flush_interval_seconds: 0\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.FlushInterval != 0 {
		t.Fatalf("expected sync mode, got %v", cfg.FlushInterval)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TRACKER_ADMIN_USERNAME", "root")
	t.Setenv("TRACKER_ADMIN_PASSWORD", "toor")
	t.Setenv("TRACKER_COUNTER_UPDATE_INTERVAL_LENGTH", "25")
	t.Setenv("TRACKER_NUMBER_OF_SHARDS", "6")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Admin.Username != "root" || cfg.Admin.Password != "toor" {
		t.Fatalf("unexpected admin config: %+v", cfg.Admin)
	}
	if cfg.FlushInterval != 25*time.Second {
		t.Fatalf("unexpected flush interval: %v", cfg.FlushInterval)
	}
	if cfg.ShardCount != 6 {
		t.Fatalf("unexpected shard count: %d", cfg.ShardCount)
	}
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	cases := []string{
		"shard_count: 0\n",
		"flush_interval_seconds: -5\n",
		"store:\n  type: oracle\n",
		"store:\n  type: mongo\n  dsn: mongodb://localhost\n",
	}
	for i, content := range cases {
		if _, err := LoadConfig(writeConfigFile(t, content)); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestLoadConfig_MissingFileFails(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
