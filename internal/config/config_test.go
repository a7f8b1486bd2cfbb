package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.toml")})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Engine.CacheName != "catalog" || cfg.Storage.Type != "memory" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Engine.RevalidateTimeout.Duration() != 10*time.Second {
		t.Fatalf("unexpected revalidate timeout %s", cfg.Engine.RevalidateTimeout)
	}
}

func TestLoadPriority(t *testing.T) {
	path := writeTOML(t, `
[server]
addr = ":9000"
shutdown_timeout = "3s"

[engine]
version = 4
asset_hosts = ["cdn.example"]
revalidate_after = "1m"

[storage]
type = "sqlite"

[logging]
level = "debug"
`)
	t.Setenv("OFFLINECACHE_ENGINE_VERSION", "5")
	t.Setenv("OFFLINECACHE_ENGINE_ASSET_HOSTS", "a.example,b.example")
	t.Setenv("OFFLINECACHE_CATALOG_BATCH_SIZE", "25")

	cfg, err := Load([]string{"-config", path, "-cache-version", "6", "-offline"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.ShutdownTimeout.Duration() != 3*time.Second {
		t.Fatalf("expected file values, got %+v", cfg.Server)
	}
	if cfg.Engine.RevalidateAfter.Duration() != time.Minute {
		t.Fatalf("expected revalidate_after from file, got %s", cfg.Engine.RevalidateAfter)
	}
	if strings.Join(cfg.Engine.AssetHosts, ",") != "a.example,b.example" {
		t.Fatalf("expected env to override file, got %v", cfg.Engine.AssetHosts)
	}
	if cfg.Catalog.BatchSize != 25 {
		t.Fatalf("expected batch size from env, got %d", cfg.Catalog.BatchSize)
	}
	if cfg.Engine.Version != 6 {
		t.Fatalf("expected flag to override env, got %d", cfg.Engine.Version)
	}
	if !cfg.Catalog.Offline || cfg.Storage.Type != "sqlite" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	// untouched defaults survive the file and env passes
	if cfg.Catalog.TruncateTo != 500 || cfg.Storage.KVQuotaBytes != 5<<20 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Catalog, cfg.Storage)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		args    []string
	}{
		{"bad toml", "[server\naddr = 1", nil},
		{"bad duration", "[server]\nshutdown_timeout = \"soon\"", nil},
		{"storage type", "", []string{"-storage", "postgres"}},
		{"log level", "", []string{"-log-level", "loud"}},
		{"version", "[engine]\nversion = -1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"-config", writeTOML(t, tt.content)}, tt.args...)
			if _, err := Load(args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseEnvError(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("OFFLINECACHE_CATALOG_PAGE_SIZE", "not-an-int")

	err := ParseEnv(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", buf.String())
	}

	if _, err := (LoggingConfig{Level: "info", Format: "xml"}).NewLogger(&buf); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
