package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndLoadTOML(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "server.toml")

	cfg := ServerConfig{HTTPHost: "127.0.0.1", HTTPPort: 9090}
	if err := WriteTOML(configPath, &cfg); err != nil {
		t.Fatalf("WriteTOML() failed: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	var loaded ServerConfig
	if err := LoadTOML(configPath, &loaded); err != nil {
		t.Fatalf("LoadTOML() failed: %v", err)
	}
	if loaded.HTTPHost != "127.0.0.1" || loaded.HTTPPort != 9090 {
		t.Fatalf("unexpected round-tripped config: %+v", loaded)
	}
}

func TestServerConfigDefaults(t *testing.T) {
	t.Parallel()

	var cfg ServerConfig
	cfg.Defaults()

	if cfg.HTTPPort != 8080 {
		t.Errorf("expected default http port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.RetentionHours != 48 {
		t.Errorf("expected default retention window 48h, got %d", cfg.RetentionHours)
	}
	if cfg.WaiterDeadlineS != 60 {
		t.Errorf("expected default waiter deadline 60s, got %d", cfg.WaiterDeadlineS)
	}
}

func TestDatabaseConfigBuildDSN(t *testing.T) {
	t.Parallel()

	sqliteCfg := DatabaseConfig{Path: "/var/lib/labelberry/server/labelberry.db"}
	if got := sqliteCfg.BuildDSN(); got != "/var/lib/labelberry/server/labelberry.db" {
		t.Errorf("expected sqlite DSN to be the path, got %q", got)
	}

	pgCfg := DatabaseConfig{Driver: "postgres", Host: "db.internal", Name: "labelberry", User: "lb"}
	dsn := pgCfg.BuildDSN()
	if dsn != "postgres://lb:@db.internal:5432/labelberry?sslmode=prefer" {
		t.Errorf("unexpected postgres DSN: %q", dsn)
	}
}

func TestGetConfigSearchPathsIncludesComponent(t *testing.T) {
	t.Parallel()

	paths := GetConfigSearchPaths("server.toml", "server")
	if len(paths) == 0 {
		t.Fatal("expected at least one search path")
	}
	for _, p := range paths {
		if filepath.Base(p) != "server.toml" {
			t.Errorf("search path %q does not end in server.toml", p)
		}
	}
}
