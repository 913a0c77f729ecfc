package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Store.Driver != "memory" {
		t.Fatalf("unexpected store driver %q", cfg.Store.Driver)
	}
	if cfg.Blob.Driver != "fs" {
		t.Fatalf("unexpected blob driver %q", cfg.Blob.Driver)
	}
	if cfg.Model.TimeoutSeconds != 60 || cfg.Model.MaxRetries != 2 {
		t.Fatalf("unexpected model defaults %+v", cfg.Model)
	}
	if cfg.ModelTimeout() != 60*time.Second {
		t.Fatalf("unexpected model timeout %v", cfg.ModelTimeout())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvStoreDriver, "")
	t.Setenv(EnvStorePath, "")
	t.Setenv(EnvStoreDSN, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("missing file should fall back to defaults, got %+v", cfg.Store)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv(EnvStoreDriver, "")
	t.Setenv(EnvStorePath, "")
	t.Setenv(EnvStoreDSN, "")

	path := filepath.Join(t.TempDir(), "taxcore.yaml")
	doc := `
store:
  driver: sqlite
  path: /var/lib/taxcore/state.db
blob:
  driver: memory
model:
  base_url: http://model.local
  name: merge-1
  timeout_seconds: 30
  max_retries: 5
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/var/lib/taxcore/state.db" {
		t.Fatalf("store not loaded: %+v", cfg.Store)
	}
	if cfg.Blob.Driver != "memory" {
		t.Fatalf("blob not loaded: %+v", cfg.Blob)
	}
	if cfg.Model.Name != "merge-1" || cfg.ModelTimeout() != 30*time.Second || cfg.Model.MaxRetries != 5 {
		t.Fatalf("model not loaded: %+v", cfg.Model)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxcore.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: sqlite\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvStoreDriver, "postgres")
	t.Setenv(EnvStoreDSN, "postgres://db/taxcore")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://db/taxcore" {
		t.Fatalf("environment must win over the file: %+v", cfg.Store)
	}
}

func TestLoadConfigPathEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: sqlite\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvStoreDriver, "")
	t.Setenv(EnvStorePath, "")
	t.Setenv(EnvStoreDSN, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("TAXCORE_CONFIG path ignored: %+v", cfg.Store)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv(EnvStoreDriver, "etcd")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("unknown driver must be rejected")
	}
	t.Setenv(EnvStoreDriver, "")

	path := filepath.Join(t.TempDir(), "taxcore.yaml")
	if err := os.WriteFile(path, []byte("model:\n  timeout_seconds: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("negative timeout must be rejected")
	}

	if err := os.WriteFile(path, []byte("model: [broken\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml must be rejected")
	}
}
