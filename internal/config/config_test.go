package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Server.WriteTimeout != 120*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.RequireSecret(); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
storage:
  driver: postgres
  dsn: postgres://localhost/taskline
auth:
  jwt_secret: s3cret
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.DSN != "postgres://localhost/taskline" || cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.Addr != "127.0.0.1:8000" || cfg.Auth.Leeway != 30*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestFromYAMLEmpty(t *testing.T) {
	if _, err := FromYAML(nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":     "server:\n  port: 80\n",
		"bad driver":        "storage:\n  driver: mysql\n",
		"postgres no dsn":   "storage:\n  driver: postgres\n",
		"bad log level":     "log:\n  level: loud\n",
		"bad log format":    "log:\n  format: xml\n",
		"relative basepath": "server:\n  base_path: api\n",
		"negative steps":    "assistant:\n  max_steps: -1\n",
		"redis without ttl": "redis:\n  addr: localhost:6379\n  dedup_ttl: 0s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil || cfg.Storage.Path == "" {
		t.Fatalf("missing file should give defaults: %v", err)
	}
	if !strings.HasPrefix(cfg.Storage.Path, dir) {
		t.Fatalf("sqlite path should live under %s, got %s", dir, cfg.Storage.Path)
	}
	if err := os.WriteFile(Path(dir), []byte("log:\n  format: console\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Format != "console" {
		t.Fatalf("expected console format, got %s", cfg.Log.Format)
	}
	if !strings.HasSuffix(Path(dir), filepath.Join(filepath.Base(dir), FileName)) {
		t.Fatalf("unexpected path %s", Path(dir))
	}
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte(`
webhooks:
  - url: http://localhost:9000/hook
    events: [task.deleted]
    timeout_seconds: 2
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "task.deleted" {
		t.Fatalf("unexpected webhooks: %+v", cfg.Webhooks)
	}
	if _, err := FromYAML([]byte("webhooks:\n  - events: [task.created]\n")); err == nil {
		t.Fatalf("expected missing url error")
	}
}
