package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stockroom.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STOCKROOM_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, `
http:
  addr: ":9000"
  shutdown_timeout: 3s
storage:
  driver: postgres
  postgres_dsn: postgres://file
engine:
  max_chain_depth: 50
events:
  driver: none
`)
	t.Setenv("STOCKROOM_STORAGE_POSTGRES_DSN", "postgres://env")
	t.Setenv("STOCKROOM_ENGINE_MAX_RETRIES", "7")
	t.Setenv("STOCKROOM_BLOB_S3_PATH_STYLE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9000" || cfg.HTTP.ShutdownTimeout != 3*time.Second {
		t.Fatalf("file values not applied: %+v", cfg.HTTP)
	}
	if cfg.Storage.PostgresDSN != "postgres://env" {
		t.Fatalf("env should win over file, got %s", cfg.Storage.PostgresDSN)
	}
	if cfg.Engine.MaxChainDepth != 50 || cfg.Engine.MaxRetries != 7 {
		t.Fatalf("unexpected engine settings %+v", cfg.Engine)
	}
	if cfg.Log.Level != "info" || cfg.Events.Driver != "none" || !cfg.Blob.S3PathStyle {
		t.Fatalf("unexpected merged config %+v", cfg)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Setenv("STOCKROOM_CONFIG", writeFile(t, "log:\n  format: text\n"))
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Format != "text" {
		t.Fatalf("expected text format, got %s", cfg.Log.Format)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]struct {
		file string
		env  map[string]string
		want string
	}{
		"missing file":      {file: "", want: "read config file"},
		"bad yaml":          {file: "http: [", want: "parse config file"},
		"bad int":           {env: map[string]string{"STOCKROOM_ENGINE_MAX_RETRIES": "many"}, want: "STOCKROOM_ENGINE_MAX_RETRIES"},
		"unknown driver":    {env: map[string]string{"STOCKROOM_STORAGE_DRIVER": "mongo"}, want: "storage.driver"},
		"hmac no secret":    {env: map[string]string{"STOCKROOM_AUTH_MODE": "hmac"}, want: "auth.hmac_secret"},
		"amqp without url":  {env: map[string]string{"STOCKROOM_EVENTS_DRIVER": "amqp"}, want: "events.amqp_url"},
		"s3 without bucket": {env: map[string]string{"STOCKROOM_BLOB_DRIVER": "s3"}, want: "blob.s3_bucket"},
		"zero depth":        {env: map[string]string{"STOCKROOM_ENGINE_MAX_CHAIN_DEPTH": "0"}, want: "max_chain_depth"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			switch {
			case name == "missing file":
				path = filepath.Join(t.TempDir(), "absent.yaml")
			case tc.file != "":
				path = writeFile(t, tc.file)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Log{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "code", "LOC-000001")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"code":"LOC-000001"`) {
		t.Fatalf("unexpected log output %q", out)
	}

	buf.Reset()
	NewLogger(Log{Level: "debug", Format: "text"}, &buf).Debug("details")
	if !strings.Contains(buf.String(), "msg=details") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}
