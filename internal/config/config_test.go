package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const validYAML = `
server:
  port: 9000
  api_key: secret
database:
  driver: sqlite
  dsn: test.db
services:
  storage_url: http://storage:8002
  analysis_url: http://analysis:8001
worker:
  count: 4
  lease_timeout: 10m
retry:
  max_retries: 5
  base_delay: 500ms
`

func TestParse_YAML(t *testing.T) {
	cfg, err := Parse([]byte(validYAML), envMap(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Worker.Count != 4 {
		t.Errorf("Worker.Count = %d, want 4", cfg.Worker.Count)
	}
	if cfg.Worker.LeaseTimeout != 10*time.Minute {
		t.Errorf("LeaseTimeout = %v, want 10m", cfg.Worker.LeaseTimeout)
	}
	if cfg.Retry.Retries() != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("Retry = %+v", cfg.Retry)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil, envMap(map[string]string{
		"STORAGE_URL":  "http://storage:8002",
		"ANALYSIS_URL": "http://analysis:8001",
	}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "call-insights.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Worker.SentimentConcurrency != 8 {
		t.Errorf("SentimentConcurrency = %d, want 8", cfg.Worker.SentimentConcurrency)
	}
	if cfg.Retry.Retries() != 3 || cfg.Retry.BaseDelay != 2*time.Second {
		t.Errorf("Retry = %+v, want 3 x 2s", cfg.Retry)
	}
	if cfg.Worker.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Worker.MaxAttempts)
	}
	if cfg.Worker.ReapSchedule != "@every 30s" {
		t.Errorf("ReapSchedule = %q", cfg.Worker.ReapSchedule)
	}
}

func TestParse_EnvOverridesYAML(t *testing.T) {
	cfg, err := Parse([]byte(validYAML), envMap(map[string]string{
		"PORT":             "7000",
		"RETRY_BASE_DELAY": "1s",
		"DATABASE_URL":     "other.db",
	}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Retry.BaseDelay != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", cfg.Retry.BaseDelay)
	}
	if cfg.Database.DSN != "other.db" {
		t.Errorf("DSN = %q, want other.db", cfg.Database.DSN)
	}
}

func TestParse_InvalidEnvNumber(t *testing.T) {
	_, err := Parse([]byte(validYAML), envMap(map[string]string{"WORKER_COUNT": "many"}))
	if err == nil || !strings.Contains(err.Error(), "WORKER_COUNT") {
		t.Fatalf("expected WORKER_COUNT error, got %v", err)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown driver",
			yaml: "database:\n  driver: oracle\n  dsn: x\nstorage:\n  backend: memory\ndetection:\n  mode: local\n  competitors_file: c.txt\n",
			want: `database.driver "oracle" is not supported`,
		},
		{
			name: "http storage without url",
			yaml: "detection:\n  mode: local\n  competitors_file: c.txt\n",
			want: "services.storage_url is required",
		},
		{
			name: "mongo without uri",
			yaml: "storage:\n  backend: mongo\ndetection:\n  mode: local\n  competitors_file: c.txt\n",
			want: "storage.mongo_uri is required",
		},
		{
			name: "local detection without file",
			yaml: "storage:\n  backend: memory\ndetection:\n  mode: local\n",
			want: "detection.competitors_file is required",
		},
		{
			name: "negative concurrency",
			yaml: "storage:\n  backend: memory\ndetection:\n  mode: local\n  competitors_file: c.txt\nworker:\n  sentiment_concurrency: -1\n",
			want: "worker.sentiment_concurrency must be at least 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), envMap(nil))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "config: validation failed") {
				t.Errorf("error missing prefix: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unclosed"), envMap(nil))
	if err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insights.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.APIKey == "" {
		t.Error("expected api key from file or environment")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: read") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestParse_ZeroRetriesIsExplicit(t *testing.T) {
	base := map[string]string{
		"STORAGE_URL":  "http://storage:8002",
		"ANALYSIS_URL": "http://analysis:8001",
	}
	env := func(extra map[string]string) func(string) (string, bool) {
		m := map[string]string{}
		for k, v := range base {
			m[k] = v
		}
		for k, v := range extra {
			m[k] = v
		}
		return envMap(m)
	}

	cfg, err := Parse(nil, env(map[string]string{"RETRY_MAX": "0"}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Retry.Retries() != 0 {
		t.Errorf("RETRY_MAX=0 gave %d retries, want 0", cfg.Retry.Retries())
	}

	cfg, err = Parse([]byte("retry:\n  max_retries: 0\n"), env(nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Retry.Retries() != 0 {
		t.Errorf("max_retries: 0 gave %d retries, want 0", cfg.Retry.Retries())
	}

	if _, err := Parse(nil, env(map[string]string{"RETRY_MAX": "-1"})); err == nil || !strings.Contains(err.Error(), "retry.max_retries") {
		t.Errorf("negative RETRY_MAX: err = %v", err)
	}
	if _, err := Parse(nil, env(map[string]string{"RETRY_MAX": "three"})); err == nil || !strings.Contains(err.Error(), "RETRY_MAX") {
		t.Errorf("non-numeric RETRY_MAX: err = %v", err)
	}
}
