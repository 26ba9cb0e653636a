package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(envFrom(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr %s", cfg.HTTPAddr)
	}
	if cfg.DownloadRetries != 0 {
		t.Fatalf("expected fail-fast downloads by default, got %d retries", cfg.DownloadRetries)
	}
	if cfg.Classifier.Backend != BackendGRPC || cfg.Classifier.Addr == "" {
		t.Fatalf("unexpected classifier defaults %+v", cfg.Classifier)
	}
	if time.Duration(cfg.RequestTimeout) != 2*time.Minute {
		t.Fatalf("unexpected request timeout %s", time.Duration(cfg.RequestTimeout))
	}
	if cfg.RedisAddr != "" || cfg.DatabaseDSN != "" || cfg.JWTSecret != "" {
		t.Fatal("optional integrations must be disabled by default")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
httpAddr: ":9090"
downloadTimeout: 10s
downloadRetries: 2
maxUrls: 8
classifier:
  backend: http
  url: http://model:8000/predict
scoreCacheTTL: 1h
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	cfg, err := load(envFrom(map[string]string{
		"CONFIG_PATH": path,
		"MAX_URLS":    "16",
		"REDIS_ADDR":  "redis:6379",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("expected file value, got %s", cfg.HTTPAddr)
	}
	if time.Duration(cfg.DownloadTimeout) != 10*time.Second || cfg.DownloadRetries != 2 {
		t.Fatalf("unexpected download settings %+v", cfg)
	}
	if cfg.MaxURLs != 16 {
		t.Fatalf("expected env to override file, got %d", cfg.MaxURLs)
	}
	if cfg.Classifier.Backend != BackendHTTP || cfg.Classifier.URL != "http://model:8000/predict" {
		t.Fatalf("unexpected classifier %+v", cfg.Classifier)
	}
	if time.Duration(cfg.Classifier.Timeout) != 60*time.Second {
		t.Fatalf("expected default classifier timeout to survive a partial file")
	}
	if cfg.RedisAddr != "redis:6379" || time.Duration(cfg.ScoreCacheTTL) != time.Hour {
		t.Fatalf("unexpected cache settings %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad integer":     {"MAX_URLS": "many"},
		"bad duration":    {"DOWNLOAD_TIMEOUT": "soon"},
		"negative":        {"DOWNLOAD_RETRIES": "-1"},
		"unknown backend": {"CLASSIFIER_BACKEND": "onnx"},
		"http no url":     {"CLASSIFIER_BACKEND": "http"},
		"missing file":    {"CONFIG_PATH": "/does/not/exist.yaml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(envFrom(env)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	_, err := load(envFrom(map[string]string{"MAX_URLS": "x", "DOWNLOAD_RETRIES": "y"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "MAX_URLS") || !strings.Contains(err.Error(), "DOWNLOAD_RETRIES") {
		t.Fatalf("expected both variables in error, got %q", err.Error())
	}
}
