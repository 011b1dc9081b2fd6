package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"batchd/cmd/internal/backpressure"
	"batchd/cmd/internal/ratelimit"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BATCHD_CONFIG_FILE", "")
	t.Setenv("BATCHD_HTTP_ADDR", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.Batching.Backpressure != backpressure.DropOldest || cfg.Batching.MaxBufferSize != 50 {
		t.Fatalf("batching=%+v", cfg.Batching)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batchd.yaml")
	body := `
http_addr: 127.0.0.1:9000
log_format: pretty
batching:
  adaptive_timeout: 8s
  silence_threshold: 1s
  max_buffer_size: 10
  backpressure: reject_with_notification
  error_handling:
    max_retries: 1
    base_delay: 250ms
    multiplier: 1.5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BATCHD_CONFIG_FILE", path)
	t.Setenv("BATCHD_MAX_BUFFER_SIZE", "25")
	t.Setenv("BATCHD_RATE_LIMIT", "strict")
	t.Setenv("BATCHD_MAX_RETRIES", "0")
	t.Setenv("BATCHD_RETRY_MULTIPLIER", "3")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.LogFormat != "pretty" {
		t.Fatalf("runtime=%q/%q", cfg.HTTPAddr, cfg.LogFormat)
	}
	b := cfg.Batching
	if b.AdaptiveTimeout != 8*time.Second || b.SilenceThreshold != time.Second {
		t.Fatalf("timeouts=%s/%s", b.AdaptiveTimeout, b.SilenceThreshold)
	}
	if b.MaxBufferSize != 25 {
		t.Fatalf("MaxBufferSize=%d want=25 (env wins)", b.MaxBufferSize)
	}
	if b.Backpressure != backpressure.RejectWithNotification {
		t.Fatalf("Backpressure=%v", b.Backpressure)
	}
	if b.RateLimit != ratelimit.Strict() {
		t.Fatalf("RateLimit=%+v", b.RateLimit)
	}
	if b.ErrorHandling.MaxRetries != 0 || b.ErrorHandling.BaseDelay != 250*time.Millisecond || b.ErrorHandling.Multiplier != 3 {
		t.Fatalf("ErrorHandling=%+v", b.ErrorHandling)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile=%q", cfg.ConfigFile)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "bad strategy", env: map[string]string{"BATCHD_BACKPRESSURE": "yolo"}, want: "BATCHD_BACKPRESSURE"},
		{name: "bad preset", env: map[string]string{"BATCHD_RATE_LIMIT": "turbo"}, want: "unknown preset"},
		{name: "missing file", env: map[string]string{"BATCHD_CONFIG_FILE": "/nonexistent/batchd.yaml"}, want: "config: read"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("BATCHD_CONFIG_FILE", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want substring %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfig_UnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchd.yaml")
	if err := os.WriteFile(path, []byte("batching:\n  max_bufer_size: 3\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BATCHD_CONFIG_FILE", path)

	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Fatalf("err=%v want parse error", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected log_format error")
	}

	cfg = DefaultConfig()
	cfg.Batching.SilenceThreshold = cfg.Batching.AdaptiveTimeout + time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected batching error")
	}

	cfg = DefaultConfig()
	cfg.Batching.ErrorHandling.Multiplier = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected multiplier error")
	}
}

func TestConfigYAML_RoundTripsStrategy(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DatabaseURL = "postgres://user:secret@db/batchd"
	b, err := cfg.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "backpressure: drop_oldest") {
		t.Fatalf("yaml missing strategy:\n%s", out)
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("yaml leaked database url:\n%s", out)
	}
}
