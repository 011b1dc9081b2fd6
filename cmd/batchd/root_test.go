package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigCheck_PrintsEffectiveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchd.yaml")
	if err := os.WriteFile(path, []byte("batching:\n  backpressure: flush_and_accept\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BATCHD_CONFIG_FILE", "")
	t.Setenv("BATCHD_WEBHOOK_SECRET", "")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "config", "check"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.Contains(out.String(), "backpressure: flush_and_accept") {
		t.Fatalf("output missing strategy:\n%s", out.String())
	}
}

func TestConfigCheck_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("BATCHD_CONFIG_FILE", "")
	t.Setenv("BATCHD_WEBHOOK_SECRET", "")
	t.Setenv("BATCHD_SILENCE_THRESHOLD", "10s")
	t.Setenv("BATCHD_ADAPTIVE_TIMEOUT", "1s")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"config", "check"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out.String(); got != "batchd dev\n" {
		t.Fatalf("version=%q", got)
	}
}
