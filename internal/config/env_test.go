package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("SLED_TEST_STR", "value")

	if got := GetEnv("SLED_TEST_STR", "default"); got != "value" {
		t.Errorf("GetEnv = %q, want %q", got, "value")
	}
	if got := GetEnv("SLED_TEST_UNSET", "default"); got != "default" {
		t.Errorf("GetEnv = %q, want %q", got, "default")
	}
}

func TestGetIntEnv(t *testing.T) {
	t.Setenv("SLED_TEST_INT", "42")
	t.Setenv("SLED_TEST_BAD_INT", "not-a-number")

	if got := GetIntEnv("SLED_TEST_INT", 7); got != 42 {
		t.Errorf("GetIntEnv = %d, want 42", got)
	}
	if got := GetIntEnv("SLED_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetIntEnv with invalid value = %d, want default 7", got)
	}
	if got := GetIntEnv("SLED_TEST_UNSET", 7); got != 7 {
		t.Errorf("GetIntEnv unset = %d, want default 7", got)
	}
}

func TestGetBoolEnv(t *testing.T) {
	t.Setenv("SLED_TEST_BOOL", "true")
	t.Setenv("SLED_TEST_BAD_BOOL", "yes-ish")

	if !GetBoolEnv("SLED_TEST_BOOL", false) {
		t.Error("GetBoolEnv = false, want true")
	}
	if GetBoolEnv("SLED_TEST_BAD_BOOL", false) {
		t.Error("GetBoolEnv with invalid value should fall back to default")
	}
}

func TestGetDurationEnv(t *testing.T) {
	t.Setenv("SLED_TEST_DUR", "1m30s")

	if got := GetDurationEnv("SLED_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("GetDurationEnv = %v, want 1m30s", got)
	}
	if got := GetDurationEnv("SLED_TEST_UNSET", time.Second); got != time.Second {
		t.Errorf("GetDurationEnv unset = %v, want 1s", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if got := GetSecretFile(path); got != "hunter2" {
		t.Errorf("GetSecretFile = %q, want trimmed %q", got, "hunter2")
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("GetSecretFile(\"\") = %q, want empty", got)
	}
	if got := GetSecretFile(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Errorf("GetSecretFile missing = %q, want empty", got)
	}
}

func TestLoadControllerConfigDefaults(t *testing.T) {
	cfg := LoadControllerConfig()

	if cfg.MaxConcurrent != 64 {
		t.Errorf("MaxConcurrent = %d, want 64", cfg.MaxConcurrent)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s", cfg.PollInterval)
	}
	if cfg.UnknownGrace != 3 {
		t.Errorf("UnknownGrace = %d, want 3", cfg.UnknownGrace)
	}
}
