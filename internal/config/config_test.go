package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writableWebdriver(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-webdriver")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseAppliesDefaults(t *testing.T) {
	webdriver := writableWebdriver(t)

	cfg, err := Parse([]string{"--webdriver=" + webdriver})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Host != defaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, defaultHost)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.InactivityTimeout != defaultInactivityTimeout*time.Second {
		t.Errorf("InactivityTimeout = %v, want %v", cfg.InactivityTimeout, defaultInactivityTimeout*time.Second)
	}
	if cfg.MaxConnectRate != 0 {
		t.Errorf("MaxConnectRate = %v, want 0 (disabled by default)", cfg.MaxConnectRate)
	}
}

func TestParseCLIFlagsOverrideDefaults(t *testing.T) {
	webdriver := writableWebdriver(t)

	cfg, err := Parse([]string{
		"--webdriver=" + webdriver,
		"--host=127.0.0.1",
		"--port=5555",
		"--parameters=--log trace --marionette-port 9999",
		"--inactivity-timeout=60",
		"--max-connect-rate=10.5",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 5555 {
		t.Errorf("Port = %d, want 5555", cfg.Port)
	}
	want := []string{"--log", "trace", "--marionette-port", "9999"}
	if len(cfg.Parameters) != len(want) {
		t.Fatalf("Parameters = %v, want %v", cfg.Parameters, want)
	}
	for i := range want {
		if cfg.Parameters[i] != want[i] {
			t.Errorf("Parameters[%d] = %q, want %q", i, cfg.Parameters[i], want[i])
		}
	}
	if cfg.InactivityTimeout != 60*time.Second {
		t.Errorf("InactivityTimeout = %v, want 60s", cfg.InactivityTimeout)
	}
	if cfg.MaxConnectRate != 10.5 {
		t.Errorf("MaxConnectRate = %v, want 10.5", cfg.MaxConnectRate)
	}
}

func TestParseEnvVarsApply(t *testing.T) {
	webdriver := writableWebdriver(t)

	t.Setenv("SESSIONDRIVER_HOST", "127.0.0.1")
	t.Setenv("SESSIONDRIVER_PORT", "6000")
	t.Setenv("SESSIONDRIVER_PARAMETERS", "--headless")

	cfg, err := Parse([]string{"--webdriver=" + webdriver})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 6000 {
		t.Errorf("Port = %d, want 6000 from env", cfg.Port)
	}
	if len(cfg.Parameters) != 1 || cfg.Parameters[0] != "--headless" {
		t.Errorf("Parameters = %v, want [--headless]", cfg.Parameters)
	}
}

func TestParseCLIFlagsOverrideEnvVars(t *testing.T) {
	webdriver := writableWebdriver(t)
	t.Setenv("SESSIONDRIVER_PORT", "6000")

	cfg, err := Parse([]string{"--webdriver=" + webdriver, "--port=7000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 (CLI beats env)", cfg.Port)
	}
}

func TestParseRequiresWebdriver(t *testing.T) {
	_, err := Parse(nil)
	if err == nil {
		t.Fatalf("Parse: expected error for missing --webdriver, got nil")
	}
	if _, ok := err.(*ErrConfig); !ok {
		t.Fatalf("Parse: err = %v (%T), want *ErrConfig", err, err)
	}
}

func TestParseRejectsNonexistentWebdriver(t *testing.T) {
	_, err := Parse([]string{"--webdriver=/no/such/executable"})
	if err == nil {
		t.Fatalf("Parse: expected error for missing executable, got nil")
	}
}

func TestParseRejectsInvalidHost(t *testing.T) {
	webdriver := writableWebdriver(t)
	_, err := Parse([]string{"--webdriver=" + webdriver, "--host=not-an-ip"})
	if err == nil {
		t.Fatalf("Parse: expected error for invalid host, got nil")
	}
}

func TestAddrJoinsHostAndPort(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 4444}
	if cfg.Addr() != "127.0.0.1:4444" {
		t.Fatalf("Addr() = %q, want 127.0.0.1:4444", cfg.Addr())
	}
}
