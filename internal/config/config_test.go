package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearKeyEnv unsets every credential variable, restoring the prior
// values when the test ends.
func clearKeyEnv(t *testing.T) {
	t.Helper()
	names := []string{"OHM_GATEWAY_KEYS", "OHM_GATEWAY_KEY"}
	for i := 1; i <= 9; i++ {
		names = append(names, fmt.Sprintf("OHM_GATEWAY_KEY_%d", i))
	}
	for _, name := range names {
		t.Setenv(name, "") // registers restoration
		os.Unsetenv(name)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.Gateway.BaseURL != DefaultBaseURL || cfg.Gateway.Model != DefaultModel {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.Gateway.TimeoutDuration() != DefaultTimeout {
		t.Errorf("timeout = %v", cfg.Gateway.TimeoutDuration())
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ohm.yaml")
	content := `
addr: ":9090"
db_path: /tmp/test.db
gateway:
  base_url: https://gw.example.com/v1
  model: test-model
  timeout: 30s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.DBPath != "/tmp/test.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Gateway.Model != "test-model" || cfg.Gateway.TimeoutDuration() != 30*time.Second {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
}

func TestTimeoutDurationMalformed(t *testing.T) {
	g := GatewayConfig{Timeout: "not-a-duration"}
	if g.TimeoutDuration() != DefaultTimeout {
		t.Errorf("malformed timeout should fall back, got %v", g.TimeoutDuration())
	}
	g = GatewayConfig{Timeout: "-5s"}
	if g.TimeoutDuration() != DefaultTimeout {
		t.Errorf("negative timeout should fall back, got %v", g.TimeoutDuration())
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ohm.yaml")
	os.WriteFile(path, []byte("addr: \":9090\"\n"), 0644)
	t.Setenv("OHM_ADDR", ":7070")
	t.Setenv("OHM_MODEL", "env-model")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Errorf("env override lost: %q", cfg.Addr)
	}
	if cfg.Gateway.Model != "env-model" {
		t.Errorf("model = %q", cfg.Gateway.Model)
	}
}

func TestLoadCredentialsNumbered(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OHM_GATEWAY_KEY_1", "sk-a")
	t.Setenv("OHM_GATEWAY_KEY_2", "sk-b")
	t.Setenv("OHM_GATEWAY_KEY_3", "sk-c")

	keys, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(keys) != 3 || keys[0] != "sk-a" || keys[2] != "sk-c" {
		t.Errorf("keys = %v", keys)
	}
}

func TestLoadCredentialsStopsAtGap(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OHM_GATEWAY_KEY_1", "sk-a")
	// no KEY_2
	t.Setenv("OHM_GATEWAY_KEY_3", "sk-c")

	keys, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(keys) != 1 || keys[0] != "sk-a" {
		t.Errorf("keys = %v, want gap to stop the scan", keys)
	}
}

func TestLoadCredentialsLegacyList(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OHM_GATEWAY_KEYS", "sk-a, sk-b ,, sk-c")

	keys, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(keys) != 3 || keys[1] != "sk-b" {
		t.Errorf("keys = %v", keys)
	}
}

func TestLoadCredentialsLegacySingle(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OHM_GATEWAY_KEY", "sk-solo")

	keys, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(keys) != 1 || keys[0] != "sk-solo" {
		t.Errorf("keys = %v", keys)
	}
}

func TestLoadCredentialsNumberedWinsOverLegacy(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OHM_GATEWAY_KEY_1", "sk-numbered")
	t.Setenv("OHM_GATEWAY_KEYS", "sk-legacy")

	keys, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(keys) != 1 || keys[0] != "sk-numbered" {
		t.Errorf("keys = %v", keys)
	}
}

func TestLoadCredentialsEmptyFatal(t *testing.T) {
	clearKeyEnv(t)
	if _, err := LoadCredentials(); err == nil {
		t.Error("zero credentials must be an error")
	}
}
