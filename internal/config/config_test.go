package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
proxy:
  port: 9090
  read_timeout: 10s
dashboard:
  port: 9091
mongo:
  uri: mongodb://db.internal:27017
  database: tokentap_test
network_mode: local
debug: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Proxy.Port != 9090 {
		t.Errorf("proxy port = %d, want 9090", cfg.Proxy.Port)
	}
	if cfg.Proxy.ReadTimeout != 10*time.Second {
		t.Errorf("read timeout = %v", cfg.Proxy.ReadTimeout)
	}
	if cfg.Mongo.URI != "mongodb://db.internal:27017" {
		t.Errorf("mongo uri = %q", cfg.Mongo.URI)
	}
	if cfg.Mongo.Database != "tokentap_test" {
		t.Errorf("mongo database = %q", cfg.Mongo.Database)
	}
	if !cfg.Debug {
		t.Error("debug = false")
	}
	if got := cfg.ProxyAddr(); got != "127.0.0.1:9090" {
		t.Errorf("proxy addr = %q", got)
	}
	if got := cfg.DashboardAddr(); got != "127.0.0.1:9091" {
		t.Errorf("dashboard addr = %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Port != 8080 {
		t.Errorf("proxy port = %d, want 8080", cfg.Proxy.Port)
	}
	if cfg.Dashboard.Port != 8081 {
		t.Errorf("dashboard port = %d, want 8081", cfg.Dashboard.Port)
	}
	if cfg.Mongo.URI != "mongodb://localhost:27017" {
		t.Errorf("mongo uri = %q", cfg.Mongo.URI)
	}
	if cfg.NetworkMode != ModeNetwork {
		t.Errorf("network_mode = %q", cfg.NetworkMode)
	}
	if got := cfg.ProxyAddr(); got != "0.0.0.0:8080" {
		t.Errorf("proxy addr = %q", got)
	}
	if cfg.Debug {
		t.Error("debug defaults to true")
	}
}

func TestLoadRejectsBadNetworkMode(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `network_mode: cloud`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid network_mode")
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_MONGO_URI", "mongodb://secret:27017")

	result := expandEnv([]byte("uri: ${TEST_MONGO_URI}"))
	if string(result) != "uri: mongodb://secret:27017" {
		t.Errorf("expandEnv = %q", result)
	}

	// Unset vars are left intact.
	result = expandEnv([]byte("uri: ${TEST_UNSET_VAR_XYZ}"))
	if string(result) != "uri: ${TEST_UNSET_VAR_XYZ}" {
		t.Errorf("expandEnv unset = %q", result)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOKENTAP_MONGO_URI", "mongodb://override:27017")
	t.Setenv("TOKENTAP_MONGO_DB", "override_db")
	t.Setenv("TOKENTAP_WEB_PORT", "7000")
	t.Setenv("TOKENTAP_NETWORK_MODE", "local")
	t.Setenv("TOKENTAP_DEBUG", "yes")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mongo.URI != "mongodb://override:27017" {
		t.Errorf("mongo uri = %q", cfg.Mongo.URI)
	}
	if cfg.Mongo.Database != "override_db" {
		t.Errorf("mongo database = %q", cfg.Mongo.Database)
	}
	if cfg.Dashboard.Port != 7000 {
		t.Errorf("dashboard port = %d", cfg.Dashboard.Port)
	}
	if cfg.NetworkMode != ModeLocal {
		t.Errorf("network_mode = %q", cfg.NetworkMode)
	}
	if !cfg.Debug {
		t.Error("debug override not applied")
	}
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"yes", true},
		{"on", true},
		{"0", false},
		{"false", false},
		{"off", false},
		{"maybe", false},
	}
	for _, tt := range tests {
		if got := truthy(tt.in); got != tt.want {
			t.Errorf("truthy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
