package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  backend: regtest
postgres:
  dsn: postgres://gw:gw@localhost/gw
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8175 {
		t.Fatalf("server defaults = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Gateway.MinExpiryDeltaBlocks != 18 || cfg.Gateway.DeadlineSafetyBlocks != 6 {
		t.Fatalf("expiry defaults = %d/%d", cfg.Gateway.MinExpiryDeltaBlocks, cfg.Gateway.DeadlineSafetyBlocks)
	}
	if cfg.Gateway.BlockTime != 10*time.Minute {
		t.Fatalf("block time = %s", cfg.Gateway.BlockTime)
	}
	if cfg.Gateway.FinalityPollInterval != 2*time.Second {
		t.Fatalf("finality poll = %s", cfg.Gateway.FinalityPollInterval)
	}
	if cfg.Gateway.MaxRouteAttempts != 3 || cfg.Gateway.RouteTimeoutSeconds != 60 {
		t.Fatalf("route defaults = %d/%d", cfg.Gateway.MaxRouteAttempts, cfg.Gateway.RouteTimeoutSeconds)
	}
	if cfg.Gateway.OutgoingDeadline != 30*time.Minute {
		t.Fatalf("outgoing deadline = %s", cfg.Gateway.OutgoingDeadline)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
gateway:
  backend: regtest
  min_expiry_delta_blocks: 40
  deadline_safety_blocks: 12
  block_time: 2m
  outgoing_deadline: 1h
postgres:
  dsn: postgres://gw:gw@localhost/gw
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Fatalf("server = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Gateway.MinExpiryDeltaBlocks != 40 || cfg.Gateway.BlockTime != 2*time.Minute {
		t.Fatalf("gateway = %d/%s", cfg.Gateway.MinExpiryDeltaBlocks, cfg.Gateway.BlockTime)
	}
	if cfg.Gateway.OutgoingDeadline != time.Hour {
		t.Fatalf("outgoing deadline = %s", cfg.Gateway.OutgoingDeadline)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{
			"missing dsn",
			"gateway:\n  backend: regtest\n",
		},
		{
			"unknown backend",
			"gateway:\n  backend: clightning\npostgres:\n  dsn: postgres://x\n",
		},
		{
			"lnd backend without grpc host",
			"gateway:\n  backend: lnd\npostgres:\n  dsn: postgres://x\n",
		},
		{
			"safety margin exceeds expiry floor",
			"gateway:\n  backend: regtest\n  min_expiry_delta_blocks: 6\n  deadline_safety_blocks: 10\npostgres:\n  dsn: postgres://x\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if !errors.Is(err, errInvalidConfig) {
				t.Fatalf("err = %v, want invalid config", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
