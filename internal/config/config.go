package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultServerHost = "127.0.0.1"
	defaultServerPort = 8175

	defaultMinExpiryDeltaBlocks      = 18
	defaultDeadlineSafetyBlocks      = 6
	defaultBlockTime                 = 10 * time.Minute
	defaultFinalityPollInterval      = 2 * time.Second
	defaultSweepInterval             = 30 * time.Second
	defaultMaxRouteAttempts          = 3
	defaultRouteTimeoutSeconds int32 = 60
	defaultOutgoingDeadline          = 30 * time.Minute
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LND      LNDConfig      `yaml:"lnd"`
	Postgres PostgresConfig `yaml:"postgres"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

type LNDConfig struct {
	GRPCHost          string `yaml:"grpc_host"`
	TLSCertPath       string `yaml:"tls_cert_path"`
	AdminMacaroonPath string `yaml:"admin_macaroon_path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// GatewayConfig carries the payment-coordination tunables. Expiry deltas are
// in blocks; the block time converts remaining blocks into record deadlines.
type GatewayConfig struct {
	Backend                  string        `yaml:"backend"`
	MinExpiryDeltaBlocks     uint32        `yaml:"min_expiry_delta_blocks"`
	DeadlineSafetyBlocks     uint32        `yaml:"deadline_safety_blocks"`
	BlockTime                time.Duration `yaml:"block_time"`
	FinalityPollInterval     time.Duration `yaml:"finality_poll_interval"`
	SweepInterval            time.Duration `yaml:"sweep_interval"`
	MaxRouteAttempts         int           `yaml:"max_route_attempts"`
	RouteTimeoutSeconds      int32         `yaml:"route_timeout_seconds"`
	OutgoingDeadline         time.Duration `yaml:"outgoing_deadline"`
	DefaultFeeBaseMsat       uint64        `yaml:"default_fee_base_msat"`
	DefaultFeeRatePpm        uint64        `yaml:"default_fee_rate_ppm"`
	DefaultRouteFeeLimitMsat uint64        `yaml:"default_route_fee_limit_msat"`
}

var errInvalidConfig = errors.New("invalid config")

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Server.Host) == "" {
		cfg.Server.Host = defaultServerHost
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = defaultServerPort
	}
	if strings.TrimSpace(cfg.Gateway.Backend) == "" {
		cfg.Gateway.Backend = "lnd"
	}
	if cfg.Gateway.MinExpiryDeltaBlocks == 0 {
		cfg.Gateway.MinExpiryDeltaBlocks = defaultMinExpiryDeltaBlocks
	}
	if cfg.Gateway.DeadlineSafetyBlocks == 0 {
		cfg.Gateway.DeadlineSafetyBlocks = defaultDeadlineSafetyBlocks
	}
	if cfg.Gateway.BlockTime <= 0 {
		cfg.Gateway.BlockTime = defaultBlockTime
	}
	if cfg.Gateway.FinalityPollInterval <= 0 {
		cfg.Gateway.FinalityPollInterval = defaultFinalityPollInterval
	}
	if cfg.Gateway.SweepInterval <= 0 {
		cfg.Gateway.SweepInterval = defaultSweepInterval
	}
	if cfg.Gateway.MaxRouteAttempts <= 0 {
		cfg.Gateway.MaxRouteAttempts = defaultMaxRouteAttempts
	}
	if cfg.Gateway.RouteTimeoutSeconds <= 0 {
		cfg.Gateway.RouteTimeoutSeconds = defaultRouteTimeoutSeconds
	}
	if cfg.Gateway.OutgoingDeadline <= 0 {
		cfg.Gateway.OutgoingDeadline = defaultOutgoingDeadline
	}
}

func validate(cfg *Config) error {
	switch cfg.Gateway.Backend {
	case "lnd":
		if strings.TrimSpace(cfg.LND.GRPCHost) == "" {
			return fmt.Errorf("%w: lnd.grpc_host required for lnd backend", errInvalidConfig)
		}
		if strings.TrimSpace(cfg.LND.TLSCertPath) == "" {
			return fmt.Errorf("%w: lnd.tls_cert_path required for lnd backend", errInvalidConfig)
		}
		if strings.TrimSpace(cfg.LND.AdminMacaroonPath) == "" {
			return fmt.Errorf("%w: lnd.admin_macaroon_path required for lnd backend", errInvalidConfig)
		}
	case "regtest":
	default:
		return fmt.Errorf("%w: gateway.backend must be lnd or regtest", errInvalidConfig)
	}
	if cfg.Gateway.MinExpiryDeltaBlocks <= cfg.Gateway.DeadlineSafetyBlocks {
		return fmt.Errorf("%w: min_expiry_delta_blocks must exceed deadline_safety_blocks", errInvalidConfig)
	}
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return fmt.Errorf("%w: postgres.dsn required", errInvalidConfig)
	}
	return nil
}
