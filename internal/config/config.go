// Package config provides centralized configuration for the bridge daemon.
// All tunables (endpoints, keys, retry/breaker/queue settings, timelocks)
// are defined here; nothing elsewhere hardcodes them.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment selects defaults and validation strictness.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTestnet     Environment = "testnet"
	EnvProduction  Environment = "production"
)

// ChainConfig holds per-chain connection settings.
type ChainConfig struct {
	// RPCURL is the chain's RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// Contract is the HTLC contract address on this chain.
	Contract string `yaml:"contract"`

	// AdminKey is the relayer signing key (hex for EVM, seed for Soroban).
	AdminKey string `yaml:"admin_key"`

	// TimeoutMS is the per-attempt budget for adapter calls.
	TimeoutMS int `yaml:"timeout_ms"`
}

// RetryConfig holds retry tuning.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialDelayMS    int     `yaml:"initial_delay_ms"`
	MaxDelayMS        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenTimeoutMS    int `yaml:"open_timeout_ms"`
}

// RelayerConfig holds relayer loop tuning.
type RelayerConfig struct {
	TickIntervalMS     int `yaml:"tick_interval_ms"`
	MaxParallelPerTick int `yaml:"max_parallel_per_tick"`
	MaxAttempts        int `yaml:"max_attempts"`
	RetryDelayMS       int `yaml:"retry_delay_ms"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Config holds all configuration for the bridge daemon.
type Config struct {
	Environment Environment `yaml:"environment"`

	EVM     ChainConfig `yaml:"evm"`
	Soroban ChainConfig `yaml:"soroban"`

	// PollingIntervalMS is the monitor cadence, bounded 1000-60000.
	PollingIntervalMS int `yaml:"polling_interval_ms"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Relayer RelayerConfig `yaml:"relayer"`

	// OperationQueueSize caps concurrent on-chain operations across chains.
	OperationQueueSize int `yaml:"operation_queue_size"`

	// DefaultTimelockSec is applied when an initiate request omits one.
	DefaultTimelockSec int64 `yaml:"default_timelock_sec"`

	// SwapRetentionTTLMS is how long terminal swaps are kept.
	SwapRetentionTTLMS int64 `yaml:"swap_retention_ttl_ms"`

	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// Timelock bounds accepted on initiate requests, in seconds.
const (
	MinTimelockSec = 300
	MaxTimelockSec = 86400
)

// DefaultConfig returns a Config with sensible development defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		EVM: ChainConfig{
			RPCURL:    "http://127.0.0.1:8545",
			TimeoutMS: 30_000,
		},
		Soroban: ChainConfig{
			RPCURL:    "http://127.0.0.1:8000/soroban/rpc",
			TimeoutMS: 60_000,
		},
		PollingIntervalMS: 5_000,
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelayMS:    1_000,
			MaxDelayMS:        30_000,
			BackoffMultiplier: 2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeoutMS:    60_000,
		},
		Relayer: RelayerConfig{
			TickIntervalMS:     5_000,
			MaxParallelPerTick: 5,
			MaxAttempts:        3,
			RetryDelayMS:       5_000,
		},
		OperationQueueSize: 3,
		DefaultTimelockSec: 3_600,
		SwapRetentionTTLMS: 24 * int64(time.Hour/time.Millisecond),
		Storage: StorageConfig{
			DataDir: "~/.starbridge",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from dataDir/config.yaml, creating the
// file with defaults on first run.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Starbridge daemon configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration. Production requires endpoints,
// contracts and admin keys for both chains; development only checks
// bounds on the values that are set.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTestnet, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}

	if c.PollingIntervalMS < 1_000 || c.PollingIntervalMS > 60_000 {
		return fmt.Errorf("polling_interval_ms %d out of range [1000, 60000]", c.PollingIntervalMS)
	}
	if c.OperationQueueSize <= 0 {
		return fmt.Errorf("operation_queue_size must be positive")
	}
	if c.DefaultTimelockSec < MinTimelockSec || c.DefaultTimelockSec > MaxTimelockSec {
		return fmt.Errorf("default_timelock_sec %d out of range [%d, %d]",
			c.DefaultTimelockSec, MinTimelockSec, MaxTimelockSec)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1")
	}
	if c.Relayer.MaxParallelPerTick <= 0 {
		return fmt.Errorf("max_parallel_per_tick must be positive")
	}

	if c.Environment == EnvProduction {
		for _, cc := range []struct {
			name string
			cfg  ChainConfig
		}{{"evm", c.EVM}, {"soroban", c.Soroban}} {
			if cc.cfg.RPCURL == "" {
				return fmt.Errorf("%s.rpc_url required in production", cc.name)
			}
			if cc.cfg.Contract == "" {
				return fmt.Errorf("%s.contract required in production", cc.name)
			}
			if cc.cfg.AdminKey == "" {
				return fmt.Errorf("%s.admin_key required in production", cc.name)
			}
		}
	}
	return nil
}

// PollingInterval returns the monitor cadence as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

// ConfigPath returns the full config file path for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
