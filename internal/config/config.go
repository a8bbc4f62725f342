// Package config loads and validates the swap node configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/backend"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/swap"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// DefaultAPIAddr is the default JSON-RPC listen address.
const DefaultAPIAddr = "127.0.0.1:8645"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the swap node.
type Config struct {
	// Network is the Bitcoin network (mainnet, testnet, signet, regtest).
	Network chain.Network `yaml:"network"`

	// DataDir is the directory for the wallet, database and logs.
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`

	// Backend is the blockchain API. Empty means the network default.
	Backend *backend.Config `yaml:"backend,omitempty"`

	// Relays are Nostr relay websocket URLs the revealed event is published to.
	Relays []string `yaml:"relays"`

	// APIAddr is the JSON-RPC listen address. Empty disables the API.
	APIAddr string `yaml:"api_addr"`

	Swap SwapConfig `yaml:"swap"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// SwapConfig holds swap protocol parameters.
type SwapConfig struct {
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// MinConf is the confirmations required before a lock is accepted.
	// Zero means the network default.
	MinConf uint32 `yaml:"min_conf"`

	// MaxNonceAttempts bounds nonce resampling in adaptor signing.
	MaxNonceAttempts int `yaml:"max_nonce_attempts"`

	// FeeRate is a fixed fee rate in sat/vB. Zero means ask the backend.
	FeeRate int64 `yaml:"fee_rate"`
}

// TimeoutsConfig holds per-phase swap deadlines.
type TimeoutsConfig struct {
	Commit    time.Duration `yaml:"commit"`
	Lock      time.Duration `yaml:"lock"`
	Reveal    time.Duration `yaml:"reveal"`
	Broadcast time.Duration `yaml:"broadcast"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	t := swap.DefaultTimeouts()
	return &Config{
		Network: chain.Mainnet,
		DataDir: "~/.tanos",
		Logging: LoggingConfig{
			Level: "info",
		},
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
		},
		APIAddr: DefaultAPIAddr,
		Swap: SwapConfig{
			Timeouts: TimeoutsConfig{
				Commit:    t.Commit,
				Lock:      t.Lock,
				Reveal:    t.Reveal,
				Broadcast: t.Broadcast,
			},
			MaxNonceAttempts: adaptor.DefaultMaxNonceAttempts,
		},
	}
}

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir

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
	if err := cfg.Validate(); err != nil {
		return nil, err
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

	header := []byte("# TANOS swap node configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if _, err := chain.Parse(string(c.Network)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalidConfig)
	}
	if b := c.Backend; b != nil {
		switch b.Type {
		case backend.TypeMempool, backend.TypeEsplora:
			if _, err := parseURL(b.URL, "http", "https"); err != nil {
				return fmt.Errorf("%w: backend url: %v", ErrInvalidConfig, err)
			}
		case backend.TypeSimulated:
		default:
			return fmt.Errorf("%w: backend type %q", ErrInvalidConfig, b.Type)
		}
	}
	for _, r := range c.Relays {
		if _, err := parseURL(r, "ws", "wss"); err != nil {
			return fmt.Errorf("%w: relay: %v", ErrInvalidConfig, err)
		}
	}
	if c.APIAddr != "" {
		if _, _, err := net.SplitHostPort(c.APIAddr); err != nil {
			return fmt.Errorf("%w: api_addr: %v", ErrInvalidConfig, err)
		}
	}

	t := c.Swap.Timeouts
	for name, d := range map[string]time.Duration{
		"commit":    t.Commit,
		"lock":      t.Lock,
		"reveal":    t.Reveal,
		"broadcast": t.Broadcast,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s timeout must be positive", ErrInvalidConfig, name)
		}
	}
	if c.Swap.MaxNonceAttempts < 1 {
		return fmt.Errorf("%w: max_nonce_attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Swap.FeeRate < 0 {
		return fmt.Errorf("%w: fee_rate is negative", ErrInvalidConfig)
	}
	return nil
}

// ChainParams returns the parameters of the configured network.
func (c *Config) ChainParams() (*chain.Params, error) {
	return chain.Parse(string(c.Network))
}

// BackendConfig returns the configured backend or the network default.
func (c *Config) BackendConfig(params *chain.Params) *backend.Config {
	if c.Backend != nil {
		return c.Backend
	}
	return backend.DefaultConfig(params)
}

// SwapTimeouts converts the configured deadlines.
func (c *Config) SwapTimeouts() swap.Timeouts {
	t := c.Swap.Timeouts
	return swap.Timeouts{
		Commit:    t.Commit,
		Lock:      t.Lock,
		Reveal:    t.Reveal,
		Broadcast: t.Broadcast,
	}
}

// MinConf returns the confirmation requirement with the network default applied.
func (c *Config) MinConf(params *chain.Params) uint32 {
	if c.Swap.MinConf > 0 {
		return c.Swap.MinConf
	}
	return params.Confirmations
}

// ExpandedDataDir returns DataDir with ~ expanded.
func (c *Config) ExpandedDataDir() string {
	return expandPath(c.DataDir)
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

func parseURL(raw string, schemes ...string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%q: scheme must be one of %s", raw, strings.Join(schemes, ", "))
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
