package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klingon-exchange/tanos/internal/backend"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/swap"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network != chain.Mainnet {
		t.Errorf("expected mainnet, got %s", cfg.Network)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if len(cfg.Relays) == 0 {
		t.Error("expected default relays")
	}
	if cfg.APIAddr != DefaultAPIAddr {
		t.Errorf("APIAddr = %q, want %q", cfg.APIAddr, DefaultAPIAddr)
	}
	if cfg.SwapTimeouts() != swap.DefaultTimeouts() {
		t.Errorf("timeouts = %+v, want %+v", cfg.SwapTimeouts(), swap.DefaultTimeouts())
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %s, want %s", cfg.DataDir, dir)
	}

	data, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# TANOS") {
		t.Error("config file missing header")
	}
	if !strings.Contains(string(data), "reveal: 6h0m0s") {
		t.Errorf("durations not written as strings:\n%s", data)
	}

	info, err := os.Stat(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %o, want 600", info.Mode().Perm())
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Network = chain.Regtest
	cfg.DataDir = dir
	cfg.Logging.Level = "debug"
	cfg.Relays = []string{"ws://127.0.0.1:7777"}
	cfg.Backend = &backend.Config{Type: backend.TypeSimulated}
	cfg.Swap.Timeouts.Lock = 90 * time.Minute
	cfg.Swap.MinConf = 2
	cfg.Swap.FeeRate = 5
	cfg.APIAddr = ""

	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Network != chain.Regtest {
		t.Errorf("Network = %s", loaded.Network)
	}
	if loaded.Logging.Level != "debug" {
		t.Errorf("Level = %s", loaded.Logging.Level)
	}
	if len(loaded.Relays) != 1 || loaded.Relays[0] != "ws://127.0.0.1:7777" {
		t.Errorf("Relays = %v", loaded.Relays)
	}
	if loaded.Backend == nil || loaded.Backend.Type != backend.TypeSimulated {
		t.Errorf("Backend = %+v", loaded.Backend)
	}
	if loaded.Swap.Timeouts.Lock != 90*time.Minute {
		t.Errorf("Lock timeout = %v", loaded.Swap.Timeouts.Lock)
	}
	if loaded.Swap.FeeRate != 5 {
		t.Errorf("FeeRate = %d", loaded.Swap.FeeRate)
	}
	if loaded.APIAddr != "" {
		t.Errorf("APIAddr = %q, want disabled", loaded.APIAddr)
	}

	params, err := loaded.ChainParams()
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.MinConf(params); got != 2 {
		t.Errorf("MinConf = %d, want 2", got)
	}
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := "network: testnet\ndata_dir: " + dir + "\nswap:\n  timeouts:\n    commit: 1m\n"
	if err := os.WriteFile(ConfigPath(dir), []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Swap.Timeouts.Commit != time.Minute {
		t.Errorf("Commit = %v, want 1m", cfg.Swap.Timeouts.Commit)
	}
	if cfg.Swap.Timeouts.Reveal != swap.DefaultTimeouts().Reveal {
		t.Errorf("Reveal = %v, want default", cfg.Swap.Timeouts.Reveal)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %s, want default", cfg.Logging.Level)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dir), []byte("network: dogecoin\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(dir); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	if err := os.WriteFile(ConfigPath(dir), []byte("network: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown network", func(c *Config) { c.Network = "litecoin" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"http relay", func(c *Config) { c.Relays = []string{"https://relay.example"} }},
		{"relay without host", func(c *Config) { c.Relays = []string{"wss://"} }},
		{"esplora without url", func(c *Config) { c.Backend = &backend.Config{Type: backend.TypeEsplora} }},
		{"unknown backend", func(c *Config) { c.Backend = &backend.Config{Type: "electrum", URL: "tcp://x:1"} }},
		{"zero lock timeout", func(c *Config) { c.Swap.Timeouts.Lock = 0 }},
		{"negative reveal timeout", func(c *Config) { c.Swap.Timeouts.Reveal = -time.Second }},
		{"no nonce attempts", func(c *Config) { c.Swap.MaxNonceAttempts = 0 }},
		{"negative fee rate", func(c *Config) { c.Swap.FeeRate = -1 }},
		{"api addr without port", func(c *Config) { c.APIAddr = "localhost" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestBackendConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	regtest, _ := chain.Get(chain.Regtest)
	if got := cfg.BackendConfig(regtest); got.Type != backend.TypeSimulated {
		t.Errorf("regtest backend = %s, want simulated", got.Type)
	}

	mainnet, _ := chain.Get(chain.Mainnet)
	got := cfg.BackendConfig(mainnet)
	if got.Type != backend.TypeMempool || got.URL != mainnet.DefaultBackendURL {
		t.Errorf("mainnet backend = %+v", got)
	}
	if cfg.MinConf(mainnet) != mainnet.Confirmations {
		t.Errorf("MinConf = %d, want network default %d", cfg.MinConf(mainnet), mainnet.Confirmations)
	}

	cfg.Backend = &backend.Config{Type: backend.TypeEsplora, URL: "http://localhost:3000"}
	if got := cfg.BackendConfig(mainnet); got != cfg.Backend {
		t.Error("explicit backend not returned")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath("/tmp/tanos")
	if path != "/tmp/tanos/config.yaml" {
		t.Errorf("ConfigPath = %s", path)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ConfigPath("~/.tanos"); got != filepath.Join(home, ".tanos", ConfigFileName) {
		t.Errorf("ConfigPath(~) = %s", got)
	}
}
