// Package backend provides blockchain API access for watching swap outputs
// and broadcasting transactions.
// This package is read-only for private keys - all signing happens in the wallet package.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTx          = errors.New("invalid transaction")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool   Type = "mempool"   // mempool.space API
	TypeEsplora   Type = "esplora"   // blockstream.info API
	TypeSimulated Type = "simulated" // in-process chain for local runs
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID        string `json:"txid"`
	Vout        uint32 `json:"vout"`
	Value       int64  `json:"value"`
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// OutPoint returns the wire outpoint of u.
func (u UTXO) OutPoint() (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid %s: %w", u.TxID, err)
	}
	return wire.OutPoint{Hash: *hash, Index: u.Vout}, nil
}

// Confirmations returns the confirmation count of u at tip height.
func (u UTXO) Confirmations(tip int64) int64 {
	if !u.Confirmed || u.BlockHeight <= 0 || tip < u.BlockHeight {
		return 0
	}
	return tip - u.BlockHeight + 1
}

// TxStatus is the confirmation status of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the interface for blockchain data providers.
// All methods are read-only - no private keys are handled here.
type Backend interface {
	// Type returns the backend type (mempool, esplora, etc.)
	Type() Type

	// Connect establishes connection to the backend.
	Connect(ctx context.Context) error

	// Close closes the connection.
	Close() error

	// Output operations
	ScriptUTXOs(ctx context.Context, script []byte) ([]UTXO, error)

	// Transaction operations
	GetTxStatus(ctx context.Context, txID string) (*TxStatus, error)
	GetRawTransaction(ctx context.Context, txID string) ([]byte, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	// Block operations
	GetBlockHeight(ctx context.Context) (int64, error)

	// Fee estimation
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type Type   `yaml:"type"`
	URL  string `yaml:"url,omitempty"`

	// Optional settings
	Timeout      int `yaml:"timeout,omitempty"`       // seconds, default 30
	PollInterval int `yaml:"poll_interval,omitempty"` // seconds, default 15
}

// DefaultConfig returns the default backend for a network. Regtest has no
// public API and defaults to the simulated chain.
func DefaultConfig(params *chain.Params) *Config {
	if params.DefaultBackendURL == "" {
		return &Config{Type: TypeSimulated}
	}
	return &Config{
		Type: TypeMempool,
		URL:  params.DefaultBackendURL,
	}
}

// New creates the backend described by cfg.
func New(cfg *Config, params *chain.Params) (Backend, error) {
	switch cfg.Type {
	case TypeMempool, TypeEsplora:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%s backend requires a url", cfg.Type)
		}
		e := NewEsplora(cfg.URL, params)
		e.typ = cfg.Type
		if cfg.Timeout > 0 {
			e.httpClient.Timeout = time.Duration(cfg.Timeout) * time.Second
		}
		return e, nil
	case TypeSimulated:
		return NewSimulated(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// PollDuration returns the polling interval with the default applied.
func (cfg *Config) PollDuration() time.Duration {
	if cfg.PollInterval <= 0 {
		return 15 * time.Second
	}
	return time.Duration(cfg.PollInterval) * time.Second
}
