// Package chain defines the Bitcoin networks the swap node can run on and the
// parameters that differ between them.
package chain

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Params contains all parameters for a network.
type Params struct {
	Network Network
	Name    string

	// BIP44-style derivation; swap keys use BIP86 (Taproot) purpose.
	CoinType uint32
	Purpose  uint32

	Bech32HRP string

	// Confirmations required before a funding output is considered locked.
	Confirmations uint32

	// DefaultBackendURL is an Esplora-compatible API root; empty for regtest.
	DefaultBackendURL string

	// ChainParams are btcd's network parameters.
	ChainParams *chaincfg.Params
}

// DerivationPath returns m/purpose'/coin'/account'/change/index.
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.Purpose + 0x80000000,
		p.CoinType + 0x80000000,
		account + 0x80000000,
		change,
		index,
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.Purpose, p.CoinType, account, change, index)
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry.
func Register(params *Params) {
	registry[params.Network] = params
}

// Get returns params for a network.
func Get(network Network) (*Params, bool) {
	params, ok := registry[network]
	return params, ok
}

// Parse resolves a network name, accepting btcd's aliases.
func Parse(name string) (*Params, error) {
	switch name {
	case "main", "bitcoin":
		name = string(Mainnet)
	case "testnet3", "test":
		name = string(Testnet)
	case "regression", "simnet":
		name = string(Regtest)
	}
	params, ok := Get(Network(name))
	if !ok {
		return nil, fmt.Errorf("unsupported network: %q", name)
	}
	return params, nil
}

// List returns all registered networks in sorted order.
func List() []Network {
	networks := make([]Network, 0, len(registry))
	for n := range registry {
		networks = append(networks, n)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}
