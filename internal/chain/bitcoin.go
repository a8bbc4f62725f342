package chain

import "github.com/btcsuite/btcd/chaincfg"

func init() {
	Register(&Params{
		Network:           Mainnet,
		Name:              "Bitcoin",
		CoinType:          0,
		Purpose:           86,
		Bech32HRP:         "bc",
		Confirmations:     3,
		DefaultBackendURL: "https://mempool.space/api",
		ChainParams:       &chaincfg.MainNetParams,
	})

	Register(&Params{
		Network:           Testnet,
		Name:              "Bitcoin Testnet",
		CoinType:          1,
		Purpose:           86,
		Bech32HRP:         "tb",
		Confirmations:     1,
		DefaultBackendURL: "https://mempool.space/testnet/api",
		ChainParams:       &chaincfg.TestNet3Params,
	})

	Register(&Params{
		Network:           Signet,
		Name:              "Bitcoin Signet",
		CoinType:          1,
		Purpose:           86,
		Bech32HRP:         "tb",
		Confirmations:     1,
		DefaultBackendURL: "https://mempool.space/signet/api",
		ChainParams:       &chaincfg.SigNetParams,
	})

	// Regtest has no public backend; point the node at a local esplora.
	Register(&Params{
		Network:       Regtest,
		Name:          "Bitcoin Regtest",
		CoinType:      1,
		Purpose:       86,
		Bech32HRP:     "bcrt",
		Confirmations: 1,
		ChainParams:   &chaincfg.RegressionNetParams,
	})
}
