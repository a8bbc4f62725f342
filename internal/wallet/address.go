package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// ErrWrongNetwork is returned for an address encoded for another network.
var ErrWrongNetwork = errors.New("address is for a different network")

// TaprootAddress encodes a BIP86 key-path address for internalKey.
func TaprootAddress(internalKey secp.Point, params *chain.Params) (string, error) {
	pub, err := internalKey.PubKey()
	if err != nil {
		return "", err
	}
	tweaked := txscript.ComputeTaprootKeyNoScript(pub)
	addr, err := btcutil.NewAddressTaproot(tweaked.SerializeCompressed()[1:], params.ChainParams)
	if err != nil {
		return "", fmt.Errorf("failed to encode taproot address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// ParseAddress decodes an address and checks it belongs to params' network.
func ParseAddress(address string, params *chain.Params) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(address, params.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !decoded.IsForNet(params.ChainParams) {
		return nil, fmt.Errorf("%s: %w", address, ErrWrongNetwork)
	}
	return decoded, nil
}

// ValidateAddress checks if an address is valid for a network.
func ValidateAddress(address string, params *chain.Params) bool {
	_, err := ParseAddress(address, params)
	return err == nil
}

// AddressToScript returns the output script paying to address.
func AddressToScript(address string, params *chain.Params) ([]byte, error) {
	decoded, err := ParseAddress(address, params)
	if err != nil {
		return nil, err
	}
	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}
	return script, nil
}

// ScriptToAddress renders an output script as an address, for logging.
func ScriptToAddress(script []byte, params *chain.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, params.ChainParams)
	if err != nil {
		return "", fmt.Errorf("failed to parse script: %w", err)
	}
	if len(addrs) != 1 {
		return "", fmt.Errorf("script has %d addresses", len(addrs))
	}
	return addrs[0].EncodeAddress(), nil
}
