// Package wallet provides the HD key source for swap sessions (BIP39 seed,
// BIP86 Taproot derivation) and the btcd transaction collaborator.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/helpers"
	"github.com/klingon-exchange/tanos/pkg/secp"
	"github.com/tyler-smith/go-bip39"
)

// Account indices under m/86'/coin'.
const (
	// FundingAccount holds the wallet's own P2TR outputs used to fund locks
	// and receive claims.
	FundingAccount uint32 = 0
	// SessionAccount holds one key per swap session. Keys are never reused
	// across sessions.
	SessionAccount uint32 = 1
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chain.Params
	mu        sync.Mutex

	// account/change/index -> key
	cache map[[3]uint32]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, params *chain.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer helpers.Wipe(seed)

	return NewFromSeed(seed, params)
}

// NewFromSeed creates a wallet from a raw BIP32 seed.
func NewFromSeed(seed []byte, params *chain.Params) (*Wallet, error) {
	if params == nil {
		return nil, fmt.Errorf("network params required")
	}

	masterKey, err := hdkeychain.NewMaster(seed, params.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		params:    params,
		cache:     make(map[[3]uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// Params returns the wallet's network parameters.
func (w *Wallet) Params() *chain.Params {
	return w.params
}

// DeriveKey derives the extended key at m/86'/coin'/account'/change/index.
func (w *Wallet) DeriveKey(account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.masterKey == nil {
		return nil, fmt.Errorf("wallet is closed")
	}

	slot := [3]uint32{account, change, index}
	if key, ok := w.cache[slot]; ok {
		return key, nil
	}

	key := w.masterKey
	for i, child := range w.params.DerivationPath(account, change, index) {
		next, err := key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive level %d of %s: %w",
				i, w.params.DerivationPathString(account, change, index), err)
		}
		key = next
	}

	w.cache[slot] = key
	return key, nil
}

// PrivateKey returns a copy of the private scalar at the given path. The
// caller owns the copy and should wipe it when done.
func (w *Wallet) PrivateKey(account, change, index uint32) (*secp.Scalar, error) {
	key, err := w.DeriveKey(account, change, index)
	if err != nil {
		return nil, err
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	defer priv.Zero()

	return new(secp.Scalar).Set(&priv.Key), nil
}

// PublicKey returns the public point at the given path.
func (w *Wallet) PublicKey(account, change, index uint32) (secp.Point, error) {
	key, err := w.DeriveKey(account, change, index)
	if err != nil {
		return secp.Point{}, err
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return secp.Point{}, fmt.Errorf("failed to get public key: %w", err)
	}
	return secp.FromPubKey(pub), nil
}

// FundingKey returns the private key of the index-th funding address.
func (w *Wallet) FundingKey(index uint32) (*secp.Scalar, error) {
	return w.PrivateKey(FundingAccount, 0, index)
}

// SessionKey returns the private key reserved for the index-th swap session.
func (w *Wallet) SessionKey(index uint32) (*secp.Scalar, error) {
	return w.PrivateKey(SessionAccount, 0, index)
}

// Output returns the key-path-only Taproot output at the given path.
func (w *Wallet) Output(account, change, index uint32) (*taproot.Output, error) {
	pub, err := w.PublicKey(account, change, index)
	if err != nil {
		return nil, err
	}
	return taproot.DeriveOutput(pub, nil)
}

// Address returns the BIP86 P2TR address at the given path.
func (w *Wallet) Address(account, change, index uint32) (string, error) {
	out, err := w.Output(account, change, index)
	if err != nil {
		return "", err
	}
	return out.Address(w.params.ChainParams)
}

// FundingAddress returns the index-th receive address of the funding account.
func (w *Wallet) FundingAddress(index uint32) (string, error) {
	return w.Address(FundingAccount, 0, index)
}

// ClearCache drops all cached derived keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for slot, key := range w.cache {
		key.Zero()
		delete(w.cache, slot)
	}
}

// Close wipes the master key and every cached child. The wallet is unusable
// afterwards.
func (w *Wallet) Close() {
	w.ClearCache()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.masterKey != nil {
		w.masterKey.Zero()
		w.masterKey = nil
	}
}
