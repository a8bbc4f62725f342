package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/klingon-exchange/tanos/internal/wallet"
)

// WalletStatusResult is the response for wallet_status.
type WalletStatusResult struct {
	HasWallet bool   `json:"has_wallet"`
	Unlocked  bool   `json:"unlocked"`
	Network   string `json:"network"`
}

func (s *Server) walletStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("wallet service not initialized")
	}

	return &WalletStatusResult{
		HasWallet: s.wallet.HasWallet(),
		Unlocked:  s.wallet.IsUnlocked(),
		Network:   string(s.wallet.Network()),
	}, nil
}

func (s *Server) broadcastWalletStatus() {
	s.wsHub.Broadcast(EventWalletStatus, &WalletStatusResult{
		HasWallet: s.wallet.HasWallet(),
		Unlocked:  s.wallet.IsUnlocked(),
		Network:   string(s.wallet.Network()),
	})
}

// WalletGenerateResult is the response for wallet_generate.
type WalletGenerateResult struct {
	Mnemonic string `json:"mnemonic"`
}

func (s *Server) walletGenerate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return &WalletGenerateResult{
		Mnemonic: mnemonic,
	}, nil
}

// WalletCreateParams is the parameters for wallet_create.
type WalletCreateParams struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase"` // BIP39 passphrase (optional)
	Password   string `json:"password"`   // Encryption password (required)
}

func (s *Server) walletCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("wallet service not initialized")
	}

	var p WalletCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	p.Mnemonic = strings.TrimSpace(p.Mnemonic)
	if p.Mnemonic == "" {
		return nil, invalidParams("mnemonic is required")
	}
	if !wallet.ValidateMnemonic(p.Mnemonic) {
		return nil, invalidParams("invalid mnemonic")
	}
	if err := wallet.ValidatePassword(p.Password); err != nil {
		return nil, invalidParams("%v", err)
	}

	if err := s.wallet.CreateWallet(p.Mnemonic, p.Passphrase, p.Password); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	s.broadcastWalletStatus()

	return map[string]interface{}{
		"success": true,
		"message": "Wallet created successfully",
	}, nil
}

// WalletUnlockParams is the parameters for wallet_unlock.
type WalletUnlockParams struct {
	Password   string `json:"password"`
	Passphrase string `json:"passphrase"` // BIP39 passphrase (optional)
}

func (s *Server) walletUnlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("wallet service not initialized")
	}

	var p WalletUnlockParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if p.Password == "" {
		return nil, invalidParams("password is required")
	}

	if err := s.wallet.LoadWallet(p.Password, p.Passphrase); err != nil {
		return nil, fmt.Errorf("failed to unlock wallet: %w", err)
	}
	s.broadcastWalletStatus()

	return map[string]interface{}{
		"success": true,
		"message": "Wallet unlocked successfully",
	}, nil
}

func (s *Server) walletLock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("wallet service not initialized")
	}

	s.wallet.Lock()
	s.broadcastWalletStatus()

	return map[string]interface{}{
		"success": true,
		"message": "Wallet locked successfully",
	}, nil
}

// WalletGetAddressResult is the response for wallet_getAddress.
type WalletGetAddressResult struct {
	Address string `json:"address"`
	Network string `json:"network"`
	Type    string `json:"type"`
}

func (s *Server) walletGetAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("wallet service not initialized")
	}

	address, err := s.wallet.FundingAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}

	return &WalletGetAddressResult{
		Address: address,
		Network: string(s.wallet.Network()),
		Type:    "p2tr",
	}, nil
}

// WalletBalanceResult is the response for wallet_getBalance.
type WalletBalanceResult struct {
	Address     string `json:"address"`
	Confirmed   int64  `json:"confirmed"`
	Unconfirmed int64  `json:"unconfirmed"`
	Total       int64  `json:"total"`
}

func (s *Server) walletGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.wallet == nil {
		return nil, fmt.Errorf("wallet service not initialized")
	}

	address, err := s.wallet.FundingAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	confirmed, unconfirmed, err := s.wallet.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &WalletBalanceResult{
		Address:     address,
		Confirmed:   confirmed,
		Unconfirmed: unconfirmed,
		Total:       confirmed + unconfirmed,
	}, nil
}

// WalletValidateMnemonicParams is the parameters for wallet_validateMnemonic.
type WalletValidateMnemonicParams struct {
	Mnemonic string `json:"mnemonic"`
}

// WalletValidateMnemonicResult is the response for wallet_validateMnemonic.
type WalletValidateMnemonicResult struct {
	Valid bool `json:"valid"`
}

func (s *Server) walletValidateMnemonic(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p WalletValidateMnemonicParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	return &WalletValidateMnemonicResult{
		Valid: wallet.ValidateMnemonic(strings.TrimSpace(p.Mnemonic)),
	}, nil
}
