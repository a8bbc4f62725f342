package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/backend"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/pkg/logging"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

// SeedFileName is the sealed seed's file name inside the data directory.
const SeedFileName = "wallet.seed"

// Service errors
var (
	ErrWalletLocked  = errors.New("wallet is locked")
	ErrWalletExists  = errors.New("wallet already exists")
	ErrNoWallet      = errors.New("no wallet found")
	ErrNoUTXOSource  = errors.New("no UTXO source configured")
	ErrNoSpendableTx = errors.New("no spendable outputs")
)

// UTXOSource lists unspent outputs paying to a script. backend.Esplora and
// backend.Simulated implement it.
type UTXOSource interface {
	ScriptUTXOs(ctx context.Context, script []byte) ([]backend.UTXO, error)
}

// ServiceConfig holds configuration for the wallet service.
type ServiceConfig struct {
	DataDir string
	Params  *chain.Params
	UTXOs   UTXOSource
	Builder *TxBuilder
	Engine  *adaptor.Engine
}

// Service owns the unlocked wallet and turns wallet outputs into swap
// funding sources.
type Service struct {
	cfg    ServiceConfig
	wallet *Wallet
	log    *logging.Logger

	mu sync.RWMutex
}

// NewService creates a new wallet service.
func NewService(cfg *ServiceConfig) *Service {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	s := &Service{
		cfg: *cfg,
		log: logging.GetDefault().Component("wallet"),
	}
	if s.cfg.DataDir == "" {
		s.cfg.DataDir = "."
	}
	if s.cfg.Params == nil {
		s.cfg.Params, _ = chain.Get(chain.Mainnet)
	}
	if s.cfg.Engine == nil {
		s.cfg.Engine = adaptor.New()
	}
	if s.cfg.Builder == nil {
		s.cfg.Builder = NewTxBuilder(s.cfg.Params, nil)
	}
	return s
}

// SeedPath returns the sealed seed file path.
func (s *Service) SeedPath() string {
	return filepath.Join(s.cfg.DataDir, SeedFileName)
}

// Network returns the network the service derives keys for.
func (s *Service) Network() chain.Network {
	return s.cfg.Params.Network
}

// HasWallet reports whether a sealed seed exists.
func (s *Service) HasWallet() bool {
	_, err := os.Stat(s.SeedPath())
	return err == nil
}

// CreateWallet seals mnemonic under password, writes it to the data
// directory and unlocks the wallet.
func (s *Service) CreateWallet(mnemonic, passphrase, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.SeedPath()); err == nil {
		return ErrWalletExists
	}

	w, err := NewFromMnemonic(mnemonic, passphrase, s.cfg.Params)
	if err != nil {
		return err
	}
	sealed, err := SealMnemonic(mnemonic, password)
	if err != nil {
		w.Close()
		return err
	}
	if err := WriteSealedSeed(sealed, s.SeedPath()); err != nil {
		w.Close()
		return err
	}

	s.wallet = w
	s.log.Info("Wallet created", "network", s.cfg.Params.Network)
	return nil
}

// LoadWallet opens the sealed seed and unlocks the wallet.
func (s *Service) LoadWallet(password, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := ReadSealedSeed(s.SeedPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoWallet
		}
		return err
	}
	mnemonic, err := sealed.Open(password)
	if err != nil {
		return err
	}
	w, err := NewFromMnemonic(mnemonic, passphrase, s.cfg.Params)
	if err != nil {
		return err
	}

	if s.wallet != nil {
		s.wallet.Close()
	}
	s.wallet = w
	s.log.Info("Wallet unlocked", "network", s.cfg.Params.Network)
	return nil
}

// IsUnlocked reports whether a wallet is loaded.
func (s *Service) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wallet != nil
}

// Lock wipes the loaded wallet.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wallet != nil {
		s.wallet.Close()
		s.wallet = nil
	}
}

// Wallet returns the unlocked wallet.
func (s *Service) Wallet() (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wallet == nil {
		return nil, ErrWalletLocked
	}
	return s.wallet, nil
}

// SessionKey returns the private key for the index-th swap session.
func (s *Service) SessionKey(index uint32) (*secp.Scalar, error) {
	w, err := s.Wallet()
	if err != nil {
		return nil, err
	}
	return w.SessionKey(index)
}

// FundingAddress returns the wallet's receive address.
func (s *Service) FundingAddress() (string, error) {
	w, err := s.Wallet()
	if err != nil {
		return "", err
	}
	return w.FundingAddress(0)
}

// FundingScript returns the output script of the wallet's receive address.
func (s *Service) FundingScript() ([]byte, error) {
	w, err := s.Wallet()
	if err != nil {
		return nil, err
	}
	out, err := w.Output(FundingAccount, 0, 0)
	if err != nil {
		return nil, err
	}
	return out.OutputScript, nil
}

// Balance sums the confirmed and unconfirmed value at the receive address.
func (s *Service) Balance(ctx context.Context) (confirmed, unconfirmed int64, err error) {
	utxos, err := s.fundingUTXOs(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, u := range utxos {
		if u.Confirmed {
			confirmed += u.Value
		} else {
			unconfirmed += u.Value
		}
	}
	return confirmed, unconfirmed, nil
}

func (s *Service) fundingUTXOs(ctx context.Context) ([]backend.UTXO, error) {
	if s.cfg.UTXOs == nil {
		return nil, ErrNoUTXOSource
	}
	script, err := s.FundingScript()
	if err != nil {
		return nil, err
	}
	return s.cfg.UTXOs.ScriptUTXOs(ctx, script)
}

// PrepareFunding returns a funding source worth exactly amount plus the
// lock transaction's fee at feeRate. When no single confirmed output has
// that value, it broadcasts a split transaction from the receive address
// and returns the split's first output.
func (s *Service) PrepareFunding(ctx context.Context, amount int64, feeRate uint64) (*swap.FundingSource, error) {
	w, err := s.Wallet()
	if err != nil {
		return nil, err
	}
	utxos, err := s.fundingUTXOs(ctx)
	if err != nil {
		return nil, err
	}

	target := amount + EstimateFee(1, 1, feeRate)
	for _, u := range utxos {
		if u.Confirmed && u.Value >= target && u.Value-target < DustLimit {
			op, err := u.OutPoint()
			if err != nil {
				return nil, err
			}
			key, err := w.FundingKey(0)
			if err != nil {
				return nil, err
			}
			return &swap.FundingSource{OutPoint: op, Value: u.Value, Key: key}, nil
		}
	}

	return s.split(ctx, w, utxos, target, feeRate)
}

func (s *Service) split(ctx context.Context, w *Wallet, utxos []backend.UTXO, target int64, feeRate uint64) (*swap.FundingSource, error) {
	selected, total, err := selectUTXOs(utxos, target, feeRate)
	if err != nil {
		return nil, err
	}

	out, err := w.Output(FundingAccount, 0, 0)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	prevOuts := make([]*wire.TxOut, 0, len(selected))
	keys := make([]*secp.Scalar, 0, len(selected))
	defer func() {
		for _, k := range keys {
			k.Zero()
		}
	}()
	for _, u := range selected {
		op, err := u.OutPoint()
		if err != nil {
			return nil, err
		}
		in := wire.NewTxIn(&op, nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(in)
		prevOuts = append(prevOuts, wire.NewTxOut(u.Value, out.OutputScript))

		key, err := w.FundingKey(0)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	tx.AddTxOut(wire.NewTxOut(target, out.OutputScript))
	change := total - target - EstimateFee(len(selected), 2, feeRate)
	if change >= DustLimit {
		tx.AddTxOut(wire.NewTxOut(change, out.OutputScript))
	}

	if err := SignKeyPathInputs(s.cfg.Engine, tx, prevOuts, keys); err != nil {
		return nil, fmt.Errorf("failed to sign split: %w", err)
	}
	txid, err := s.cfg.Builder.Broadcast(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to broadcast split: %w", err)
	}
	s.log.Info("Funding split broadcast", "txid", txid, "value", target, "inputs", len(selected))

	key, err := w.FundingKey(0)
	if err != nil {
		return nil, err
	}
	return &swap.FundingSource{
		OutPoint: wire.OutPoint{Hash: txid, Index: 0},
		Value:    target,
		Key:      key,
	}, nil
}

// selectUTXOs picks the largest outputs first until they cover target plus
// the fee of a two-output transaction.
func selectUTXOs(utxos []backend.UTXO, target int64, feeRate uint64) ([]backend.UTXO, int64, error) {
	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var selected []backend.UTXO
	var total int64
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.Value
		if total >= target+EstimateFee(len(selected), 2, feeRate) {
			return selected, total, nil
		}
	}
	if len(selected) == 0 {
		return nil, 0, ErrNoSpendableTx
	}
	return nil, 0, fmt.Errorf("%w: need %d, have %d", swap.ErrInsufficientFunds,
		target+EstimateFee(len(selected), 2, feeRate), total)
}
