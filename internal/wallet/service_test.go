package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/backend"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/swap"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

func newTestService(t *testing.T, sim *backend.Simulated) *Service {
	t.Helper()
	p := params(t, chain.Regtest)
	cfg := &ServiceConfig{DataDir: t.TempDir(), Params: p}
	if sim != nil {
		cfg.UTXOs = sim
		cfg.Builder = NewTxBuilder(p, sim)
	}
	s := NewService(cfg)
	t.Cleanup(s.Lock)
	return s
}

func TestServiceCreateLoadLock(t *testing.T) {
	s := newTestService(t, nil)

	if s.HasWallet() {
		t.Fatal("fresh data directory should have no wallet")
	}
	if err := s.LoadWallet(testPassword, ""); !errors.Is(err, ErrNoWallet) {
		t.Errorf("LoadWallet() error = %v, want ErrNoWallet", err)
	}
	if _, err := s.Wallet(); !errors.Is(err, ErrWalletLocked) {
		t.Errorf("Wallet() error = %v, want ErrWalletLocked", err)
	}

	if err := s.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	if !s.HasWallet() || !s.IsUnlocked() {
		t.Fatal("wallet should exist and be unlocked after creation")
	}
	addr, err := s.FundingAddress()
	if err != nil {
		t.Fatalf("FundingAddress() error = %v", err)
	}

	if err := s.CreateWallet(testMnemonic, "", testPassword); !errors.Is(err, ErrWalletExists) {
		t.Errorf("second CreateWallet() error = %v, want ErrWalletExists", err)
	}

	s.Lock()
	if s.IsUnlocked() {
		t.Fatal("wallet still unlocked after Lock")
	}
	if _, err := s.SessionKey(0); !errors.Is(err, ErrWalletLocked) {
		t.Errorf("SessionKey() error = %v, want ErrWalletLocked", err)
	}

	if err := s.LoadWallet("Wrong-Password-1", ""); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("LoadWallet(wrong) error = %v, want ErrWrongPassword", err)
	}
	if err := s.LoadWallet(testPassword, ""); err != nil {
		t.Fatalf("LoadWallet() error = %v", err)
	}
	again, _ := s.FundingAddress()
	if again != addr {
		t.Errorf("address after reload = %s, want %s", again, addr)
	}
}

func TestServiceRequiresUTXOSource(t *testing.T) {
	s := newTestService(t, nil)
	if err := s.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	if _, _, err := s.Balance(context.Background()); !errors.Is(err, ErrNoUTXOSource) {
		t.Errorf("Balance() error = %v, want ErrNoUTXOSource", err)
	}
}

func TestPrepareFundingExactOutput(t *testing.T) {
	sim := backend.NewSimulated()
	s := newTestService(t, sim)
	if err := s.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	script, _ := s.FundingScript()

	const amount = 50_000
	target := amount + EstimateFee(1, 1, 2)
	op := sim.Fund(script, target+100)

	src, err := s.PrepareFunding(context.Background(), amount, 2)
	if err != nil {
		t.Fatalf("PrepareFunding() error = %v", err)
	}
	if src.OutPoint != op {
		t.Errorf("OutPoint = %s, want %s", src.OutPoint, op)
	}
	if src.Value != target+100 {
		t.Errorf("Value = %d, want %d", src.Value, target+100)
	}
	want, _ := s.Wallet()
	key, _ := want.FundingKey(0)
	if !src.Key.Equals(key) {
		t.Error("funding key does not match the receive address key")
	}
}

func TestPrepareFundingSplits(t *testing.T) {
	sim := backend.NewSimulated()
	s := newTestService(t, sim)
	if err := s.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	script, _ := s.FundingScript()
	ctx := context.Background()

	sim.Fund(script, 30_000)
	sim.Fund(script, 80_000)

	const amount = 60_000
	src, err := s.PrepareFunding(ctx, amount, 2)
	if err != nil {
		t.Fatalf("PrepareFunding() error = %v", err)
	}
	target := amount + EstimateFee(1, 1, 2)
	if src.Value != target {
		t.Errorf("Value = %d, want %d", src.Value, target)
	}

	utxos, _ := sim.ScriptUTXOs(ctx, script)
	var found bool
	for _, u := range utxos {
		op, _ := u.OutPoint()
		if op == src.OutPoint {
			found = true
			if u.Value != target || u.Confirmed {
				t.Errorf("split output = %+v", u)
			}
		}
	}
	if !found {
		t.Fatal("split output not in the simulated chain")
	}

	// Largest first: the 80k output alone covers the split, leaving the
	// 30k output and the change.
	confirmed, unconfirmed, err := s.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if confirmed != 30_000 {
		t.Errorf("confirmed = %d, want 30000", confirmed)
	}
	if fee := 80_000 - unconfirmed; fee != EstimateFee(1, 2, 2) {
		t.Errorf("split fee = %d, want %d", fee, EstimateFee(1, 2, 2))
	}

	// The split output is a valid swap funding source: spend it into a lock.
	sim.Mine(1)
	lock, err := s.cfg.Builder.BuildOutput(script, amount, src.OutPoint)
	if err != nil {
		t.Fatalf("BuildOutput() error = %v", err)
	}
	if err := SignKeyPathInputs(s.cfg.Engine, lock, []*wire.TxOut{wire.NewTxOut(src.Value, script)},
		[]*secp.Scalar{src.Key}); err != nil {
		t.Fatalf("SignKeyPathInputs() error = %v", err)
	}
	if _, err := s.cfg.Builder.Broadcast(ctx, lock); err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
}

func TestPrepareFundingInsufficient(t *testing.T) {
	sim := backend.NewSimulated()
	s := newTestService(t, sim)
	if err := s.CreateWallet(testMnemonic, "", testPassword); err != nil {
		t.Fatalf("CreateWallet() error = %v", err)
	}
	ctx := context.Background()

	if _, err := s.PrepareFunding(ctx, 10_000, 2); !errors.Is(err, ErrNoSpendableTx) {
		t.Errorf("PrepareFunding() on empty wallet error = %v, want ErrNoSpendableTx", err)
	}

	script, _ := s.FundingScript()
	sim.Fund(script, 5_000)
	if _, err := s.PrepareFunding(ctx, 10_000, 2); !errors.Is(err, swap.ErrInsufficientFunds) {
		t.Errorf("PrepareFunding() error = %v, want ErrInsufficientFunds", err)
	}
}
