package wallet

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/tanos/internal/adaptor"
	"github.com/klingon-exchange/tanos/internal/backend"
	"github.com/klingon-exchange/tanos/internal/chain"
	"github.com/klingon-exchange/tanos/internal/taproot"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

func regtestWallet(t *testing.T) *Wallet {
	t.Helper()
	w, err := NewFromMnemonic(testMnemonic, "", params(t, chain.Regtest))
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func TestEstimateFee(t *testing.T) {
	if got := EstimateVSize(1, 1); got != 112 {
		t.Errorf("EstimateVSize(1, 1) = %d, want 112", got)
	}
	if got := ClaimFee(3); got != 336 {
		t.Errorf("ClaimFee(3) = %d, want 336", got)
	}
	if got := EstimateFee(2, 2, 1); got != 11+2*58+2*43 {
		t.Errorf("EstimateFee(2, 2, 1) = %d", got)
	}
}

func TestBuildOutput(t *testing.T) {
	b := NewTxBuilder(params(t, chain.Regtest), nil)
	prev := wire.OutPoint{Hash: chainhash.HashH([]byte("prev")), Index: 3}
	script := []byte{0x51, 0x20}

	tx, err := b.BuildOutput(script, 10_000, prev)
	if err != nil {
		t.Fatalf("BuildOutput() error = %v", err)
	}
	if tx.Version != 2 || len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		t.Fatalf("unexpected shape: %+v", tx)
	}
	if tx.TxIn[0].PreviousOutPoint != prev {
		t.Errorf("input = %s, want %s", tx.TxIn[0].PreviousOutPoint, prev)
	}
	if tx.TxOut[0].Value != 10_000 || !bytes.Equal(tx.TxOut[0].PkScript, script) {
		t.Errorf("output = %+v", tx.TxOut[0])
	}

	if _, err := b.BuildOutput(script, DustLimit-1, prev); !errors.Is(err, ErrDustOutput) {
		t.Errorf("dust BuildOutput() error = %v, want ErrDustOutput", err)
	}
	if _, err := b.BuildOutput(nil, 10_000, prev); err == nil {
		t.Error("expected error for empty script")
	}
}

func TestSetWitnessCopies(t *testing.T) {
	b := NewTxBuilder(params(t, chain.Regtest), nil)
	tx, _ := b.BuildOutput([]byte{0x51}, 1_000, wire.OutPoint{})

	item := []byte{1, 2, 3}
	signed, err := b.SetWitness(tx, 0, [][]byte{item})
	if err != nil {
		t.Fatalf("SetWitness() error = %v", err)
	}
	if len(tx.TxIn[0].Witness) != 0 {
		t.Error("SetWitness modified its input")
	}
	item[0] = 9
	if signed.TxIn[0].Witness[0][0] != 1 {
		t.Error("witness aliases caller's slice")
	}

	if _, err := b.SetWitness(tx, 1, nil); err == nil {
		t.Error("expected error for out-of-range input")
	}
}

func TestSighashMatchesTxscript(t *testing.T) {
	b := NewTxBuilder(params(t, chain.Regtest), nil)
	w := regtestWallet(t)

	out, _ := w.Output(FundingAccount, 0, 0)
	tx, _ := b.BuildOutput(out.OutputScript, 40_000, wire.OutPoint{Index: 1})

	got, err := b.Sighash(tx, 0, [][]byte{out.OutputScript}, []int64{50_000}, txscript.SigHashDefault)
	if err != nil {
		t.Fatalf("Sighash() error = %v", err)
	}

	fetcher := txscript.NewCannedPrevOutputFetcher(out.OutputScript, 50_000)
	want, err := txscript.CalcTaprootSignatureHash(txscript.NewTxSigHashes(tx, fetcher),
		txscript.SigHashDefault, tx, 0, fetcher)
	if err != nil {
		t.Fatalf("CalcTaprootSignatureHash() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Sighash() = %x, want %x", got, want)
	}

	if _, err := b.Sighash(tx, 0, nil, nil, txscript.SigHashDefault); !errors.Is(err, ErrPrevOutsLength) {
		t.Errorf("Sighash() without prevouts error = %v, want ErrPrevOutsLength", err)
	}
	if _, err := b.Sighash(tx, 2, [][]byte{out.OutputScript}, []int64{50_000}, txscript.SigHashDefault); err == nil {
		t.Error("expected error for out-of-range input")
	}
}

// TestLockAndSpend funds a wallet address on the simulated chain, pays into
// a commitment output, and spends it again with the effective key.
func TestLockAndSpend(t *testing.T) {
	sim := backend.NewSimulated()
	b := NewTxBuilder(params(t, chain.Regtest), sim)
	w := regtestWallet(t)
	ctx := context.Background()
	engine := adaptor.New()

	fundKey, _ := w.FundingKey(0)
	fundOut, _ := w.Output(FundingAccount, 0, 0)
	src := sim.Fund(fundOut.OutputScript, 60_000)

	sessionKey, _ := w.SessionKey(0)
	T := secp.BaseMul(secp.NewScalar(42))
	root, err := taproot.CommitmentRoot(secp.BaseMul(sessionKey), T)
	if err != nil {
		t.Fatalf("CommitmentRoot() error = %v", err)
	}
	lockOut, err := taproot.DeriveOutput(secp.BaseMul(sessionKey), root)
	if err != nil {
		t.Fatalf("DeriveOutput() error = %v", err)
	}

	lockTx, _ := b.BuildOutput(lockOut.OutputScript, 59_000, src)
	if err := SignKeyPathInputs(engine, lockTx, []*wire.TxOut{wire.NewTxOut(60_000, fundOut.OutputScript)},
		[]*secp.Scalar{fundKey}); err != nil {
		t.Fatalf("SignKeyPathInputs() error = %v", err)
	}
	if err := VerifyInputs(lockTx, []*wire.TxOut{wire.NewTxOut(60_000, fundOut.OutputScript)}); err != nil {
		t.Fatalf("VerifyInputs() error = %v", err)
	}
	lockID, err := b.Broadcast(ctx, lockTx)
	if err != nil {
		t.Fatalf("Broadcast(lock) error = %v", err)
	}

	lockOP := wire.OutPoint{Hash: lockID, Index: 0}
	claim, _ := b.BuildOutput(fundOut.OutputScript, 59_000-ClaimFee(2), lockOP)
	sighash, err := b.Sighash(claim, 0, [][]byte{lockOut.OutputScript}, []int64{59_000}, txscript.SigHashDefault)
	if err != nil {
		t.Fatalf("Sighash() error = %v", err)
	}
	sig, err := taproot.SignForSpend(engine, sessionKey, lockOut, sighash)
	if err != nil {
		t.Fatalf("SignForSpend() error = %v", err)
	}
	claim, err = b.SetWitness(claim, 0, [][]byte{sig})
	if err != nil {
		t.Fatalf("SetWitness() error = %v", err)
	}
	if _, err := b.Broadcast(ctx, claim); err != nil {
		t.Fatalf("Broadcast(claim) error = %v", err)
	}

	raw, err := SerializeTx(claim)
	if err != nil {
		t.Fatalf("SerializeTx() error = %v", err)
	}
	back, err := DeserializeTx(raw)
	if err != nil {
		t.Fatalf("DeserializeTx() error = %v", err)
	}
	if back.TxHash() != claim.TxHash() || back.WitnessHash() != claim.WitnessHash() {
		t.Error("round trip changed the transaction")
	}
}

func TestSignKeyPathInputsRejectsForeignKey(t *testing.T) {
	b := NewTxBuilder(params(t, chain.Regtest), nil)
	w := regtestWallet(t)

	fundOut, _ := w.Output(FundingAccount, 0, 0)
	tx, _ := b.BuildOutput(fundOut.OutputScript, 1_000, wire.OutPoint{})
	other, _ := w.SessionKey(3)

	err := SignKeyPathInputs(adaptor.New(), tx, []*wire.TxOut{wire.NewTxOut(2_000, fundOut.OutputScript)},
		[]*secp.Scalar{other})
	if err == nil {
		t.Error("expected error signing with a key that does not own the output")
	}
	if err := SignKeyPathInputs(adaptor.New(), tx, nil, nil); !errors.Is(err, ErrPrevOutsLength) {
		t.Errorf("SignKeyPathInputs() error = %v, want ErrPrevOutsLength", err)
	}
}

type stubBroadcaster struct {
	txid string
	err  error
	got  string
}

func (s *stubBroadcaster) BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error) {
	s.got = rawTxHex
	return s.txid, s.err
}

func TestBroadcastErrors(t *testing.T) {
	tx, _ := NewTxBuilder(params(t, chain.Regtest), nil).BuildOutput([]byte{0x51}, 1_000, wire.OutPoint{})
	ctx := context.Background()

	if _, err := NewTxBuilder(params(t, chain.Regtest), nil).Broadcast(ctx, tx); !errors.Is(err, ErrNoBroadcaster) {
		t.Errorf("Broadcast() without broadcaster error = %v, want ErrNoBroadcaster", err)
	}

	boom := errors.New("boom")
	stub := &stubBroadcaster{err: boom}
	if _, err := NewTxBuilder(params(t, chain.Regtest), stub).Broadcast(ctx, tx); !errors.Is(err, boom) {
		t.Errorf("Broadcast() error = %v, want boom", err)
	}
	want, _ := SerializeTx(tx)
	if stub.got != want {
		t.Errorf("broadcaster got %s, want %s", stub.got, want)
	}

}

func TestBroadcastTxIDMismatch(t *testing.T) {
	tx, _ := NewTxBuilder(params(t, chain.Regtest), nil).BuildOutput([]byte{0x51}, 1_000, wire.OutPoint{})

	// Once the backend accepted the transaction, a differently formatted
	// or wrong id is only logged; the locally computed txid is returned.
	stub := &stubBroadcaster{txid: "00"}
	txid, err := NewTxBuilder(params(t, chain.Regtest), stub).Broadcast(context.Background(), tx)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if txid != tx.TxHash() {
		t.Errorf("Broadcast() = %s, want %s", txid, tx.TxHash())
	}
	if stub.got == "" {
		t.Error("transaction never reached the broadcaster")
	}
}
